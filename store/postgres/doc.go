// Package postgres implements the finsight store on PostgreSQL using pgx.
//
// Jobs and archive entries live in two tables created by embedded
// migrations. Dequeue uses FOR UPDATE SKIP LOCKED so multiple workers can
// poll the same database without handing out the same job twice, and the
// candidate query picks at most one queued job per document while that
// document has nothing running.
package postgres
