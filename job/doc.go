// Package job defines the analysis job model: the stage/status state
// machine, typed stage failures, dedup key derivation, and the job store
// interface.
package job
