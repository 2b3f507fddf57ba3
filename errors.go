package finsight

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("finsight: no store configured")
	ErrStoreClosed = errors.New("finsight: store closed")

	// Not found errors.
	ErrJobNotFound     = errors.New("finsight: job not found")
	ErrArchiveNotFound = errors.New("finsight: archive entry not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("finsight: job already exists")
	ErrAlreadyReplayed  = errors.New("finsight: archive entry already replayed")

	// Admission errors.
	ErrRateLimited       = errors.New("finsight: rate limit exceeded")
	ErrInvalidSubmission = errors.New("finsight: invalid submission")

	// State errors.
	ErrInvalidTransition = errors.New("finsight: invalid stage transition")
	ErrJobTerminal       = errors.New("finsight: job already terminal")
	ErrStageNotBound     = errors.New("finsight: no executor bound for stage")

	// Subscription errors.
	ErrResyncRequired = errors.New("finsight: requested sequence outside retention, full resync required")
)
