package dberrors

import "errors"

var (
	ErrIO             = errors.New("caskdb: i/o error")
	ErrCorruptRecord  = errors.New("caskdb: corrupt record")
	ErrCompaction     = errors.New("caskdb: compaction failed")
	ErrClosed         = errors.New("caskdb: closed")
	ErrEmptyKey       = errors.New("caskdb: empty key")
	ErrKeyTooLarge    = errors.New("caskdb: key too large")
	ErrValueTooLarge  = errors.New("caskdb: value too large")
	ErrSegmentMissing = errors.New("caskdb: segment missing")

	// ErrIncompleteRecord marks a record cut short by end-of-file. Recovery
	// consumes it; callers never see it.
	ErrIncompleteRecord = errors.New("caskdb: incomplete record")
)
