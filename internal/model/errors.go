package model

import (
	"errors"
)

var (
	ErrTooBig  = errors.New("file too big")
	ErrNoMatch = errors.New("no match")

	// ErrExecutorClosed is returned for submissions after the executor was shut down.
	ErrExecutorClosed = errors.New("executor closed")
	// ErrScanAborted marks a session which can't continue, e.g. its executor went away.
	ErrScanAborted = errors.New("scan aborted")
	// ErrExtractionFailed is attached to a session close when copying a nested entry failed.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrUnresolvedSymbol is returned by resolvers for unknown names.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	// ErrUnreadableEntry wraps per-entry walk and read failures. Those are never fatal.
	ErrUnreadableEntry = errors.New("unreadable entry")
)
