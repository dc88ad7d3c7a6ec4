package query

import (
	"errors"
	"fmt"
)

var (
	ErrStaleVersion  = errors.New("pinned version no longer exists")
	ErrStaleCursor   = errors.New("cursor version no longer exists")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrNotFound      = errors.New("item not found")
	ErrEmptyArchive  = errors.New("archive is empty")
	ErrNoMatch       = errors.New("no item matches the filter")
)

// StaleError carries what a client needs to rebase a stale read
type StaleError struct {
	Err           error // ErrStaleVersion or ErrStaleCursor
	Requested     int64
	LatestVersion int64
	LatestCommit  string
}

func (e *StaleError) Error() string {
	if e.LatestVersion == 0 {
		return fmt.Sprintf("%v: version %d", e.Err, e.Requested)
	}
	return fmt.Sprintf("%v: version %d (latest is %d, commit %s)",
		e.Err, e.Requested, e.LatestVersion, e.LatestCommit)
}

func (e *StaleError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned for a well-formed identifier with no item at the read version
type NotFoundError struct {
	Link          string
	Suggestions   []string
	Version       int64
	DatasetCommit string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s at version %d", ErrNotFound, e.Link, e.Version)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
