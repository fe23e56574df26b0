package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/franksops/docmover/provider"
)

var (
	// ErrListingTimeout is returned when a provider keeps a listing in the
	// loading state longer than Options.ListingTimeout.
	ErrListingTimeout = errors.New("timed out waiting for directory listing")

	// ErrSelfReference is recorded for a source that would be copied into
	// itself or one of its descendants.
	ErrSelfReference = errors.New("cannot transfer a directory into itself or a descendant")

	// ErrInsufficientSpace fails a whole job during setup.
	ErrInsufficientSpace = errors.New("insufficient space at destination")

	// ErrNoStreamTypes is returned for a virtual document without convertible types.
	ErrNoStreamTypes = errors.New("no streamable formats available")

	// ErrCreateFailed is returned when a provider created nothing.
	ErrCreateFailed = errors.New("destination document was not created")

	// ErrTooDeep stops a walk over a provider whose tree never ends.
	ErrTooDeep = errors.New("directory nesting exceeds limit")

	// ErrChecksumMismatch is returned by a verified copy whose bytes differ.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrPartialDirectory is returned when some children of a directory failed.
	ErrPartialDirectory = errors.New("some documents failed during a recursive directory transfer")

	// ErrJobNotFound is returned by a Manager for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrManagerStopped is returned when submitting to a stopped Manager.
	ErrManagerStopped = errors.New("manager stopped")

	errCancelled = errors.New("transfer cancelled")
)

// Failure is one source document that could not be transferred.
type Failure struct {
	Document provider.Document
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Document.URI(), f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// DirectoryError collects the children that failed below one directory.
type DirectoryError struct {
	Dir    provider.Document
	Failed []Failure

	// Removed is set when nothing below Dir was transferred and the
	// directory created for it at the destination was deleted again.
	Removed bool
}

func (e *DirectoryError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.Document.Name)
	}
	return fmt.Sprintf("%v: %d in %s (%s)", ErrPartialDirectory, len(e.Failed), e.Dir.URI(), strings.Join(names, ", "))
}

// Unwrap exposes ErrPartialDirectory and the cause of every failed child.
func (e *DirectoryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	errs = append(errs, ErrPartialDirectory)
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// keptAtDestination reports whether a failed child still left something at
// the destination.
func keptAtDestination(err error) bool {
	var dirErr *DirectoryError
	return errors.As(err, &dirErr) && !dirErr.Removed
}

// isFatal reports whether err must terminate the job instead of failing a source.
func isFatal(err error) bool {
	return errors.Is(err, provider.ErrMalformedDocument)
}

func isCancel(err error) bool {
	return errors.Is(err, errCancelled) || errors.Is(err, context.Canceled)
}
