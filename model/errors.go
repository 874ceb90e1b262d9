package model

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Sentinel errors for feedkit operations
var (
	// ErrCancelled indicates the operation has been cancelled by its caller
	ErrCancelled = errors.New("cancelled by user")

	// ErrServiceUnavailable indicates the remote service cannot be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInvalidSearchTerm indicates an empty or unusable search term
	ErrInvalidSearchTerm = errors.New("invalid search term")

	// ErrFeedNotCached indicates entries were written for an unknown feed
	ErrFeedNotCached = errors.New("feed not cached")

	// ErrMissingEntries indicates requested entries could not be found
	ErrMissingEntries = errors.New("missing entries")

	// ErrMissingResult indicates no dependency provided a required result
	ErrMissingResult = errors.New("missing dependency result")

	// ErrPersistence indicates the cache failed to read or write
	ErrPersistence = errors.New("persistence failure")
)

// ServiceUnavailableError wraps the transport error, if any, that made the
// remote service unavailable.
type ServiceUnavailableError struct {
	Err error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Err == nil {
		return ErrServiceUnavailable.Error()
	}
	return fmt.Sprintf("%s: %v", ErrServiceUnavailable, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

func (e *ServiceUnavailableError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

// FeedNotCachedError carries the URLs of feeds missing from the cache.
type FeedNotCachedError struct {
	URLs []string
}

func (e *FeedNotCachedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrFeedNotCached, strings.Join(e.URLs, ", "))
}

func (e *FeedNotCachedError) Is(target error) bool {
	return target == ErrFeedNotCached
}

// InvalidError reports malformed domain data. Kind is one of locator,
// entry, feed, or enclosure.
type InvalidError struct {
	Kind   string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

// MissingEntriesError carries the locators that could not be fulfilled.
type MissingEntriesError struct {
	Locators []EntryLocator
}

func (e *MissingEntriesError) Error() string {
	keys := make([]string, 0, len(e.Locators))
	for _, l := range e.Locators {
		keys = append(keys, l.Key())
	}
	return fmt.Sprintf("%s: %s", ErrMissingEntries, strings.Join(keys, ", "))
}

func (e *MissingEntriesError) Is(target error) bool {
	return target == ErrMissingEntries
}

// MissingResultError names the capability no dependency exposed.
type MissingResultError struct {
	Capability string
}

func (e *MissingResultError) Error() string {
	return fmt.Sprintf("missing %s", e.Capability)
}

func (e *MissingResultError) Is(target error) bool {
	return target == ErrMissingResult
}

// PersistenceError wraps an underlying storage error.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Persistence wraps err, unless nil or already a persistence error.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Err: err}
}

// Combine aggregates independent errors, dropping nils. A single error is
// returned as is.
func Combine(errs ...error) error {
	return multierr.Combine(errs...)
}

// Errors splits an aggregated error.
func Errors(err error) []error {
	return multierr.Errors(err)
}

// IsMultiple reports whether err aggregates more than one error.
func IsMultiple(err error) bool {
	return len(multierr.Errors(err)) > 1
}
