// Package errors provides the error taxonomy of a catalog sync run.
// Every failure a component reports can be matched with errors.Is against
// one of the sentinels below, whatever typed error carries the details.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, one per failure kind.
var (
	// ErrConfiguration indicates invalid process configuration. Raised before any I/O.
	ErrConfiguration = errors.New("configuration error")

	// ErrSourceUnavailable indicates the source tree cannot be scanned.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrEmptySource indicates the source tree scan found no files.
	ErrEmptySource = errors.New("empty source")

	// ErrTransferFailure indicates a single-file blob transfer exhausted its retries.
	ErrTransferFailure = errors.New("transfer failure")

	// ErrMetadataWrite indicates a write to the metadata table failed.
	ErrMetadataWrite = errors.New("metadata write failure")

	// ErrVerification indicates the post-sync verification could not run.
	ErrVerification = errors.New("verification error")

	// ErrInvalidTimestamp indicates a value that is not a calendar date-time.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrOutsideBase indicates a path that is not under the base directory.
	ErrOutsideBase = errors.New("path outside base directory")
)

// ConfigError describes one or more invalid settings.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Is implements errors.Is support
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigError creates a new ConfigError
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// SourceError reports a source tree that cannot be used.
type SourceError struct {
	Path string
	Err  error
}

// Error implements the error interface
func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Path, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *SourceError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *SourceError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

// NewSourceError creates a new SourceError
func NewSourceError(path string, err error) *SourceError {
	return &SourceError{Path: path, Err: err}
}

// EmptySourceError reports a scan that produced no files.
type EmptySourceError struct {
	Path string
}

// Error implements the error interface
func (e *EmptySourceError) Error() string {
	return fmt.Sprintf("no files found in %s (is the volume mounted?)", e.Path)
}

// Is implements errors.Is support
func (e *EmptySourceError) Is(target error) bool {
	return target == ErrEmptySource
}

// TransferError reports a blob-store operation on one key that failed
// after every attempt.
type TransferError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

// Error implements the error interface
func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailure
}

// NewTransferError creates a new TransferError
func NewTransferError(op, key string, attempts int, err error) *TransferError {
	return &TransferError{Op: op, Key: key, Attempts: attempts, Err: err}
}

// MetadataWriteError reports a failed metadata-table write covering Keys.
type MetadataWriteError struct {
	Op   string
	Keys []string
	Err  error
}

// Error implements the error interface
func (e *MetadataWriteError) Error() string {
	return fmt.Sprintf("metadata %s of %d key(s) failed: %v", e.Op, len(e.Keys), e.Err)
}

// Unwrap implements errors.Unwrap
func (e *MetadataWriteError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *MetadataWriteError) Is(target error) bool {
	return target == ErrMetadataWrite
}

// NewMetadataWriteError creates a new MetadataWriteError
func NewMetadataWriteError(op string, keys []string, err error) *MetadataWriteError {
	return &MetadataWriteError{Op: op, Keys: keys, Err: err}
}

// TimestampError reports a value that could not be normalized.
type TimestampError struct {
	Value string
	Err   error
}

// Error implements the error interface
func (e *TimestampError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid timestamp %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("invalid timestamp %q", e.Value)
}

// Unwrap implements errors.Unwrap
func (e *TimestampError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *TimestampError) Is(target error) bool {
	return target == ErrInvalidTimestamp
}

// PathError reports a path that cannot be mapped to a key under Base.
type PathError struct {
	Path string
	Base string
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s is not under %s", e.Path, e.Base)
}

// Is implements errors.Is support
func (e *PathError) Is(target error) bool {
	return target == ErrOutsideBase
}

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsSourceUnavailable checks if an error is a source unavailable error
func IsSourceUnavailable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}

// IsEmptySource checks if an error is an empty source error
func IsEmptySource(err error) bool {
	return errors.Is(err, ErrEmptySource)
}

// IsTransferFailure checks if an error is a transfer failure
func IsTransferFailure(err error) bool {
	return errors.Is(err, ErrTransferFailure)
}

// IsMetadataWrite checks if an error is a metadata write failure
func IsMetadataWrite(err error) bool {
	return errors.Is(err, ErrMetadataWrite)
}

// Messages flattens a possibly joined error into one line per cause.
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, Messages(e)...)
		}
		return out
	}
	return []string{strings.TrimSpace(err.Error())}
}
