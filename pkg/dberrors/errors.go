package dberrors

import (
	"errors"
	"fmt"
)

var (
	// structural: the entry can never be applied, the group must halt
	ErrMalformedCommand = errors.New("tscluster: malformed command")
	ErrUnknownCommand   = errors.New("tscluster: unknown command variant")

	ErrStorageUnavailable = errors.New("tscluster: storage unavailable")

	ErrSchemaConflict = errors.New("tscluster: schema conflict")
	ErrPathNotFound   = errors.New("tscluster: path not found")

	// per sub-target failures of a mutation
	ErrTypeMismatch      = errors.New("tscluster: type mismatch")
	ErrNamespaceNotFound = fmt.Errorf("%w: namespace not set", ErrPathNotFound)
	ErrSchemaNotFound    = errors.New("tscluster: schema not found")

	ErrInvalidArgument = errors.New("tscluster: invalid argument")
	ErrClosed          = errors.New("tscluster: closed")
)

// IsFatal reports whether err means the command itself is broken.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMalformedCommand) || errors.Is(err, ErrUnknownCommand)
}

// IsUnavailable reports whether the same command may succeed when retried later.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsSubTarget reports whether err only affects one sub-target of a mutation.
func IsSubTarget(err error) bool {
	return errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrNamespaceNotFound) ||
		errors.Is(err, ErrSchemaNotFound)
}

// Malformed wraps a structural problem description.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedCommand, fmt.Sprintf(format, args...))
}
