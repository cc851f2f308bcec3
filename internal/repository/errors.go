package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel outcomes returned by repositories. Callers match with errors.Is.
var (
	ErrUniqueViolation     = errors.New("unique constraint violated")
	ErrForeignKeyViolation = errors.New("foreign key constraint violated")
	ErrCourseNotFound      = errors.New("course not found")
	ErrAlreadyEnrolled     = errors.New("enrollment already exists")
	ErrNotEnrolled         = errors.New("enrollment does not exist")
)

const (
	pqUniqueViolation     = pq.ErrorCode("23505")
	pqForeignKeyViolation = pq.ErrorCode("23503")
	pqInvalidTextRepr     = pq.ErrorCode("22P02")
)

// mapPQError translates integrity errors raised by Postgres into sentinels,
// keeping the constraint name in the message.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pqUniqueViolation:
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pqErr.Constraint)
	case pqForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrForeignKeyViolation, pqErr.Constraint)
	}
	return err
}

// IsConstraintViolation reports whether err came from a unique or FK check.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation) || errors.Is(err, ErrForeignKeyViolation)
}

// isMalformedID reports whether Postgres rejected a lookup key that cannot be
// cast to the column type, such as a non-UUID path parameter. No row can match
// such a key, so lookups treat it as missing.
func isMalformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqInvalidTextRepr
}
