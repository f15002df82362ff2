package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal error")
	ErrDatabase       = errors.New("database error")
	ErrValidation     = errors.New("validation failed")
	ErrMalformedReply = errors.New("malformed model reply")
	ErrContract       = errors.New("contract violation")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// NotFoundf builds a wrapped ErrNotFound for a missing record.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// ContractError marks a job that can never succeed, such as a payload missing a required field.
func ContractError(message string, cause error) error {
	if cause == nil {
		cause = ErrContract
	} else {
		cause = fmt.Errorf("%w: %w", ErrContract, cause)
	}
	return NewAppError("CONTRACT_ERROR", message, cause)
}

// MalformedReplyError marks a model reply that could not be turned into rows.
func MalformedReplyError(message string, cause error) error {
	if cause == nil {
		cause = ErrMalformedReply
	} else {
		cause = fmt.Errorf("%w: %w", ErrMalformedReply, cause)
	}
	return NewAppError("MALFORMED_REPLY", message, cause)
}

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsContract(err error) bool  { return errors.Is(err, ErrContract) }
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedReply) }
