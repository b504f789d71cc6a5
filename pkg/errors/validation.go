package errors

import (
	"fmt"
	"strings"
)

// ValidationErrorData contains structured data for validation errors
type ValidationErrorData struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"value,omitempty"`
	Expected   string      `json:"expected"`
	Constraint string      `json:"constraint,omitempty"`
}

// FormatErrorData contains structured data for envelope decoding errors
type FormatErrorData struct {
	Formatter string `json:"formatter"`
	Offset    int    `json:"offset"`
	Length    int    `json:"length"`
	Reason    string `json:"reason"`
}

// SequenceErrorData names both sides of a fragment routing mismatch
type SequenceErrorData struct {
	Expected string `json:"expected"`
	Got      string `json:"got"`
}

// InvalidArgument creates an error for an argument with an invalid value
func InvalidArgument(param string, value interface{}, expected string) MessagingError {
	return NewError(
		CodeInvalidArgument,
		fmt.Sprintf("Invalid argument '%s': expected %s, got %v", param, expected, value),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{
		Field:    param,
		Value:    value,
		Expected: expected,
	})
}

// SequenceMismatch creates an error for a fragment handed to a processor of another sequence
func SequenceMismatch(expected, got string) MessagingError {
	return NewError(
		CodeSequenceMismatch,
		fmt.Sprintf("fragment belongs to sequence '%s' but the processor handles sequence '%s'", got, expected),
		CategoryValidation,
		SeverityError,
	).WithData(&SequenceErrorData{
		Expected: expected,
		Got:      got,
	})
}

// ProtocolFormat creates an error for an envelope that cannot be decoded
func ProtocolFormat(formatter string, offset, length int, why string) MessagingError {
	return NewError(
		CodeProtocolFormat,
		fmt.Sprintf("%s envelope format error at offset %d of %d: %s", formatter, offset, length, why),
		CategoryProtocol,
		SeverityError,
	).WithData(&FormatErrorData{
		Formatter: formatter,
		Offset:    offset,
		Length:    length,
		Reason:    why,
	})
}

// WrapProtocolFormat wraps a decoder failure as a protocol format error
func WrapProtocolFormat(formatter string, cause error) MessagingError {
	return WrapError(
		cause,
		CodeProtocolFormat,
		fmt.Sprintf("%s envelope format error: %v", formatter, cause),
		CategoryProtocol,
		SeverityError,
	).WithData(&FormatErrorData{
		Formatter: formatter,
		Reason:    reason(cause),
	})
}

// InvalidConfig creates an error for a rejected configuration value
func InvalidConfig(field string, value interface{}, constraint string) MessagingError {
	return NewError(
		CodeInvalidConfig,
		fmt.Sprintf("Invalid configuration '%s' = %v: %s", field, value, constraint),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{
		Field:      field,
		Value:      value,
		Constraint: constraint,
	})
}

// CombineValidationErrors combines multiple validation errors into one
func CombineValidationErrors(errs []MessagingError) MessagingError {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}

	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}

	return NewError(
		CodeInvalidConfig,
		fmt.Sprintf("Multiple validation errors: %s", strings.Join(messages, "; ")),
		CategoryValidation,
		SeverityError,
	).WithData(errs)
}
