package protocol

import "fmt"

type ErrorCode string

const (
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionFull     ErrorCode = "SESSION_FULL"
	CodeAlreadyJoined   ErrorCode = "ALREADY_JOINED"
	CodeInvalidMessage  ErrorCode = "INVALID_MESSAGE"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeVersionMismatch ErrorCode = "VERSION_MISMATCH"
)

// Error carries a wire error code. Admission codes close the connection,
// INVALID_MESSAGE does not.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Admission reports whether the code rejects a JOIN.
func (c ErrorCode) Admission() bool {
	switch c {
	case CodeSessionNotFound, CodeSessionFull, CodeAlreadyJoined, CodeVersionMismatch, CodeUnauthorized:
		return true
	}
	return false
}
