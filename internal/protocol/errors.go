package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidChannel = errors.New("invalid channel id")
	ErrImmutable      = errors.New("message is frozen")
	ErrInvalidField   = errors.New("invalid message field")
)

// Error codes carried in the error field of replies
const (
	CodeBadRequest    = 400
	CodeUnknownClient = 402
	CodeForbidden     = 403
	CodeNotFound      = 404
)

// Error is the parsed form of a reply error field, "<code>:<sub>:<description>".
type Error struct {
	Code        int
	Sub         string
	Description string
}

func NewError(code int, sub string, description string) *Error {
	return &Error{Code: code, Sub: sub, Description: description}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d:%s:%s", e.Code, e.Sub, e.Description)
}

// ParseError splits an error field value back into its parts.
func ParseError(value string) (*Error, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed error value %q", value)
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed error code in %q: %w", value, err)
	}
	return &Error{Code: code, Sub: parts[1], Description: parts[2]}, nil
}
