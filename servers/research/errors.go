package research

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Application error codes reported in the _meta.errorCode field of a failed tool result.
const (
	CodeUpstream      = -32000
	CodeRateLimited   = -32001
	CodeBotProtection = -32002
	CodeTimeout       = -32003
	CodeInvalidURL    = -32004
)

var (
	// ErrRateLimited is returned when the upstream keeps answering 429 after the retries.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrBotProtection is returned when the upstream refuses automated access.
	ErrBotProtection = errors.New("bot protection detected")

	// ErrInvalidURL is returned for URLs that are not absolute http or https URLs.
	ErrInvalidURL = errors.New("invalid url")
)

// ToolError is a tool failure carrying the application error code sent to the client.
type ToolError struct {
	Code int
	Err  error
}

func (e *ToolError) Error() string {
	return e.Err.Error()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// errorCode maps err to the application error code of the tool result.
func errorCode(err error) int {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Code
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBotProtection):
		return CodeBotProtection
	case errors.Is(err, ErrInvalidURL):
		return CodeInvalidURL
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeUpstream
}

// statusError reports a non-success upstream status.
type statusError struct {
	status int
}

func (e statusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.status)
}
