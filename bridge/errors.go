package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for matching with errors.Is
var (
	ErrNetworkUnavailable = errors.New("bridge network unavailable")
	ErrHTTPStatus         = errors.New("bridge http error")
	ErrDecode             = errors.New("bridge decode error")
	ErrCommandRejected    = errors.New("bridge command rejected")
)

// Kind tags a FetchError
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindHTTPStatus
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTPStatus:
		return "http_status"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FetchError is the only error type returned by Client.Call
type FetchError struct {
	Kind       Kind
	Endpoint   string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("bridge %s returned status %d", e.Endpoint, e.StatusCode)
	case KindDecode:
		return fmt.Sprintf("bridge %s returned an undecodable payload: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("bridge %s unreachable: %v", e.Endpoint, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel belonging to the error's kind
func (e *FetchError) Is(target error) bool {
	switch e.Kind {
	case KindNetwork:
		return target == ErrNetworkUnavailable
	case KindHTTPStatus:
		return target == ErrHTTPStatus
	case KindDecode:
		return target == ErrDecode
	}
	return false
}

// CommandRejectedError is returned when the bridge answers a pump command with a refusal
type CommandRejectedError struct {
	Command    string
	Message    string
	StatusCode int
}

func (e *CommandRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bridge rejected %s command", e.Command)
	}
	return fmt.Sprintf("bridge rejected %s command: %s", e.Command, e.Message)
}

func (e *CommandRejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}
