package upstream

import "fmt"

// ConnectError is returned when no usable connection to an upstream could be made.
type ConnectError struct {
	Addr string
	// Via is the upstream proxy the dial went through, empty for direct dials.
	Via string
	Err error
}

func (e *ConnectError) Error() string {
	if e.Via != "" {
		return fmt.Sprintf("connect %s via %s: %v", e.Addr, e.Via, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
