package updi

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the expected echo or reply bytes do not
	// arrive within the configured per-byte timeout and retry bound. It is
	// fatal to the session: the caller must not keep issuing transactions.
	ErrTimeout = errors.New("updi: transport timeout")

	// ErrDesync is returned when received bytes do not match the expected
	// echo pattern. The session may survive a Resync.
	ErrDesync = errors.New("updi: protocol desync")
)

// NAKError reports a store transaction whose address or data phase was not
// acknowledged by the target.
type NAKError struct {
	Phase string
	Got   byte
}

func (e *NAKError) Error() string {
	return fmt.Sprintf("updi: %s phase not acknowledged (got 0x%02x)", e.Phase, e.Got)
}
