package updi

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// Connect performs the break + SYNC handshake and probes the interface with a
// harmless LDCS. The break duration grows on every attempt: a target that is
// mid-reset needs a longer break to notice the handshake. Returns the UPDI
// revision reported in STATUSA.
func (c *Client) Connect() (uint8, error) {
	var version uint8

	breakDur := time.Millisecond
	attempt := 0

	op := func() error {
		attempt++
		c.log.Debugf("handshake attempt %d, break %v", attempt, breakDur)

		if err := c.port.SendBreak(breakDur); err != nil {
			return err
		}
		if breakDur < 25*time.Millisecond {
			breakDur *= 2
		}

		if err := c.port.ResetInput(); err != nil {
			return err
		}

		// ldcs STATUSA consumes the sync character and proves the link
		statusA, err := c.Ldcs(CSStatusA)
		if err != nil {
			return err
		}
		version = statusA >> 4
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(c.cfg.BreakRetries))); err != nil {
		return 0, errors.Wrap(ErrTimeout, "handshake failed")
	}

	c.log.Infof("UPDI interface revision %d", version)
	return version, nil
}

// Resync recovers from a protocol desync: a long break resets the target's
// receiver state machine and a STATUSB read clears any pending error
// signature. Returns the PESIG error code observed.
func (c *Client) Resync() (uint8, error) {
	c.log.Debug("resynchronizing")

	// 25 ms is long enough to register as break at the slowest UPDI baud
	if err := c.port.SendBreak(25 * time.Millisecond); err != nil {
		return 0, errors.Wrap(ErrTimeout, err.Error())
	}
	if err := c.port.ResetInput(); err != nil {
		return 0, errors.Wrap(ErrTimeout, err.Error())
	}

	pesig, err := c.Ldcs(CSStatusB)
	if err != nil {
		return 0, err
	}
	if pesig != 0 {
		c.log.Warnf("resync cleared error signature 0x%02x", pesig)
	}
	return pesig, nil
}

// EnterDebugMode unlocks the on-chip debugger with the OCD activation key and
// selects the minimum guard time. Idempotent; NAKed or timed-out attempts are
// retried within the configured bound.
func (c *Client) EnterDebugMode() error {
	if c.unlocked {
		return nil
	}

	var err error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if err = c.Key(KeyOCD); err != nil {
			continue
		}
		if err = c.Stcs(CSCtrlA, ctrlAGuardTime2); err != nil {
			continue
		}
		c.unlocked = true
		return nil
	}
	return errors.Wrap(err, "updi: OCD key not accepted")
}

// Disconnect disables the UPDI interface on the target and releases the
// serial port.
func (c *Client) Disconnect() error {
	c.unlocked = false
	if err := c.Stcs(CSCtrlB, ctrlBUPDIDis); err != nil {
		c.port.Close()
		return err
	}
	return c.port.Close()
}
