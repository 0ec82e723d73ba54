// Package updi implements the UPDI instruction set over a half-duplex,
// self-echoing serial line. It provides the byte-level transactions the OCD
// register engine is built on: control/status-space access, direct and block
// memory access, and the KEY unlock instructions.
package updi

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Width selects byte or word data size for direct loads and stores.
type Width uint8

const (
	WidthByte Width = 0
	WidthWord Width = 1
)

// UPDI instruction opcodes (high nibble; low bits carry size/address fields).
const (
	opLDS    = 0x00
	opLD     = 0x20
	opSTS    = 0x40
	opST     = 0x60
	opLDCS   = 0x80
	opREPEAT = 0xA0
	opSTCS   = 0xC0
	opKEY    = 0xE0

	// size field for 24-bit addressing on LDS/STS
	addr24 = 0x08

	// pointer post-increment field on LD/ST *ptr
	ptrInc = 0x04

	// ST ptr with 24-bit immediate address
	opSTPtr24 = opST | addr24 | 0x02
)

const (
	syncChar = 0x55
	ackByte  = 0x40

	// maximum burst length a single REPEAT can drive
	maxBurst = 256
)

// UPDI control/status-space registers reachable with LDCS/STCS.
const (
	CSStatusA   = 0x0
	CSStatusB   = 0x1
	CSCtrlA     = 0x2
	CSCtrlB     = 0x3
	CSOCDCtrlA  = 0x4
	CSOCDStatus = 0x5
	CSResetReq  = 0x8
	CSSysStatus = 0xB
	CSOCDMsg    = 0xD
)

const (
	// CTRLA guard time value: 2 idle cycles between direction changes.
	// Contention is not destructive on the open-drain UPDI line, so the
	// minimum is safe and fastest.
	ctrlAGuardTime2 = 0x06

	// CTRLB bit disabling the UPDI interface
	ctrlBUPDIDis = 0x04

	ResetReqSignature = 0x59
	ResetReqRun       = 0x00

	SysStatusInReset = 0x20
)

// Activation keys for the KEY instruction. Bytes are reversed on the wire.
var (
	KeyOCD     = [8]byte{'O', 'C', 'D', ' ', ' ', ' ', ' ', ' '}
	KeyNVMProg = [8]byte{'N', 'V', 'M', 'P', 'r', 'o', 'g', ' '}
)

// Config bounds the transport's blocking behaviour. All waits are bounded;
// a transaction that exhausts Retries surfaces ErrTimeout.
type Config struct {
	ByteTimeout  time.Duration
	Retries      int
	BreakRetries int
}

func (c *Config) setDefaults() {
	if c.ByteTimeout <= 0 {
		c.ByteTimeout = 100 * time.Millisecond
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.BreakRetries <= 0 {
		c.BreakRetries = 5
	}
}

// Per-transaction receive states. Every transmitted frame is first read back
// as its own echo; only after the full echo has been matched are further
// bytes treated as device data.
const (
	txIdle = iota
	txAwaitEcho
	txAwaitReply
)

// Client owns the serial handle and the running protocol state of one UPDI
// session. It is not safe for concurrent use: UPDI has no framing that
// tolerates interleaved transactions.
type Client struct {
	port Port
	cfg  Config
	log  *logrus.Entry

	txState  int
	unlocked bool
}

// NewClient wraps an open Port. The caller keeps ownership of nothing: the
// client closes the port on Disconnect.
func NewClient(port Port, cfg Config, log *logrus.Entry) *Client {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Client{
		port: port,
		cfg:  cfg,
		log:  log,
	}
}

// phase names the receive phase the transaction state machine is in, for
// error and log context.
func (c *Client) phase() string {
	switch c.txState {
	case txAwaitEcho:
		return "echo"
	case txAwaitReply:
		return "reply"
	}
	return "idle"
}

// readFull reads exactly len(buf) bytes, classifying any short read or port
// error as a timeout of the current receive phase.
func (c *Client) readFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := c.port.Read(buf[got:])
		if n > 0 {
			got += n
			continue
		}
		if err != nil {
			return errors.Wrapf(ErrTimeout, "%s phase: %s", c.phase(), err.Error())
		}
		return errors.Wrapf(ErrTimeout, "%s phase: short read", c.phase())
	}
	return nil
}

// transactOnce sends one frame and collects nReply device bytes after
// discriminating the frame's own echo. withSync prepends the SYNC character;
// data phases of multi-frame stores go out bare.
func (c *Client) transactOnce(frame []byte, nReply int, withSync bool) ([]byte, error) {
	tx := frame
	if withSync {
		tx = make([]byte, 0, len(frame)+1)
		tx = append(tx, syncChar)
		tx = append(tx, frame...)
	}

	if err := c.port.ResetInput(); err != nil {
		return nil, errors.Wrap(ErrTimeout, err.Error())
	}
	if _, err := c.port.Write(tx); err != nil {
		return nil, errors.Wrap(ErrTimeout, err.Error())
	}

	c.txState = txAwaitEcho
	defer func() { c.txState = txIdle }()

	echo := make([]byte, len(tx))
	if err := c.readFull(echo); err != nil {
		c.log.Debugf("echo missing for % x", tx)
		return nil, err
	}
	if !bytes.Equal(echo, tx) {
		c.log.Debugf("echo mismatch: sent % x, got % x", tx, echo)
		return nil, ErrDesync
	}

	if nReply == 0 {
		return nil, nil
	}

	c.txState = txAwaitReply
	reply := make([]byte, nReply)
	if err := c.readFull(reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// transact retries transactOnce within the configured bound. Timeouts are
// retried; a desync is surfaced immediately so the session can resync.
func (c *Client) transact(frame []byte, nReply int, withSync bool) ([]byte, error) {
	var err error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		var reply []byte
		reply, err = c.transactOnce(frame, nReply, withSync)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, ErrDesync) {
			return nil, err
		}
	}
	return nil, err
}

// Ldcs reads a control/status-space register (4-bit address).
func (c *Client) Ldcs(addr uint8) (uint8, error) {
	reply, err := c.transact([]byte{opLDCS | addr&0x0F}, 1, true)
	if err != nil {
		return 0, err
	}
	return reply[0], nil
}

// Stcs writes a control/status-space register. STCS has no acknowledgment;
// the echo check is the only validation.
func (c *Client) Stcs(addr, value uint8) error {
	_, err := c.transact([]byte{opSTCS | addr&0x0F, value}, 0, true)
	return err
}

func addrBytes(op byte, addr uint32) []byte {
	return []byte{op, byte(addr), byte(addr >> 8), byte(addr >> 16)}
}

// Ld is a direct 24-bit-addressed load of a byte or word.
func (c *Client) Ld(addr uint32, w Width) (uint16, error) {
	reply, err := c.transact(addrBytes(opLDS|addr24|byte(w), addr), int(w)+1, true)
	if err != nil {
		return 0, err
	}
	if w == WidthByte {
		return uint16(reply[0]), nil
	}
	return uint16(reply[0]) | uint16(reply[1])<<8, nil
}

// St is a direct 24-bit-addressed store of a byte or word. Both the address
// and the data phase must be acknowledged by the target.
func (c *Client) St(addr uint32, value uint16, w Width) error {
	reply, err := c.transact(addrBytes(opSTS|addr24|byte(w), addr), 1, true)
	if err != nil {
		return err
	}
	if reply[0] != ackByte {
		return &NAKError{Phase: "address", Got: reply[0]}
	}

	data := []byte{byte(value)}
	if w == WidthWord {
		data = append(data, byte(value>>8))
	}
	reply, err = c.transact(data, 1, false)
	if err != nil {
		return err
	}
	if reply[0] != ackByte {
		return &NAKError{Phase: "data", Got: reply[0]}
	}
	return nil
}

// stPtr sets the indirect-access pointer.
func (c *Client) stPtr(addr uint32) error {
	reply, err := c.transact(addrBytes(opSTPtr24, addr), 1, true)
	if err != nil {
		return err
	}
	if reply[0] != ackByte {
		return &NAKError{Phase: "pointer", Got: reply[0]}
	}
	return nil
}

// repeat arms the REPEAT counter for the next instruction. count is the total
// number of executions (1..256).
func (c *Client) repeat(count int) error {
	_, err := c.transact([]byte{opREPEAT, byte(count - 1)}, 0, true)
	return err
}

// LdBlock reads n bytes starting at addr using pointer post-increment bursts.
func (c *Client) LdBlock(addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for n > 0 {
		chunk := n
		if chunk > maxBurst {
			chunk = maxBurst
		}

		if err := c.stPtr(addr); err != nil {
			return nil, err
		}
		if chunk > 1 {
			if err := c.repeat(chunk); err != nil {
				return nil, err
			}
		}
		reply, err := c.transact([]byte{opLD | ptrInc}, chunk, true)
		if err != nil {
			return nil, err
		}

		out = append(out, reply...)
		addr += uint32(chunk)
		n -= chunk
	}
	return out, nil
}

// StBlock writes data starting at addr. Each data byte is individually
// acknowledged by the target.
func (c *Client) StBlock(addr uint32, data []byte) error {
	for len(data) > 0 {
		chunk := len(data)
		if chunk > maxBurst {
			chunk = maxBurst
		}

		if err := c.stPtr(addr); err != nil {
			return err
		}
		if chunk > 1 {
			if err := c.repeat(chunk); err != nil {
				return err
			}
		}
		if _, err := c.transact([]byte{opST | ptrInc}, 0, true); err != nil {
			return err
		}

		for _, b := range data[:chunk] {
			reply, err := c.transact([]byte{b}, 1, false)
			if err != nil {
				return err
			}
			if reply[0] != ackByte {
				return &NAKError{Phase: "block data", Got: reply[0]}
			}
		}

		addr += uint32(chunk)
		data = data[chunk:]
	}
	return nil
}

// Key issues the KEY instruction. Key bytes go out in reverse order.
func (c *Client) Key(key [8]byte) error {
	frame := make([]byte, 0, 9)
	frame = append(frame, opKEY)
	for i := len(key) - 1; i >= 0; i-- {
		frame = append(frame, key[i])
	}
	_, err := c.transact(frame, 0, true)
	return err
}

// ReadSIB reads the 32-byte system information block.
func (c *Client) ReadSIB() ([32]byte, error) {
	var sib [32]byte

	// KEY with the SIB size field set to the undocumented 32-byte width
	// used by the official debuggers.
	reply, err := c.transact([]byte{opKEY | 0x04 | 0x02}, 32, true)
	if err != nil {
		return sib, err
	}
	copy(sib[:], reply)
	return sib, nil
}
