package updi

import (
	"io"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

// Port is the half-duplex serial line the UPDI client talks through. The
// physical line is self-echoing: every byte written comes back on Read ahead
// of any genuine reply.
type Port interface {
	io.ReadWriteCloser

	// SendBreak holds the line low for approximately d, then restores the
	// normal line configuration.
	SendBreak(d time.Duration) error

	// ResetInput discards any pending received bytes.
	ResetInput() error
}

// SerialConfig describes the physical serial port used as a SerialUPDI
// adapter.
type SerialConfig struct {
	Name        string
	Baud        uint
	ByteTimeout time.Duration
}

type serialPort struct {
	cfg SerialConfig
	f   io.ReadWriteCloser
}

// OpenPort opens a serial port with the UPDI line parameters: 8 data bits,
// even parity, two stop bits.
func OpenPort(cfg SerialConfig) (Port, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.ByteTimeout <= 0 {
		cfg.ByteTimeout = time.Second
	}

	p := &serialPort{cfg: cfg}
	if err := p.open(cfg.Baud); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *serialPort) open(baud uint) error {
	timeout := uint(p.cfg.ByteTimeout / time.Millisecond)
	if timeout < 100 {
		// go-serial rejects sub-100ms inter-character timeouts
		timeout = 100
	}

	f, err := serial.Open(serial.OpenOptions{
		PortName:              p.cfg.Name,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              2,
		ParityMode:            serial.PARITY_EVEN,
		InterCharacterTimeout: timeout,
		MinimumReadSize:       0,
	})
	if err != nil {
		return errors.Wrapf(err, "updi: open %s", p.cfg.Name)
	}

	p.f = f
	return nil
}

func (p *serialPort) Read(buf []byte) (int, error)  { return p.f.Read(buf) }
func (p *serialPort) Write(buf []byte) (int, error) { return p.f.Write(buf) }
func (p *serialPort) Close() error                  { return p.f.Close() }

// SendBreak emulates a line break by reopening the port at a baud rate low
// enough that a single 0x00 frame holds the line low for the requested
// duration. SerialUPDI adapters have no dedicated break line, so this is how
// the handshake break is generated in practice.
func (p *serialPort) SendBreak(d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}

	// A 0x00 frame keeps TX low for ~10 bit times.
	baud := uint(10 * time.Second / d)
	if baud < 300 {
		baud = 300
	}
	if baud > p.cfg.Baud {
		baud = p.cfg.Baud
	}

	if err := p.f.Close(); err != nil {
		return errors.Wrap(err, "updi: close for break")
	}
	if err := p.open(baud); err != nil {
		return err
	}

	if _, err := p.f.Write([]byte{0x00}); err != nil {
		return errors.Wrap(err, "updi: write break")
	}

	// Consume the break echo before restoring the configured baud rate.
	var echo [1]byte
	p.f.Read(echo[:])

	if err := p.f.Close(); err != nil {
		return errors.Wrap(err, "updi: close after break")
	}
	return p.open(p.cfg.Baud)
}

func (p *serialPort) ResetInput() error {
	// The port has no flush primitive; drain until a read comes back empty.
	var buf [64]byte
	for {
		n, err := p.f.Read(buf[:])
		if n == 0 || err != nil {
			return nil
		}
	}
}
