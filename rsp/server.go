package rsp

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/avrfoundry/updidbg/ocd"
	"github.com/avrfoundry/updidbg/updi"
)

// Stop-reply signal numbers.
const (
	sigHup  = 1 // target was reset
	sigInt  = 2 // halted on external request
	sigTrap = 5 // breakpoint, step, anything GDB should inspect
)

// Error replies. GDB attaches no meaning to the numbers, so these are local
// convention, kept stable for scripting against the server.
const (
	errGeneral      = "E00"
	errInvalidArgs  = "E01"
	errBadAddress   = "E02"
	errReadOnly     = "E03"
	errNoFreeSlot   = "E04"
	errNoSuchBP     = "E05"
	errStepFault    = "E06"
	errUnresponsive = "E0e"
	errSessionLost  = "E0f"
)

const interruptByte = 0x03

// Config tunes the server's protocol behaviour.
type Config struct {
	// PacketSize is advertised in qSupported.
	PacketSize int

	// PollInterval is how often the halt state and the client socket are
	// checked alternately while the target runs.
	PollInterval time.Duration

	// HaltWatchdog caps how long a continue may run before the server
	// halts the target itself. Zero waits forever (the client interrupt
	// remains observable either way).
	HaltWatchdog time.Duration
}

func (c *Config) setDefaults() {
	if c.PacketSize <= 0 {
		c.PacketSize = 1024
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
}

// errClientDetach signals an orderly client detach inside the command loop.
var errClientDetach = errors.New("rsp: client detached")

// Server speaks RSP with one debugger at a time. The OCD session outlives any
// single connection: a new client reattaches to the same target.
type Server struct {
	ln  net.Listener
	eng *ocd.Engine
	cfg Config
	log *logrus.Entry

	// slot addresses mirrored from Z1/z1 so clears can be matched by
	// address; -1 marks a free slot
	bps [2]int64

	lastSig byte
}

// New wraps a listener. The caller keeps ownership of the engine;
// Serve attaches it.
func New(ln net.Listener, eng *ocd.Engine, cfg Config, log *logrus.Entry) *Server {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Server{
		ln:      ln,
		eng:     eng,
		cfg:     cfg,
		log:     log,
		bps:     [2]int64{-1, -1},
		lastSig: sigTrap,
	}
}

// Serve attaches to the target, halts it, and then accepts debugger
// connections until the listener closes or the UPDI session is lost.
func (s *Server) Serve() error {
	if err := s.eng.Attach(); err != nil {
		return err
	}

	cause, err := s.eng.Halt()
	if err != nil {
		return err
	}
	s.lastSig = signalFor(cause)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}

		s.log.Infof("debugger connected from %v", conn.RemoteAddr())
		err = s.serveConn(conn)
		conn.Close()
		s.log.Info("debugger disconnected")

		if errors.Is(err, updi.ErrTimeout) {
			return err
		}
	}
}

// serveConn runs the request/response loop for one client. Returns nil on
// client disconnect or detach; the UPDI session stays up either way unless
// the transport itself failed.
func (s *Server) serveConn(conn net.Conn) error {
	var p parser
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil
		}

		events, interrupts := p.feed(buf[:n])

		if interrupts > 0 {
			conn.Write([]byte{'+'})
			if err := s.interrupt(conn); err != nil {
				return s.sessionFault(err)
			}
		}

		for _, ev := range events {
			if !ev.ok {
				conn.Write([]byte{'-'})
				continue
			}
			conn.Write([]byte{'+'})

			err := s.dispatch(conn, ev.payload)
			if errors.Is(err, errClientDetach) {
				return nil
			}
			if err != nil {
				return s.sessionFault(err)
			}
		}
	}
}

// sessionFault handles a transport-level failure: the engine is marked lost
// so later connections fail fast instead of hanging on a dead line.
func (s *Server) sessionFault(err error) error {
	if errors.Is(err, updi.ErrTimeout) {
		s.log.Errorf("UPDI transport lost: %v", err)
		s.eng.MarkLost()
	}
	return err
}

// interrupt services an out-of-band 0x03 from the client.
func (s *Server) interrupt(conn net.Conn) error {
	s.log.Info("interrupt requested by debugger")

	if _, err := s.eng.Halt(); err != nil {
		if fatal(err) {
			return err
		}
		return s.reply(conn, errUnresponsive)
	}

	s.lastSig = sigInt
	return s.reply(conn, fmt.Sprintf("S%02x", sigInt))
}

func (s *Server) reply(conn net.Conn, payload string) error {
	return s.replyBytes(conn, []byte(payload))
}

func (s *Server) replyBytes(conn net.Conn, payload []byte) error {
	s.log.Debugf("reply: %q", payload)
	_, err := conn.Write(frame(payload))
	return err
}

// dispatch handles one verified inbound packet.
func (s *Server) dispatch(conn net.Conn, pkt []byte) error {
	s.log.Debugf("command: %q", pkt)

	if len(pkt) == 0 {
		return s.reply(conn, "")
	}

	cmd := string(pkt)
	switch {
	case strings.HasPrefix(cmd, "qSupported"):
		return s.reply(conn, fmt.Sprintf("PacketSize=%x;swbreak-;hwbreak+", s.cfg.PacketSize))

	case strings.HasPrefix(cmd, "qAttached"):
		return s.reply(conn, "1")

	case strings.HasPrefix(cmd, "qSymbol:"):
		return s.reply(conn, "OK")

	case strings.HasPrefix(cmd, "qRcmd,"):
		return s.handleMonitor(conn, cmd[len("qRcmd,"):])

	case cmd == "?":
		return s.reply(conn, fmt.Sprintf("S%02x", s.lastSig))

	case cmd == "!":
		return s.reply(conn, "OK")

	case pkt[0] == 'H' || pkt[0] == 'T':
		// no threads on an 8-bit baremetal target
		return s.reply(conn, "OK")

	case pkt[0] == 'g':
		return s.handleReadRegisters(conn)

	case pkt[0] == 'G':
		return s.handleWriteRegisters(conn, pkt[1:])

	case pkt[0] == 'p':
		return s.handleReadRegister(conn, cmd[1:])

	case pkt[0] == 'P':
		return s.handleWriteRegister(conn, cmd[1:])

	case pkt[0] == 'm':
		return s.handleReadMemory(conn, cmd[1:])

	case pkt[0] == 'M':
		return s.handleWriteMemory(conn, pkt[1:], false)

	case pkt[0] == 'X':
		return s.handleWriteMemory(conn, pkt[1:], true)

	case pkt[0] == 'c':
		return s.handleContinue(conn, cmd[1:])

	case pkt[0] == 's':
		return s.handleStep(conn, cmd[1:])

	case strings.HasPrefix(cmd, "Z1,"):
		return s.handleSetBreakpoint(conn, cmd[3:])

	case strings.HasPrefix(cmd, "z1,"):
		return s.handleClearBreakpoint(conn, cmd[3:])

	case strings.HasPrefix(cmd, "Z0") || strings.HasPrefix(cmd, "z0"):
		// software breakpoints are not implemented
		return s.reply(conn, "")

	case strings.HasPrefix(cmd, "vAttach"):
		return s.reply(conn, fmt.Sprintf("S%02x", s.lastSig))

	case strings.HasPrefix(cmd, "vRun"):
		return s.handleRestart(conn, true)

	case pkt[0] == 'R' || pkt[0] == 'r':
		return s.handleRestart(conn, false)

	case cmd == "D":
		if err := s.reply(conn, "OK"); err != nil {
			return err
		}
		return errClientDetach

	case cmd == "k" || strings.HasPrefix(cmd, "vKill"):
		// the target keeps running; only the client goes away
		s.reply(conn, "OK")
		return errClientDetach
	}

	// empty reply means "unsupported" to GDB
	return s.reply(conn, "")
}

func (s *Server) handleReadRegisters(conn net.Conn) error {
	var regs AVRRegisters
	var err error

	file, err := s.eng.ReadRegisterFile()
	if err != nil {
		return s.engineReply(conn, err)
	}
	regs.Regs = file

	if regs.SREG, err = s.eng.ReadSREG(); err != nil {
		return s.engineReply(conn, err)
	}
	if regs.SP, err = s.eng.ReadSP(); err != nil {
		return s.engineReply(conn, err)
	}
	if regs.PC, err = s.eng.ReadPC(); err != nil {
		return s.engineReply(conn, err)
	}

	return s.reply(conn, hex.EncodeToString(regs.Encode()))
}

func (s *Server) handleWriteRegisters(conn net.Conn, arg []byte) error {
	blob, err := hex.DecodeString(string(arg))
	if err != nil {
		return s.reply(conn, errInvalidArgs)
	}

	var regs AVRRegisters
	if err := regs.Decode(blob); err != nil {
		return s.reply(conn, errInvalidArgs)
	}

	if err := s.eng.WriteRegisterFile(regs.Regs); err != nil {
		return s.engineReply(conn, err)
	}
	if err := s.eng.WriteSREG(regs.SREG); err != nil {
		return s.engineReply(conn, err)
	}
	if err := s.eng.WriteSP(regs.SP); err != nil {
		return s.engineReply(conn, err)
	}
	if err := s.eng.WritePC(regs.PC); err != nil {
		return s.engineReply(conn, err)
	}

	return s.reply(conn, "OK")
}

func (s *Server) handleReadRegister(conn net.Conn, arg string) error {
	num, err := strconv.ParseUint(arg, 16, 8)
	if err != nil {
		return s.reply(conn, errInvalidArgs)
	}

	switch {
	case num < 32:
		v, err := s.eng.ReadRegister(int(num))
		if err != nil {
			return s.engineReply(conn, err)
		}
		return s.reply(conn, fmt.Sprintf("%02x", v))

	case num == regNumSREG:
		v, err := s.eng.ReadSREG()
		if err != nil {
			return s.engineReply(conn, err)
		}
		return s.reply(conn, fmt.Sprintf("%02x", v))

	case num == regNumSP:
		v, err := s.eng.ReadSP()
		if err != nil {
			return s.engineReply(conn, err)
		}
		var le [2]byte
		binary.LittleEndian.PutUint16(le[:], v)
		return s.reply(conn, hex.EncodeToString(le[:]))

	case num == regNumPC:
		v, err := s.eng.ReadPC()
		if err != nil {
			return s.engineReply(conn, err)
		}
		return s.reply(conn, hexLE32(v))
	}
	return s.reply(conn, errInvalidArgs)
}

func (s *Server) handleWriteRegister(conn net.Conn, arg string) error {
	numStr, valStr, found := strings.Cut(arg, "=")
	if !found {
		return s.reply(conn, errInvalidArgs)
	}
	num, err := strconv.ParseUint(numStr, 16, 8)
	if err != nil {
		return s.reply(conn, errInvalidArgs)
	}
	val, err := hex.DecodeString(valStr)
	if err != nil || len(val) == 0 {
		return s.reply(conn, errInvalidArgs)
	}

	switch {
	case num < 32:
		err = s.eng.WriteRegister(int(num), val[0])

	case num == regNumSREG:
		err = s.eng.WriteSREG(val[0])

	case num == regNumSP:
		if len(val) < 2 {
			return s.reply(conn, errInvalidArgs)
		}
		err = s.eng.WriteSP(binary.LittleEndian.Uint16(val))

	case num == regNumPC:
		if len(val) < 4 {
			return s.reply(conn, errInvalidArgs)
		}
		err = s.eng.WritePC(binary.LittleEndian.Uint32(val))

	default:
		return s.reply(conn, errInvalidArgs)
	}

	if err != nil {
		return s.engineReply(conn, err)
	}
	return s.reply(conn, "OK")
}

func parseAddrLen(arg string) (uint32, int, bool) {
	addrStr, lenStr, found := strings.Cut(arg, ",")
	if !found {
		return 0, 0, false
	}
	addr, err := strconv.ParseUint(addrStr, 16, 32)
	if err != nil {
		return 0, 0, false
	}
	length, err := strconv.ParseUint(lenStr, 16, 24)
	if err != nil {
		return 0, 0, false
	}
	return uint32(addr), int(length), true
}

func (s *Server) handleReadMemory(conn net.Conn, arg string) error {
	addr, length, ok := parseAddrLen(arg)
	if !ok {
		return s.reply(conn, errInvalidArgs)
	}

	data, err := s.eng.ReadMemory(addr, length)
	if err != nil {
		return s.engineReply(conn, err)
	}
	return s.reply(conn, hex.EncodeToString(data))
}

func (s *Server) handleWriteMemory(conn net.Conn, arg []byte, isBinary bool) error {
	loc, payload, found := bytes.Cut(arg, []byte{':'})
	if !found {
		return s.reply(conn, errInvalidArgs)
	}
	addr, length, ok := parseAddrLen(string(loc))
	if !ok {
		return s.reply(conn, errInvalidArgs)
	}

	data := payload
	if !isBinary {
		var err error
		data, err = hex.DecodeString(string(payload))
		if err != nil {
			return s.reply(conn, errInvalidArgs)
		}
	}
	if len(data) != length {
		return s.reply(conn, errInvalidArgs)
	}

	// GDB probes X support with a zero-length write
	if length == 0 {
		return s.reply(conn, "OK")
	}

	if err := s.eng.WriteMemory(addr, data); err != nil {
		return s.engineReply(conn, err)
	}
	return s.reply(conn, "OK")
}

func (s *Server) handleContinue(conn net.Conn, arg string) error {
	if arg != "" {
		addr, err := strconv.ParseUint(arg, 16, 32)
		if err != nil {
			return s.reply(conn, errInvalidArgs)
		}
		if err := s.eng.WritePC(uint32(addr)); err != nil {
			return s.engineReply(conn, err)
		}
	}

	if err := s.eng.Resume(); err != nil {
		return s.engineReply(conn, err)
	}
	return s.waitForStop(conn)
}

func (s *Server) handleStep(conn net.Conn, arg string) error {
	if arg != "" {
		addr, err := strconv.ParseUint(arg, 16, 32)
		if err != nil {
			return s.reply(conn, errInvalidArgs)
		}
		if err := s.eng.WritePC(uint32(addr)); err != nil {
			return s.engineReply(conn, err)
		}
	}

	cause, err := s.eng.Step()
	if err != nil {
		return s.engineReply(conn, err)
	}
	return s.sendStopReply(conn, signalFor(cause))
}

// waitForStop polls for a halt while keeping the client socket observable, so
// an interrupt byte breaks the wait. This is the only place the server does
// not know how long the target will run.
func (s *Server) waitForStop(conn net.Conn) error {
	start := time.Now()

	for {
		halted, cause, err := s.eng.PollHalted()
		if err != nil {
			return s.engineReply(conn, err)
		}
		if halted {
			return s.sendStopReply(conn, signalFor(cause))
		}

		if s.cfg.HaltWatchdog > 0 && time.Since(start) > s.cfg.HaltWatchdog {
			s.log.Warn("halt watchdog expired, stopping target")
			cause, err := s.eng.Halt()
			if err != nil {
				return s.engineReply(conn, err)
			}
			return s.sendStopReply(conn, signalFor(cause))
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		var b [1]byte
		n, err := conn.Read(b[:])
		conn.SetReadDeadline(time.Time{})

		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			// Client went away mid-run; leave the target running.
			return nil
		}
		if n == 1 && b[0] == interruptByte {
			conn.Write([]byte{'+'})
			return s.interrupt(conn)
		}
	}
}

func (s *Server) sendStopReply(conn net.Conn, sig byte) error {
	s.lastSig = sig

	// Include the PC so GDB skips the follow-up register fetch.
	pc, err := s.eng.ReadPC()
	if err != nil {
		return s.reply(conn, fmt.Sprintf("S%02x", sig))
	}
	return s.reply(conn, fmt.Sprintf("T%02x%02x:%s;", sig, regNumPC, hexLE32(pc)))
}

func (s *Server) handleSetBreakpoint(conn net.Conn, arg string) error {
	addrStr, _, _ := strings.Cut(arg, ",")
	addr, err := strconv.ParseUint(addrStr, 16, 32)
	if err != nil {
		return s.reply(conn, errInvalidArgs)
	}

	// setting the same breakpoint twice is a no-op
	for _, a := range s.bps {
		if a == int64(addr) {
			return s.reply(conn, "OK")
		}
	}

	slot := -1
	for i, a := range s.bps {
		if a < 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		return s.reply(conn, errNoFreeSlot)
	}

	if err := s.eng.SetBreakpoint(slot, uint32(addr)); err != nil {
		return s.engineReply(conn, err)
	}
	s.bps[slot] = int64(addr)
	s.log.Infof("breakpoint %d set at 0x%05x", slot, addr)
	return s.reply(conn, "OK")
}

func (s *Server) handleClearBreakpoint(conn net.Conn, arg string) error {
	addrStr, _, _ := strings.Cut(arg, ",")
	addr, err := strconv.ParseUint(addrStr, 16, 32)
	if err != nil {
		return s.reply(conn, errInvalidArgs)
	}

	for i, a := range s.bps {
		if a == int64(addr) {
			if err := s.eng.ClearBreakpoint(i); err != nil {
				return s.engineReply(conn, err)
			}
			s.bps[i] = -1
			s.log.Infof("breakpoint %d cleared", i)
			return s.reply(conn, "OK")
		}
	}
	return s.reply(conn, errNoSuchBP)
}

func (s *Server) handleRestart(conn net.Conn, sendReply bool) error {
	if err := s.eng.Reset(); err != nil {
		if !sendReply {
			return nil
		}
		return s.engineReply(conn, err)
	}

	if _, err := s.eng.Halt(); err != nil {
		if !sendReply {
			return nil
		}
		return s.engineReply(conn, err)
	}

	if !sendReply {
		s.lastSig = sigHup
		return nil
	}
	return s.sendStopReply(conn, sigHup)
}

func (s *Server) handleMonitor(conn net.Conn, hexCmd string) error {
	raw, err := hex.DecodeString(hexCmd)
	if err != nil {
		return s.reply(conn, errInvalidArgs)
	}
	cmd := string(raw)
	s.log.Infof("monitor command: %q", cmd)

	text := func(msg string) error {
		return s.reply(conn, hex.EncodeToString([]byte(msg+"\n")))
	}

	switch cmd {
	case "dump ocd":
		dump, err := s.eng.DumpOCD()
		if err != nil {
			return s.engineReply(conn, err)
		}
		return s.reply(conn, hex.EncodeToString([]byte(dump)))

	case "reset":
		if err := s.eng.Reset(); err != nil {
			return s.engineReply(conn, err)
		}
		if _, err := s.eng.Halt(); err != nil {
			return s.engineReply(conn, err)
		}
		return s.reply(conn, "OK")

	case "inttrap on":
		if err := s.eng.EnableTraps(ocd.TrapInt); err != nil {
			return s.engineReply(conn, err)
		}
		return text("interrupt trap enabled")

	case "inttrap off":
		if err := s.eng.DisableTraps(ocd.TrapInt); err != nil {
			return s.engineReply(conn, err)
		}
		return text("interrupt trap disabled")

	case "jmptrap on":
		if err := s.eng.EnableTraps(ocd.TrapJmp); err != nil {
			return s.engineReply(conn, err)
		}
		return text("call/jmp trap enabled")

	case "jmptrap off":
		if err := s.eng.DisableTraps(ocd.TrapJmp); err != nil {
			return s.engineReply(conn, err)
		}
		return text("call/jmp trap disabled")
	}
	return s.reply(conn, "")
}

// engineReply converts an engine error into a protocol-legal reply, or
// returns it when the session itself is beyond saving. A desync gets one
// resynchronization attempt so the client can simply retry the command.
func (s *Server) engineReply(conn net.Conn, err error) error {
	if fatal(err) {
		return err
	}

	if errors.Is(err, updi.ErrDesync) {
		s.log.Warnf("protocol desync: %v", err)
		if rerr := s.eng.Recover(); rerr != nil {
			s.log.Errorf("resynchronization failed: %v", rerr)
			return rerr
		}
		return s.reply(conn, errGeneral)
	}

	s.log.Warnf("command failed: %v", err)
	return s.reply(conn, errorReply(err))
}

func fatal(err error) bool {
	return errors.Is(err, updi.ErrTimeout)
}

func errorReply(err error) string {
	var invalidAddr *ocd.InvalidAddressError
	var stepFault *ocd.StepFaultError

	switch {
	case errors.As(err, &invalidAddr):
		return errBadAddress
	case errors.Is(err, ocd.ErrNotSupported):
		return errReadOnly
	case errors.As(err, &stepFault):
		return errStepFault
	case errors.Is(err, ocd.ErrTargetUnresponsive):
		return errUnresponsive
	case errors.Is(err, ocd.ErrDetached), errors.Is(err, ocd.ErrNotHalted):
		return errSessionLost
	}
	return errGeneral
}

func signalFor(cause ocd.HaltCause) byte {
	switch cause {
	case ocd.CauseReset:
		return sigHup
	case ocd.CauseExternal:
		return sigInt
	}
	return sigTrap
}

func hexLE32(v uint32) string {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], v)
	return hex.EncodeToString(le[:])
}
