// Package ocd drives the on-chip debug facility of UPDI-based AVR devices:
// the halt/resume state machine, hardware breakpoints, single-step emulation
// and register-file access, including the program-counter quirks the hardware
// imposes.
package ocd

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/avrfoundry/updidbg/device"
	"github.com/avrfoundry/updidbg/updi"
)

// Bus is the UPDI transaction surface the engine runs on. *updi.Client
// implements it; tests substitute a scripted fake.
type Bus interface {
	Connect() (uint8, error)
	Resync() (uint8, error)
	EnterDebugMode() error
	Disconnect() error

	Ldcs(addr uint8) (uint8, error)
	Stcs(addr, value uint8) error
	Ld(addr uint32, w updi.Width) (uint16, error)
	St(addr uint32, value uint16, w updi.Width) error
	LdBlock(addr uint32, n int) ([]byte, error)
	StBlock(addr uint32, data []byte) error
}

// State tracks the attach/halt state machine.
type State int

const (
	Detached State = iota
	Running
	Halted
)

// GDB's flat AVR address space: code below 0x200000, data space mapped at
// 0x800000.
const (
	flashSpaceEnd = 0x200000
	dataSpaceBase = 0x800000
	dataSpaceEnd  = 0x810000
)

// Config bounds the engine's polling loops.
type Config struct {
	HaltTimeout  time.Duration
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.HaltTimeout <= 0 {
		c.HaltTimeout = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
}

type bpSlot struct {
	addr    uint32
	enabled bool
}

// Engine owns one debug session against one target. Not safe for concurrent
// use; the single session loop is the only caller.
type Engine struct {
	bus Bus
	dev *device.Descriptor
	cfg Config
	log *logrus.Entry

	state     State
	slots     [2]bpSlot
	bpDirty   bool
	stepping  bool
	lastCause HaltCause
}

// NewEngine wires an engine to a transport and a target descriptor.
func NewEngine(bus Bus, dev *device.Descriptor, cfg Config, log *logrus.Entry) *Engine {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Engine{
		bus: bus,
		dev: dev,
		cfg: cfg,
		log: log,
	}
}

// State returns the current attach/halt state.
func (e *Engine) State() State { return e.state }

// MarkLost records a fatal transport failure without touching the dead line.
// Every later operation fails fast with ErrDetached.
func (e *Engine) MarkLost() { e.state = Detached }

// LastCause returns the cause observed at the most recent halt.
func (e *Engine) LastCause() HaltCause { return e.lastCause }

// Attach connects the UPDI link, unlocks the debugger and arms the base trap
// set. The UPDI interface may already be active from a previous session, in
// which case the handshake fails and a resync recovers the link.
func (e *Engine) Attach() error {
	if _, err := e.bus.Connect(); err != nil {
		if _, rerr := e.bus.Resync(); rerr != nil {
			return err
		}
	}

	if err := e.bus.EnterDebugMode(); err != nil {
		return err
	}

	// SWBP stays armed for the whole session so a future software-breakpoint
	// feature and the BREAK instruction are observable.
	if err := e.EnableTraps(TrapSWBP); err != nil {
		return err
	}

	e.state = Running
	e.log.Info("attached")
	return nil
}

// Recover resynchronizes the UPDI link after a protocol desync. The target is
// not reset, so the halt state and the debug unlock survive; re-entering
// debug mode is a no-op when the key is still active.
func (e *Engine) Recover() error {
	if e.state == Detached {
		return ErrDetached
	}
	if _, err := e.bus.Resync(); err != nil {
		return err
	}
	return e.bus.EnterDebugMode()
}

// Detach tears the UPDI session down. Breakpoint state on the target is left
// as-is; a new session reprograms it.
func (e *Engine) Detach() error {
	e.state = Detached
	return e.bus.Disconnect()
}

// Halt stops the CPU and classifies why it is stopped. Buffered breakpoint
// table changes are flushed once the CPU is confirmed halted.
func (e *Engine) Halt() (HaltCause, error) {
	if e.state == Detached {
		return 0, ErrDetached
	}

	if err := e.bus.Stcs(updi.CSOCDCtrlA, asiOCDStop); err != nil {
		return 0, err
	}
	if err := e.waitStopped(e.cfg.HaltTimeout); err != nil {
		return 0, err
	}
	return e.observeHalt()
}

// Resume lets the CPU run. It does not wait for anything: the next
// observation happens via Halt or PollHalted.
func (e *Engine) Resume() error {
	if e.state == Detached {
		return ErrDetached
	}

	if e.bpDirty {
		if err := e.flushBreakpoints(); err != nil {
			return err
		}
	}

	if err := e.bus.Stcs(updi.CSOCDCtrlA, asiOCDRun); err != nil {
		return err
	}
	e.state = Running
	return nil
}

// PollHalted makes a single stopped-state observation for the server's wait
// loop. When the CPU turns out to be halted the cause is classified and
// breakpoint changes buffered while running are flushed.
func (e *Engine) PollHalted() (bool, HaltCause, error) {
	if e.state == Detached {
		return false, 0, ErrDetached
	}

	status, err := e.bus.Ldcs(updi.CSOCDStatus)
	if err != nil {
		return false, 0, err
	}
	if status&asiOCDStopped == 0 {
		return false, 0, nil
	}

	cause, err := e.observeHalt()
	return err == nil, cause, err
}

func (e *Engine) waitStopped(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := e.bus.Ldcs(updi.CSOCDStatus)
		if err != nil {
			return err
		}
		if status&asiOCDStopped != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTargetUnresponsive
		}
		time.Sleep(e.cfg.PollInterval)
	}
}

// observeHalt reads CAUSE fresh (never cached across a resume), classifies
// it, and settles buffered breakpoint changes.
func (e *Engine) observeHalt() (HaltCause, error) {
	raw, err := e.bus.Ld(regCause, updi.WidthWord)
	if err != nil {
		return 0, err
	}

	cause := classifyCause(Traps(raw), e.stepping, e.slots[0].enabled)
	e.state = Halted
	e.lastCause = cause
	e.log.Debugf("halted, cause %v (CAUSE=0x%04x)", cause, raw)

	if e.bpDirty {
		if err := e.flushBreakpoints(); err != nil {
			return cause, err
		}
	}
	return cause, nil
}

// ReadPC returns the architectural byte address of the next instruction. The
// hardware stores the word address plus one.
func (e *Engine) ReadPC() (uint32, error) {
	stored, err := e.bus.Ld(regPC, updi.WidthWord)
	if err != nil {
		return 0, err
	}
	if stored == 0 {
		return 0, nil
	}
	return (uint32(stored) - 1) * 2, nil
}

// WritePC sets the PC so that execution resumes at the given architectural
// byte address. The stored value is the destination word address without the
// +1 the read path removes: resuming always executes the instruction after
// the stored word address, so storing the destination itself would skip it.
func (e *Engine) WritePC(arch uint32) error {
	if arch&1 != 0 {
		return &InvalidAddressError{Addr: arch, Reason: "PC must be word aligned"}
	}
	if arch >= e.dev.FlashSize {
		return &InvalidAddressError{Addr: arch, Reason: "beyond end of flash"}
	}
	return e.bus.St(regPC, uint16(arch/2), updi.WidthWord)
}

// Step executes exactly one instruction and reports the resulting halt cause.
// The hardware has no direct step: the engine rewrites the PC with the
// current address (turning the skip-current behaviour into execute-current),
// arms the step trap, resumes and waits for the stop.
func (e *Engine) Step() (HaltCause, error) {
	if e.state == Detached {
		return 0, ErrDetached
	}
	if e.state != Halted {
		return 0, ErrNotHalted
	}

	pc, err := e.ReadPC()
	if err != nil {
		return 0, err
	}
	if err := e.WritePC(pc); err != nil {
		return 0, err
	}

	if err := e.modifyTraps(TrapStep, 0); err != nil {
		return 0, err
	}
	e.stepping = true

	defer func() {
		e.stepping = false
		if err := e.modifyTraps(0, TrapStep); err != nil {
			e.log.Warnf("could not clear step trap: %v", err)
		}
	}()

	if err := e.Resume(); err != nil {
		return 0, err
	}

	if err := e.waitStopped(e.cfg.HaltTimeout); err != nil {
		// Force the CPU back to a known halted state before reporting.
		e.bus.Stcs(updi.CSOCDCtrlA, asiOCDStop)
		e.waitStopped(e.cfg.HaltTimeout)
		e.state = Halted
		return 0, &StepFaultError{Cause: e.lastCause}
	}

	cause, err := e.observeHalt()
	if err != nil {
		return 0, err
	}

	// A breakpoint coinciding with the step is reported as the breakpoint.
	if cause.IsBreakpoint() || cause == CauseSingleStep {
		return cause, nil
	}
	return cause, &StepFaultError{Cause: cause}
}

// SetBreakpoint programs a hardware breakpoint slot. Changes issued while the
// target runs are buffered and applied on the next halt observation.
func (e *Engine) SetBreakpoint(slot int, arch uint32) error {
	if slot < 0 || slot >= len(e.slots) {
		return errors.Errorf("ocd: no breakpoint slot %d", slot)
	}
	if arch&1 != 0 {
		return &InvalidAddressError{Addr: arch, Reason: "breakpoint must be word aligned"}
	}
	if arch >= e.dev.FlashSize {
		return &InvalidAddressError{Addr: arch, Reason: "beyond end of flash"}
	}

	e.slots[slot] = bpSlot{addr: arch, enabled: true}
	return e.settleBreakpoints()
}

// ClearBreakpoint disables a slot. The global hardware breakpoint enable is
// dropped once both slots are off.
func (e *Engine) ClearBreakpoint(slot int) error {
	if slot < 0 || slot >= len(e.slots) {
		return errors.Errorf("ocd: no breakpoint slot %d", slot)
	}

	e.slots[slot] = bpSlot{}
	return e.settleBreakpoints()
}

func (e *Engine) settleBreakpoints() error {
	if e.state != Halted {
		e.bpDirty = true
		return nil
	}
	return e.flushBreakpoints()
}

func (e *Engine) flushBreakpoints() error {
	for i, reg := range []struct{ addr, top uint32 }{
		{regBP0A, regBP0AT},
		{regBP1A, regBP1AT},
	} {
		s := e.slots[i]
		if err := e.bus.St(reg.addr, uint16(s.addr), updi.WidthWord); err != nil {
			return err
		}
		if err := e.bus.St(reg.top, uint16(s.addr>>16), updi.WidthByte); err != nil {
			return err
		}
	}

	var set, clear Traps
	if e.slots[0].enabled {
		set |= TrapBP0
	} else {
		clear |= TrapBP0
	}
	if e.slots[1].enabled {
		set |= TrapBP1
	} else {
		clear |= TrapBP1
	}
	if e.slots[0].enabled || e.slots[1].enabled {
		set |= TrapHWBP
	} else {
		clear |= TrapHWBP
	}

	if err := e.modifyTraps(set, clear); err != nil {
		return err
	}
	e.bpDirty = false
	return nil
}

// modifyTraps is the only TRAPEN write path. Unknown bits are carried over
// verbatim: clobbering an undocumented control bit has bricked sessions
// before.
func (e *Engine) modifyTraps(set, clear Traps) error {
	raw, err := e.bus.Ld(regTrapEn, updi.WidthWord)
	if err != nil {
		return err
	}

	current := Traps(raw)
	if current&TrapPCHold != 0 {
		e.log.Warnf("TRAPEN bit 0 reads set (0x%04x); unconfirmed bit, leaving as-is", raw)
	}

	next := (current &^ clear) | set
	if next == current {
		return nil
	}
	return e.bus.St(regTrapEn, uint16(next), updi.WidthWord)
}

// EnableTraps sets trap enable bits, preserving everything else.
func (e *Engine) EnableTraps(mask Traps) error { return e.modifyTraps(mask, 0) }

// DisableTraps clears trap enable bits, preserving everything else.
func (e *Engine) DisableTraps(mask Traps) error { return e.modifyTraps(0, mask) }

// ReadRegisterFile fetches r0..r31 in one burst.
func (e *Engine) ReadRegisterFile() ([regFileLen]byte, error) {
	var regs [regFileLen]byte

	data, err := e.bus.LdBlock(regR0, regFileLen)
	if err != nil {
		return regs, err
	}
	copy(regs[:], data)
	return regs, nil
}

// WriteRegisterFile stores r0..r31 in one burst.
func (e *Engine) WriteRegisterFile(regs [regFileLen]byte) error {
	return e.bus.StBlock(regR0, regs[:])
}

// ReadRegister reads a single general-purpose register.
func (e *Engine) ReadRegister(idx int) (uint8, error) {
	if idx < 0 || idx >= regFileLen {
		return 0, errors.Errorf("ocd: no register r%d", idx)
	}
	v, err := e.bus.Ld(regR0+uint32(idx), updi.WidthByte)
	return uint8(v), err
}

// WriteRegister writes a single general-purpose register.
func (e *Engine) WriteRegister(idx int, value uint8) error {
	if idx < 0 || idx >= regFileLen {
		return errors.Errorf("ocd: no register r%d", idx)
	}
	return e.bus.St(regR0+uint32(idx), uint16(value), updi.WidthByte)
}

func (e *Engine) ReadSREG() (uint8, error) {
	v, err := e.bus.Ld(regSREG, updi.WidthByte)
	return uint8(v), err
}

func (e *Engine) WriteSREG(value uint8) error {
	return e.bus.St(regSREG, uint16(value), updi.WidthByte)
}

func (e *Engine) ReadSP() (uint16, error) {
	return e.bus.Ld(regSP, updi.WidthWord)
}

func (e *Engine) WriteSP(value uint16) error {
	return e.bus.St(regSP, value, updi.WidthWord)
}

// ReadMemory dispatches a GDB flat-address read: flash through the device's
// UPDI flash window, data space directly.
func (e *Engine) ReadMemory(addr uint32, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	// 64-bit end so large addresses cannot wrap past the range checks
	end := uint64(addr) + uint64(n)

	switch {
	case addr < flashSpaceEnd:
		if end > uint64(e.dev.FlashSize) {
			return nil, &InvalidAddressError{Addr: addr, Reason: "beyond end of flash"}
		}
		return e.bus.LdBlock(e.dev.FlashOffset+addr, n)

	case addr >= dataSpaceBase && end <= dataSpaceEnd:
		return e.bus.LdBlock(addr-dataSpaceBase, n)
	}
	return nil, &InvalidAddressError{Addr: addr, Reason: "no backing memory"}
}

// WriteMemory dispatches a GDB flat-address write. Flash is read-only here:
// NVM programming is out of this engine's scope.
func (e *Engine) WriteMemory(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := uint64(addr) + uint64(len(data))

	switch {
	case addr < flashSpaceEnd:
		return errors.Wrapf(ErrNotSupported, "flash write at 0x%06x", addr)

	case addr >= dataSpaceBase && end <= dataSpaceEnd:
		return e.bus.StBlock(addr-dataSpaceBase, data)
	}
	return &InvalidAddressError{Addr: addr, Reason: "no backing memory"}
}

// DumpOCD reads the raw OCD register block and formats it as a hex dump, one
// diagnostic line per eight bytes.
func (e *Engine) DumpOCD() (string, error) {
	if e.state == Detached {
		return "", ErrDetached
	}

	data, err := e.bus.LdBlock(ocdBase, regR0+regFileLen-ocdBase)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 0; i < len(data); i += 8 {
		fmt.Fprintf(&b, "%04x:", ocdBase+i)
		for _, v := range data[i : i+8] {
			fmt.Fprintf(&b, " %02x", v)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Reset requests a system reset and waits for the target to come out of it.
func (e *Engine) Reset() error {
	if e.state == Detached {
		return ErrDetached
	}

	if err := e.bus.Stcs(updi.CSResetReq, updi.ResetReqSignature); err != nil {
		return err
	}
	if err := e.bus.Stcs(updi.CSResetReq, updi.ResetReqRun); err != nil {
		return err
	}

	deadline := time.Now().Add(e.cfg.HaltTimeout)
	for {
		status, err := e.bus.Ldcs(updi.CSSysStatus)
		if err != nil {
			return err
		}
		if status&updi.SysStatusInReset == 0 {
			break
		}
		if time.Now().After(deadline) {
			return ErrTargetUnresponsive
		}
		time.Sleep(e.cfg.PollInterval)
	}

	e.state = Running
	e.lastCause = CauseReset
	return nil
}
