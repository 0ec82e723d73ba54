package ocd

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/avrfoundry/updidbg/device"
	"github.com/avrfoundry/updidbg/updi"
)

// fakeBus emulates the target side of the UPDI link: the ASI registers, the
// OCD register block and a flat data space. onRun models what the CPU does
// when the RUN bit is written.
type fakeBus struct {
	csr     [16]uint8
	mem     map[uint32]uint8
	stopped bool

	onRun      func(f *fakeBus)
	ignoreStop bool
	failAll    error
}

func newFakeBus() *fakeBus {
	return &fakeBus{mem: make(map[uint32]uint8)}
}

func (f *fakeBus) rd(addr uint32) uint8    { return f.mem[addr] }
func (f *fakeBus) wr(addr uint32, v uint8) { f.mem[addr] = v }
func (f *fakeBus) rdWord(addr uint32) uint16 {
	return uint16(f.mem[addr]) | uint16(f.mem[addr+1])<<8
}
func (f *fakeBus) wrWord(addr uint32, v uint16) {
	f.mem[addr] = uint8(v)
	f.mem[addr+1] = uint8(v >> 8)
}

// stop halts the fake CPU with the given cause bits.
func (f *fakeBus) stop(cause Traps) {
	f.stopped = true
	f.wrWord(regCause, uint16(cause|causeStopped))
}

func (f *fakeBus) Connect() (uint8, error) { return 3, f.failAll }
func (f *fakeBus) Resync() (uint8, error)  { return 0, f.failAll }
func (f *fakeBus) EnterDebugMode() error   { return f.failAll }
func (f *fakeBus) Disconnect() error       { return nil }

func (f *fakeBus) Ldcs(addr uint8) (uint8, error) {
	if f.failAll != nil {
		return 0, f.failAll
	}
	if addr == updi.CSOCDStatus {
		if f.stopped {
			return asiOCDStopped, nil
		}
		return 0, nil
	}
	return f.csr[addr], nil
}

func (f *fakeBus) Stcs(addr, value uint8) error {
	if f.failAll != nil {
		return f.failAll
	}
	f.csr[addr] = value

	switch addr {
	case updi.CSOCDCtrlA:
		if value&asiOCDStop != 0 && !f.ignoreStop {
			f.stop(0)
		}
		if value&asiOCDRun != 0 {
			f.stopped = false
			if f.onRun != nil {
				f.onRun(f)
			}
		}
	case updi.CSResetReq:
		if value == updi.ResetReqSignature {
			f.csr[updi.CSSysStatus] |= updi.SysStatusInReset
		} else {
			f.csr[updi.CSSysStatus] &^= updi.SysStatusInReset
		}
	}
	return nil
}

func (f *fakeBus) Ld(addr uint32, w updi.Width) (uint16, error) {
	if f.failAll != nil {
		return 0, f.failAll
	}
	if w == updi.WidthByte {
		return uint16(f.rd(addr)), nil
	}
	return f.rdWord(addr), nil
}

func (f *fakeBus) St(addr uint32, value uint16, w updi.Width) error {
	if f.failAll != nil {
		return f.failAll
	}
	if w == updi.WidthByte {
		f.wr(addr, uint8(value))
	} else {
		f.wrWord(addr, value)
	}
	return nil
}

func (f *fakeBus) LdBlock(addr uint32, n int) ([]byte, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = f.rd(addr + uint32(i))
	}
	return out, nil
}

func (f *fakeBus) StBlock(addr uint32, data []byte) error {
	if f.failAll != nil {
		return f.failAll
	}
	for i, b := range data {
		f.wr(addr+uint32(i), b)
	}
	return nil
}

// bp reads back a 3-byte breakpoint address register.
func (f *fakeBus) bp(reg uint32) uint32 {
	return uint32(f.rdWord(reg)) | uint32(f.rd(reg+2))<<16
}

// stepRun models single-instruction execution: the stored word address
// advances by one 2-byte instruction and the CPU stops with the shared
// BP0/step cause bit.
func stepRun(f *fakeBus) {
	if Traps(f.rdWord(regTrapEn))&TrapStep == 0 {
		return
	}
	f.wrWord(regPC, f.rdWord(regPC)+2)
	f.stop(TrapBP0)
}

// breakpointRun models free-running execution that halts at the
// lowest-addressed enabled hardware breakpoint.
func breakpointRun(f *fakeBus) {
	trapen := Traps(f.rdWord(regTrapEn))
	if trapen&TrapHWBP == 0 {
		return
	}

	bp0, en0 := f.bp(regBP0A), trapen&TrapBP0 != 0
	bp1, en1 := f.bp(regBP1A), trapen&TrapBP1 != 0

	switch {
	case en0 && (!en1 || bp0 <= bp1):
		f.wrWord(regPC, uint16(bp0/2+1))
		f.stop(TrapBP0)
	case en1:
		f.wrWord(regPC, uint16(bp1/2+1))
		f.stop(TrapBP1)
	}
}

var testDev = &device.Descriptor{
	Name:        "avr16ea48",
	FlashSize:   0x4000,
	FlashOffset: 0x800000,
}

func testConfig() Config {
	return Config{HaltTimeout: 100 * time.Millisecond, PollInterval: time.Millisecond}
}

// haltedEngine attaches to a fake bus and leaves the CPU halted.
func haltedEngine(t *testing.T, f *fakeBus) *Engine {
	t.Helper()

	e := NewEngine(f, testDev, testConfig(), nil)
	if err := e.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := e.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	return e
}

func TestPCReadSubtractsHardwareOffset(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	f.wrWord(regPC, 0x35) // hardware word address, off by +1

	pc, err := e.ReadPC()
	if err != nil {
		t.Fatalf("ReadPC: %v", err)
	}
	if pc != 0x68 {
		t.Errorf("ReadPC = 0x%04x, want 0x68", pc)
	}
}

func TestPCWriteIsAsymmetric(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	// The write path must NOT mirror the read path: storing dest/2+1 would
	// make the resumed CPU skip the instruction at dest.
	if err := e.WritePC(0x68); err != nil {
		t.Fatalf("WritePC: %v", err)
	}
	if got := f.rdWord(regPC); got != 0x34 {
		t.Errorf("stored PC = 0x%04x, want 0x34", got)
	}
}

func TestPCWriteRejectsBadAddresses(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	var invalid *InvalidAddressError
	if err := e.WritePC(0x69); !errors.As(err, &invalid) {
		t.Errorf("odd address: err = %v, want InvalidAddressError", err)
	}
	if err := e.WritePC(testDev.FlashSize); !errors.As(err, &invalid) {
		t.Errorf("beyond flash: err = %v, want InvalidAddressError", err)
	}
}

func TestStepAdvancesOneInstruction(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	f.wrWord(regPC, 0x35) // halted at architectural PC 0x68
	f.onRun = stepRun

	cause, err := e.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if cause != CauseSingleStep {
		t.Errorf("cause = %v, want single-step", cause)
	}

	pc, err := e.ReadPC()
	if err != nil {
		t.Fatalf("ReadPC: %v", err)
	}
	if pc != 0x6A {
		t.Errorf("PC after step = 0x%04x, want 0x6a", pc)
	}

	if Traps(f.rdWord(regTrapEn))&TrapStep != 0 {
		t.Error("step trap left armed after step")
	}
}

func TestStepCoincidentWithBreakpointReportsBreakpoint(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	if err := e.SetBreakpoint(0, 0x6A); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	f.wrWord(regPC, 0x35)
	f.onRun = stepRun

	cause, err := e.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if cause != CauseBreakpoint0 {
		t.Errorf("cause = %v, want breakpoint0 (breakpoint wins the shared bit)", cause)
	}
}

func TestStepFaultWhenTargetDoesNotStop(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)
	f.wrWord(regPC, 0x35)
	f.onRun = nil // RUN starts the CPU and nothing ever stops it

	_, err := e.Step()
	var fault *StepFaultError
	if !errors.As(err, &fault) {
		t.Fatalf("Step error = %v, want StepFaultError", err)
	}
	if e.State() != Halted {
		t.Errorf("state = %v, want Halted (engine must not guess)", e.State())
	}
}

func TestStepFaultOnUnexpectedCause(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)
	f.wrWord(regPC, 0x35)
	f.onRun = func(f *fakeBus) { f.stop(TrapInt) }

	_, err := e.Step()
	var fault *StepFaultError
	if !errors.As(err, &fault) {
		t.Fatalf("Step error = %v, want StepFaultError", err)
	}
	if fault.Cause != CauseInterrupt {
		t.Errorf("fault cause = %v, want interrupt", fault.Cause)
	}
}

func TestBreakpointGlobalEnableInvariant(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	trapen := func() Traps { return Traps(f.rdWord(regTrapEn)) }

	if err := e.SetBreakpoint(0, 0x100); err != nil {
		t.Fatalf("SetBreakpoint 0: %v", err)
	}
	if tr := trapen(); tr&TrapBP0 == 0 || tr&TrapHWBP == 0 {
		t.Errorf("TRAPEN = 0x%04x, want BP0 and HWBP set", uint16(tr))
	}
	if got := f.bp(regBP0A); got != 0x100 {
		t.Errorf("BP0A = 0x%05x, want 0x100", got)
	}

	if err := e.SetBreakpoint(1, 0x200); err != nil {
		t.Fatalf("SetBreakpoint 1: %v", err)
	}
	if tr := trapen(); tr&TrapBP1 == 0 {
		t.Errorf("TRAPEN = 0x%04x, want BP1 set", uint16(tr))
	}

	if err := e.ClearBreakpoint(0); err != nil {
		t.Fatalf("ClearBreakpoint 0: %v", err)
	}
	if tr := trapen(); tr&TrapBP0 != 0 || tr&TrapHWBP == 0 {
		t.Errorf("TRAPEN = 0x%04x, want BP0 clear but HWBP still set", uint16(tr))
	}

	if err := e.ClearBreakpoint(1); err != nil {
		t.Fatalf("ClearBreakpoint 1: %v", err)
	}
	if tr := trapen(); tr&(TrapBP0|TrapBP1|TrapHWBP) != 0 {
		t.Errorf("TRAPEN = 0x%04x, want all breakpoint enables clear", uint16(tr))
	}
}

func TestBreakpointValidation(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	var invalid *InvalidAddressError
	if err := e.SetBreakpoint(0, 0x101); !errors.As(err, &invalid) {
		t.Errorf("odd address: err = %v, want InvalidAddressError", err)
	}
	if err := e.SetBreakpoint(0, testDev.FlashSize+2); !errors.As(err, &invalid) {
		t.Errorf("beyond flash: err = %v, want InvalidAddressError", err)
	}
	if err := e.SetBreakpoint(2, 0x100); err == nil {
		t.Error("slot 2 accepted, want error")
	}
}

func TestBreakpointHitIsDeterminate(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	// slot 0 is the farther breakpoint, slot 1 the nearer one
	if err := e.SetBreakpoint(0, 0x200); err != nil {
		t.Fatalf("SetBreakpoint 0: %v", err)
	}
	if err := e.SetBreakpoint(1, 0x100); err != nil {
		t.Fatalf("SetBreakpoint 1: %v", err)
	}

	f.onRun = breakpointRun
	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	halted, cause, err := e.PollHalted()
	if err != nil {
		t.Fatalf("PollHalted: %v", err)
	}
	if !halted {
		t.Fatal("target did not halt")
	}
	if cause != CauseBreakpoint1 {
		t.Errorf("cause = %v, want breakpoint1 (the nearer address)", cause)
	}

	pc, err := e.ReadPC()
	if err != nil {
		t.Fatalf("ReadPC: %v", err)
	}
	if pc != 0x100 {
		t.Errorf("PC = 0x%04x, want 0x100", pc)
	}
}

func TestBreakpointChangesBufferedWhileRunning(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := e.SetBreakpoint(0, 0x100); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	// nothing may touch the breakpoint registers while the CPU runs
	if got := f.bp(regBP0A); got != 0 {
		t.Errorf("BP0A = 0x%05x while running, want untouched 0", got)
	}

	f.stop(0)
	halted, _, err := e.PollHalted()
	if err != nil || !halted {
		t.Fatalf("PollHalted = %v, %v", halted, err)
	}

	if got := f.bp(regBP0A); got != 0x100 {
		t.Errorf("BP0A = 0x%05x after halt, want flushed 0x100", got)
	}
	if Traps(f.rdWord(regTrapEn))&(TrapBP0|TrapHWBP) != TrapBP0|TrapHWBP {
		t.Error("breakpoint enables not flushed on halt")
	}
}

func TestUnknownTrapBitsPreserved(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	const unknown = 0x0410
	f.wrWord(regTrapEn, f.rdWord(regTrapEn)|unknown)

	if err := e.SetBreakpoint(0, 0x100); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if got := f.rdWord(regTrapEn) & unknown; got != unknown {
		t.Errorf("unknown TRAPEN bits clobbered: 0x%04x", got)
	}

	if err := e.ClearBreakpoint(0); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	if got := f.rdWord(regTrapEn) & unknown; got != unknown {
		t.Errorf("unknown TRAPEN bits clobbered on clear: 0x%04x", got)
	}
}

func TestHaltTimeout(t *testing.T) {
	f := newFakeBus()
	e := NewEngine(f, testDev, Config{HaltTimeout: 10 * time.Millisecond, PollInterval: time.Millisecond}, nil)
	if err := e.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	f.ignoreStop = true
	if _, err := e.Halt(); !errors.Is(err, ErrTargetUnresponsive) {
		t.Fatalf("Halt error = %v, want ErrTargetUnresponsive", err)
	}
}

func TestRegisterFileAccess(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	var want [32]byte
	for i := range want {
		want[i] = byte(i)
		f.wr(regR0+uint32(i), byte(i))
	}

	got, err := e.ReadRegisterFile()
	if err != nil {
		t.Fatalf("ReadRegisterFile: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("register file mismatch (-want +got):\n%s", diff)
	}

	if err := e.WriteRegister(5, 0xAA); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	if f.rd(regR0+5) != 0xAA {
		t.Error("r5 not written")
	}

	if err := e.WriteSP(0x3FFD); err != nil {
		t.Fatalf("WriteSP: %v", err)
	}
	sp, err := e.ReadSP()
	if err != nil || sp != 0x3FFD {
		t.Errorf("SP = 0x%04x, %v, want 0x3ffd", sp, err)
	}

	if err := e.WriteSREG(0x82); err != nil {
		t.Fatalf("WriteSREG: %v", err)
	}
	sreg, err := e.ReadSREG()
	if err != nil || sreg != 0x82 {
		t.Errorf("SREG = 0x%02x, %v, want 0x82", sreg, err)
	}
}

func TestMemoryDispatch(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	// flash reads go through the device's UPDI flash window
	f.wr(testDev.FlashOffset+0x10, 0xDE)
	f.wr(testDev.FlashOffset+0x11, 0xAD)
	data, err := e.ReadMemory(0x10, 2)
	if err != nil {
		t.Fatalf("flash read: %v", err)
	}
	if diff := cmp.Diff([]byte{0xDE, 0xAD}, data); diff != "" {
		t.Errorf("flash data mismatch (-want +got):\n%s", diff)
	}

	// data space is offset by GDB's 0x800000 segment
	if err := e.WriteMemory(0x803E00, []byte{0x42}); err != nil {
		t.Fatalf("data write: %v", err)
	}
	if f.rd(0x3E00) != 0x42 {
		t.Error("data byte not written at SRAM address")
	}
	data, err = e.ReadMemory(0x803E00, 1)
	if err != nil || data[0] != 0x42 {
		t.Errorf("data read = % x, %v, want 42", data, err)
	}

	// flash is read-only through this engine
	if err := e.WriteMemory(0x10, []byte{0x00}); !errors.Is(err, ErrNotSupported) {
		t.Errorf("flash write error = %v, want ErrNotSupported", err)
	}

	// unbacked addresses are rejected outright
	var invalid *InvalidAddressError
	if _, err := e.ReadMemory(0x500000, 1); !errors.As(err, &invalid) {
		t.Errorf("unbacked read error = %v, want InvalidAddressError", err)
	}
	if _, err := e.ReadMemory(testDev.FlashSize-1, 4); !errors.As(err, &invalid) {
		t.Errorf("read past flash end error = %v, want InvalidAddressError", err)
	}

	// a range whose 32-bit end wraps must not slip past the bounds checks
	if _, err := e.ReadMemory(0xFFFFFF00, 0x110); !errors.As(err, &invalid) {
		t.Errorf("wrapping read error = %v, want InvalidAddressError", err)
	}
	if err := e.WriteMemory(0xFFFFFF00, make([]byte, 0x110)); !errors.As(err, &invalid) {
		t.Errorf("wrapping write error = %v, want InvalidAddressError", err)
	}
	if _, err := e.ReadMemory(dataSpaceEnd-1, 0x200); !errors.As(err, &invalid) {
		t.Errorf("read past data space end error = %v, want InvalidAddressError", err)
	}
}

func TestDumpOCD(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	f.wr(regR0, 0xAB)
	dump, err := e.DumpOCD()
	if err != nil {
		t.Fatalf("DumpOCD: %v", err)
	}
	if !strings.Contains(dump, "0fa0: ab") {
		t.Errorf("dump missing register file row:\n%s", dump)
	}
	if lines := strings.Count(dump, "\n"); lines != 8 {
		t.Errorf("dump has %d rows, want 8", lines)
	}
}

func TestResetWaitsForSysStatus(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if e.LastCause() != CauseReset {
		t.Errorf("last cause = %v, want reset", e.LastCause())
	}
	if e.State() != Running {
		t.Errorf("state = %v, want Running", e.State())
	}
}

func TestMarkLostFailsFast(t *testing.T) {
	f := newFakeBus()
	e := haltedEngine(t, f)

	e.MarkLost()
	if _, err := e.Halt(); !errors.Is(err, ErrDetached) {
		t.Errorf("Halt after loss = %v, want ErrDetached", err)
	}
	if err := e.Resume(); !errors.Is(err, ErrDetached) {
		t.Errorf("Resume after loss = %v, want ErrDetached", err)
	}
	if err := e.Recover(); !errors.Is(err, ErrDetached) {
		t.Errorf("Recover after loss = %v, want ErrDetached", err)
	}
}
