package rsp

import (
	"encoding/binary"
	"fmt"
)

// GDB register numbering for AVR targets.
const (
	regNumSREG = 32
	regNumSP   = 33
	regNumPC   = 34

	// length of the g/G register blob: r0..r31, SREG, 16-bit SP, 32-bit PC
	regBlobLen = 39
)

// AVRRegisters is the register snapshot exchanged with GDB. PC carries the
// architectural byte address.
type AVRRegisters struct {
	Regs [32]uint8
	SREG uint8
	SP   uint16
	PC   uint32
}

func (a AVRRegisters) Encode() []byte {
	data := make([]byte, regBlobLen)

	copy(data[:32], a.Regs[:])
	data[32] = a.SREG
	binary.LittleEndian.PutUint16(data[33:35], a.SP)
	binary.LittleEndian.PutUint32(data[35:39], a.PC)

	return data
}

func (a *AVRRegisters) Decode(data []byte) error {
	if len(data) != regBlobLen {
		return fmt.Errorf("rsp: invalid AVR register data length: %d", len(data))
	}

	copy(a.Regs[:], data[:32])
	a.SREG = data[32]
	a.SP = binary.LittleEndian.Uint16(data[33:35])
	a.PC = binary.LittleEndian.Uint32(data[35:39])

	return nil
}

func (a AVRRegisters) String() string {
	return fmt.Sprintf("r0-r31: % x SREG: %02x SP: %04x PC: %08x",
		a.Regs[:], a.SREG, a.SP, a.PC)
}
