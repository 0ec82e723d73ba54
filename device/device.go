// Package device maps AVR part names to the memory-map parameters the debug
// stack needs. Descriptors are immutable: looked up once at session start and
// read-only thereafter.
package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Descriptor holds the per-part constants consumed by the OCD engine and the
// CLI. FlashOffset is where the flash window appears in UPDI data space.
type Descriptor struct {
	Name           string
	FlashSize      uint32
	FlashOffset    uint32
	SRAMBase       uint32
	SRAMSize       uint32
	SignatureAddr  uint32
	FlashPageSize  uint32
	EEPROMPageSize uint32
}

var (
	megaAVR = regexp.MustCompile(`^atmega(8|16|32|48)0(8|9)$`)
	tinyAVR = regexp.MustCompile(`^attiny(2|4|8|16|32)(0|1|2)(2|4|6|7)$`)
	dxExAVR = regexp.MustCompile(`^avr(16|32|64|128)(da|db|dd|du|ea|eb)(14|20|28|32|48|64)$`)
)

// Lookup resolves a part name like "avr16ea48" or "attiny1614" to its
// descriptor.
func Lookup(part string) (*Descriptor, error) {
	name := strings.ToLower(strings.TrimSpace(part))

	if m := megaAVR.FindStringSubmatch(name); m != nil {
		flashKB := atoi(m[1])
		sram := uint32(flashKB) * 128
		highDensity := flashKB >= 32
		return &Descriptor{
			Name:           name,
			FlashSize:      uint32(flashKB) * 1024,
			FlashOffset:    0x4000,
			SRAMBase:       0x4000 - sram,
			SRAMSize:       sram,
			SignatureAddr:  0x1100,
			FlashPageSize:  pageSize(highDensity),
			EEPROMPageSize: pageSize(highDensity) / 2,
		}, nil
	}

	if m := tinyAVR.FindStringSubmatch(name); m != nil {
		flashKB := atoi(m[1])
		sram := tinySRAM[flashKB]
		highDensity := flashKB >= 32
		return &Descriptor{
			Name:           name,
			FlashSize:      uint32(flashKB) * 1024,
			FlashOffset:    0x8000,
			SRAMBase:       0x4000 - sram,
			SRAMSize:       sram,
			SignatureAddr:  0x1100,
			FlashPageSize:  pageSize(highDensity),
			EEPROMPageSize: pageSize(highDensity) / 2,
		}, nil
	}

	if m := dxExAVR.FindStringSubmatch(name); m != nil {
		flashKB := atoi(m[1])
		family := m[2]
		sram := uint32(flashKB) * 128
		d := &Descriptor{
			Name:          name,
			FlashSize:     uint32(flashKB) * 1024,
			FlashOffset:   0x800000,
			SRAMBase:      0x8000 - sram,
			SRAMSize:      sram,
			SignatureAddr: 0x1100,
		}
		switch family {
		case "da", "db", "dd":
			d.FlashPageSize = 512
			d.EEPROMPageSize = 1
		case "du":
			d.FlashPageSize = 512
			d.EEPROMPageSize = 1
			d.SignatureAddr = 0x1080
		case "ea":
			d.FlashPageSize = 64
			if flashKB == 64 {
				d.FlashPageSize = 128
			}
			d.EEPROMPageSize = 8
		case "eb":
			d.FlashPageSize = 64
			d.EEPROMPageSize = 8
			d.SignatureAddr = 0x1080
		}
		return d, nil
	}

	return nil, fmt.Errorf("device: unknown or unsupported part %q", part)
}

// tinySRAM maps tinyAVR flash KB to SRAM bytes. The tinyAVR families are too
// irregular for a formula.
var tinySRAM = map[int]uint32{
	2:  128,
	4:  256,
	8:  512,
	16: 2048,
	32: 3072,
}

func pageSize(highDensity bool) uint32 {
	if highDensity {
		return 128
	}
	return 64
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
