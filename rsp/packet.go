// Package rsp implements the server side of the GDB Remote Serial Protocol:
// packet framing, command dispatch and stop-reply generation for one debugger
// connection at a time.
package rsp

import (
	"fmt"
	"strconv"
)

// Receive states of the inbound framing machine.
const (
	rxWaitStart = iota
	rxPayload
	rxSumHigh
	rxSumLow
)

// rxEvent is one framed unit pulled off the wire: either a verified payload
// or a checksum failure that must be answered with '-'.
type rxEvent struct {
	payload []byte
	ok      bool
}

// parser accumulates connection bytes into RSP packets. Bytes outside a
// frame ('+'/'-' acks, line noise) are skipped, except the interrupt byte
// 0x03 which is counted so the session loop can observe it.
type parser struct {
	state int
	pkt   []byte
	sum   [2]byte
}

func (p *parser) feed(data []byte) (events []rxEvent, interrupts int) {
	for _, m := range data {
		switch p.state {
		case rxWaitStart:
			if m == '$' {
				p.state = rxPayload
				p.pkt = p.pkt[:0]
			} else if m == 0x03 {
				interrupts++
			}
		case rxPayload:
			if m == '#' {
				p.state = rxSumHigh
			} else {
				p.pkt = append(p.pkt, m)
			}
		case rxSumHigh:
			p.sum[0] = m
			p.state = rxSumLow
		case rxSumLow:
			p.sum[1] = m
			p.state = rxWaitStart

			// Verify the checksum over the wire payload, escapes included.
			var local uint8
			for _, k := range p.pkt {
				local += uint8(k)
			}
			remote, err := strconv.ParseUint(string(p.sum[:]), 16, 8)
			if err != nil || local != uint8(remote) {
				events = append(events, rxEvent{ok: false})
				continue
			}

			// An inbound 'X' payload is binary: a raw '*' in it is data,
			// not run-length encoding.
			allowRLE := len(p.pkt) == 0 || p.pkt[0] != 'X'
			payload, err := decodePayload(p.pkt, allowRLE)
			if err != nil {
				events = append(events, rxEvent{ok: false})
				continue
			}
			events = append(events, rxEvent{payload: payload, ok: true})
		}
	}
	return events, interrupts
}

// decodePayload reverses the wire encoding in a single pass: 0x7d escapes the
// following byte XORed with 0x20, and (when allowRLE) a raw '*' expands the
// previous decoded byte as run-length encoding. The two must be handled
// together, because an escaped '*' is literal data.
func decodePayload(in []byte, allowRLE bool) ([]byte, error) {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		switch {
		case in[i] == 0x7d:
			if i+1 >= len(in) {
				return nil, fmt.Errorf("rsp: dangling escape in %q", in)
			}
			i++
			out = append(out, in[i]^0x20)

		case in[i] == '*' && allowRLE:
			if len(out) == 0 || i+1 >= len(in) {
				return nil, fmt.Errorf("rsp: invalid RLE encoding in %q", in)
			}
			i++
			rep := int(in[i]) - 29
			if rep < 0 {
				return nil, fmt.Errorf("rsp: invalid RLE count in %q", in)
			}
			v := out[len(out)-1]
			for j := 0; j < rep; j++ {
				out = append(out, v)
			}

		default:
			out = append(out, in[i])
		}
	}
	return out, nil
}

// escape applies the RSP byte escaping to everything that may not appear raw
// inside a frame sent by the stub.
func escape(in []byte) []byte {
	out := make([]byte, 0, len(in)*2)
	for _, m := range in {
		if m == '$' || m == '#' || m == '*' || m == 0x7d {
			out = append(out, 0x7d, m^0x20)
		} else {
			out = append(out, m)
		}
	}
	return out
}

// frame wraps a payload into a transmit-ready $...#cs packet.
func frame(payload []byte) []byte {
	escaped := escape(payload)

	var csum uint8
	for _, m := range escaped {
		csum += uint8(m)
	}

	out := make([]byte, 0, len(escaped)+4)
	out = append(out, '$')
	out = append(out, escaped...)
	return append(out, fmt.Sprintf("#%02x", csum)...)
}
