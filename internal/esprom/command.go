package esprom

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Loader opcodes
const (
	opMemBegin = 0x05
	opMemEnd   = 0x06
	opMemData  = 0x07
	opSync     = 0x08
	opReadReg  = 0x0a
)

const (
	directionRequest  = 0x00
	directionResponse = 0x01

	checksumSeed = 0xef

	// RAM upload block size accepted by every ROM loader
	ramBlockSize = 0x1800
)

var ErrUnexpectedResponse = errors.New("unexpected loader response")

// CommandError is a failure status reported by the loader
type CommandError struct {
	Op     byte
	Status byte
	Code   byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("loader command 0x%02x failed: status 0x%02x, error 0x%02x", e.Op, e.Status, e.Code)
}

// syncPayload is the 36 byte SYNC body
var syncPayload = func() []byte {
	p := []byte{0x07, 0x07, 0x12, 0x20}
	for i := 0; i < 32; i++ {
		p = append(p, 0x55)
	}
	return p
}()

// encodeCommand builds a request packet (before SLIP framing)
func encodeCommand(op byte, data []byte, checksum uint32) []byte {
	pkt := make([]byte, 8, 8+len(data))
	pkt[0] = directionRequest
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(pkt[4:8], checksum)
	return append(pkt, data...)
}

type response struct {
	op    byte
	value uint32
	data  []byte
}

// decodeResponse parses a response packet
func decodeResponse(frame []byte) (response, error) {
	if len(frame) < 8 || frame[0] != directionResponse {
		return response{}, ErrUnexpectedResponse
	}
	size := int(binary.LittleEndian.Uint16(frame[2:4]))
	data := frame[8:]
	if size < len(data) {
		data = data[:size]
	}
	return response{
		op:    frame[1],
		value: binary.LittleEndian.Uint32(frame[4:8]),
		data:  data,
	}, nil
}

// status returns the error reported in the response body, if any
func (r response) status() error {
	if len(r.data) < 2 {
		return nil
	}
	if r.data[0] != 0 {
		return &CommandError{Op: r.op, Status: r.data[0], Code: r.data[1]}
	}
	return nil
}

// checksum of a MEM_DATA payload
func checksum(data []byte) uint32 {
	c := byte(checksumSeed)
	for _, b := range data {
		c ^= b
	}
	return uint32(c)
}

func le32(values ...uint32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}
