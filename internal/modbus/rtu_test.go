package modbus

import (
	"bytes"
	"io"
	"testing"
)

// chunkReader replays a fixed sequence of byte slices, one per Read call,
// the way a serial port hands back whatever arrived in a single UART burst
// rather than however many bytes the caller's buffer can hold.
type chunkReader struct {
	chunks [][]byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func TestEncodeRTURequest(t *testing.T) {
	frame := EncodeRTURequest(1, 0x0000, 0x000A)
	if len(frame) != 8 {
		t.Fatalf("expected 8-byte frame, got %d", len(frame))
	}
	if !verifyCRC(frame) {
		t.Fatalf("expected encoded request to carry a valid CRC")
	}
	if frame[0] != 1 || frame[1] != FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected header bytes: % X", frame[:2])
	}
}

func TestReadRTUResponse(t *testing.T) {
	payload := []byte{0x01, 0x03, 0x02, 0x00, 0x0A}
	frame := appendCRC(payload)

	raw, err := ReadRTUResponse(bytes.NewReader(frame), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raw) != 1 || raw[0] != 0x000A {
		t.Fatalf("unexpected decoded registers: %v", raw)
	}
}

// E3: a response with a corrupted CRC must skip the group, not panic, and
// must not consume bytes belonging to a subsequent frame.
func TestReadRTUResponseBadCRCSkipsGroup(t *testing.T) {
	bad := []byte{0x01, 0x03, 0x02, 0x00, 0x0A, 0xDE, 0xAD}
	next := appendCRC([]byte{0x01, 0x03, 0x02, 0x00, 0x0B})

	stream := &chunkReader{chunks: [][]byte{bad, next}}

	_, err := ReadRTUResponse(stream, 1)
	if err == nil {
		t.Fatalf("expected CRC mismatch error, got nil")
	}

	// With the bad frame's declared length fully consumed, the next frame
	// on the wire must still decode cleanly.
	raw, err := ReadRTUResponse(stream, 1)
	if err != nil {
		t.Fatalf("unexpected error decoding subsequent frame: %v", err)
	}
	if raw[0] != 0x000B {
		t.Fatalf("unexpected decoded registers for second frame: %v", raw)
	}
}

func TestReadRTUResponseExceptionResponse(t *testing.T) {
	frame := appendCRC([]byte{0x01, 0x83, 0x02})
	_, err := ReadRTUResponse(bytes.NewReader(frame), 1)
	if err == nil {
		t.Fatalf("expected exception response error")
	}
}
