// Package wire implements the Wire Protocol: length-prefixed frames
// carrying a tagged-union message set, over one bidirectional byte
// stream per sync session.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/leafsync/leafsync"
)

// MaxFrameLen is the largest payload a frame may carry. Anything
// larger aborts the session with ProtocolError.
const MaxFrameLen = 16 << 20

// WriteFrame writes payload as one length-prefixed frame: a u32
// little-endian length followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return leafsync.KindErrorf(leafsync.ProtocolError, "frame payload %d bytes exceeds max %d", len(payload), MaxFrameLen)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return leafsync.WrapKind(leafsync.TransportError, err, "writing frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return leafsync.WrapKind(leafsync.TransportError, err, "writing frame payload")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its
// payload. An oversize length aborts with ProtocolError; a read
// failure aborts with TransportError; EOF is returned unwrapped so
// callers can detect a clean stream close.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, leafsync.WrapKind(leafsync.TransportError, err, "reading frame length")
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, leafsync.KindErrorf(leafsync.ProtocolError, "frame length %d exceeds max %d", n, MaxFrameLen)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, leafsync.WrapKind(leafsync.TransportError, err, "reading frame payload")
		}
	}
	return payload, nil
}
