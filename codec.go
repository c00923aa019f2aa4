package capnweb

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxFrameSize bounds a single encoded message frame. DecodeMessage and
// ReadLengthPrefixedFrame reject larger frames with BadRequest; the
// length-prefixed reader checks the header before allocating the body, and
// NewlineScanner stops with a scanner error on a longer line.
const MaxFrameSize = 16 << 20 // 16 MiB

// DecodeMessage parses one line of newline-delimited JSON (the form used by
// the HTTP batch transport and the WebSocket text-message transport) into a
// Message.
func DecodeMessage(line string) (Message, *RpcError) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errBadRequest("empty message line")
	}
	if len(line) > MaxFrameSize {
		return nil, errBadRequest("message frame exceeds %d bytes", MaxFrameSize)
	}

	var raw []any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, errBadRequest("invalid JSON message: %v", err)
	}
	return ParseMessage(raw)
}

// EncodeMessage serializes m to a single line of JSON with no trailing
// newline.
func EncodeMessage(m Message) (string, *RpcError) {
	wire, rerr := ToWire(m)
	if rerr != nil {
		return "", rerr
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", errInternal("failed to encode message: %v", err)
	}
	return string(b), nil
}

// NewlineScanner wraps a bufio.Scanner configured to read one message per
// line, as used by the HTTP batch endpoint: each non-blank line of the
// request body is an independent wire frame.
func NewlineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return scanner
}

// lengthPrefixHeaderSize is the size of the big-endian u32 length prefix
// used by the length-prefixed framing variant (for transports, such as raw
// TCP, that have no natural message boundary of their own).
const lengthPrefixHeaderSize = 4

// ReadLengthPrefixedFrame reads one u32-length-prefixed JSON frame from r
// and parses it into a Message. When the stream ends cleanly before a new
// frame begins, it returns a Canceled error with the message "stream closed".
func ReadLengthPrefixedFrame(r io.Reader) (Message, *RpcError) {
	var header [lengthPrefixHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, &RpcError{Kind: KindCanceled, Message: "stream closed"}
		}
		return nil, errBadRequest("failed to read frame header: %v", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, errBadRequest("frame length %d exceeds maximum %d", length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errBadRequest("failed to read frame body: %v", err)
	}

	var raw []any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errBadRequest("invalid JSON frame: %v", err)
	}
	return ParseMessage(raw)
}

// WriteLengthPrefixedFrame encodes m and writes it to w as a u32-length-
// prefixed JSON frame.
func WriteLengthPrefixedFrame(w io.Writer, m Message) *RpcError {
	wire, rerr := ToWire(m)
	if rerr != nil {
		return rerr
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return errInternal("failed to encode frame: %v", err)
	}
	if len(body) > MaxFrameSize {
		return errInternal("encoded frame of %d bytes exceeds maximum %d", len(body), MaxFrameSize)
	}

	var header [lengthPrefixHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return errInternal("failed to write frame header: %v", err)
	}
	if _, err := w.Write(body); err != nil {
		return errInternal("failed to write frame body: %v", err)
	}
	return nil
}

func init() {
	// Guard against accidental shrinkage of the frame budget; a few
	// transports assume this invariant holds without rechecking.
	if MaxFrameSize < lengthPrefixHeaderSize {
		panic(fmt.Sprintf("capnweb: MaxFrameSize %d too small", MaxFrameSize))
	}
}
