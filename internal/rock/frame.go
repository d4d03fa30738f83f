// Package rock implements the length-framed request/response/notify protocol
// used between gateways and services ("Rock RPC"), plus the persistent client
// connection pool and the server-side command dispatcher built on top of it.
//
// Wire format: every message is prefixed by a four-byte big-endian total
// length that includes the prefix itself. The byte after the length is the
// type tag (0x01 request, 0x02 response, 0x03 notify), followed by the
// fixed header fields of that type and the opaque body. By convention the
// body is UTF-8 JSON, but the transport never inspects it.
package rock

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type tags, first byte after the length prefix.
const (
	typeRequest  byte = 0x01
	typeResponse byte = 0x02
	typeNotify   byte = 0x03
)

// Fixed frame sizes in bytes, including the 4-byte length prefix.
const (
	lenPrefixSize    = 4
	requestHeaderLen = lenPrefixSize + 1 + 4 + 4     // len, type, sn, cmd
	respHeaderLen    = lenPrefixSize + 1 + 4 + 4 + 2 // len, type, sn, result, result_str_len
	notifyHeaderLen  = lenPrefixSize + 1 + 4         // len, type, cmd

	// DefaultMaxFrame caps the declared total length of a single frame.
	DefaultMaxFrame = 16 << 20 // 16 MiB
)

// Message is one of Request, Response or Notify.
type Message interface {
	// appendFrame appends the full wire encoding (length prefix included)
	// to dst and returns the extended slice.
	appendFrame(dst []byte) []byte
}

// Request asks a peer to execute cmd and reply with the same sn.
type Request struct {
	SN   uint32
	Cmd  uint32
	Body []byte
}

// Response completes the request carrying the same sn. Result 200 means
// success; any other value is a remote error described by ResultStr.
type Response struct {
	SN        uint32
	Result    int32
	ResultStr string
	Body      []byte
}

// Notify is a one-way message: no sn, no reply.
type Notify struct {
	Cmd  uint32
	Body []byte
}

func (m *Request) appendFrame(dst []byte) []byte {
	total := requestHeaderLen + len(m.Body)
	dst = binary.BigEndian.AppendUint32(dst, uint32(total))
	dst = append(dst, typeRequest)
	dst = binary.BigEndian.AppendUint32(dst, m.SN)
	dst = binary.BigEndian.AppendUint32(dst, m.Cmd)
	return append(dst, m.Body...)
}

func (m *Response) appendFrame(dst []byte) []byte {
	total := respHeaderLen + len(m.ResultStr) + len(m.Body)
	dst = binary.BigEndian.AppendUint32(dst, uint32(total))
	dst = append(dst, typeResponse)
	dst = binary.BigEndian.AppendUint32(dst, m.SN)
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.Result))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.ResultStr)))
	dst = append(dst, m.ResultStr...)
	return append(dst, m.Body...)
}

func (m *Notify) appendFrame(dst []byte) []byte {
	total := notifyHeaderLen + len(m.Body)
	dst = binary.BigEndian.AppendUint32(dst, uint32(total))
	dst = append(dst, typeNotify)
	dst = binary.BigEndian.AppendUint32(dst, m.Cmd)
	return append(dst, m.Body...)
}

// EncodeMessage returns the full wire encoding of m. Frames larger than
// maxFrame are refused before any bytes are produced.
func EncodeMessage(m Message, maxFrame int) ([]byte, error) {
	buf := m.appendFrame(nil)
	if len(buf) > maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(buf), maxFrame)
	}
	return buf, nil
}

// ReadMessage reads and decodes exactly one frame from r. Frames whose
// declared length is smaller than the smallest fixed header or larger than
// maxFrame are rejected with a transport error; the connection should be
// torn down afterwards since framing is lost.
func ReadMessage(r io.Reader, maxFrame int) (Message, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	total := int(binary.BigEndian.Uint32(prefix[:]))
	if total < notifyHeaderLen {
		return nil, fmt.Errorf("%w: declared length %d below minimum header", ErrMalformedFrame, total)
	}
	if total > maxFrame {
		return nil, fmt.Errorf("%w: declared length %d > %d", ErrFrameTooLarge, total, maxFrame)
	}

	rest := make([]byte, total-lenPrefixSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	switch rest[0] {
	case typeRequest:
		if total < requestHeaderLen {
			return nil, fmt.Errorf("%w: request frame of %d bytes", ErrMalformedFrame, total)
		}
		return &Request{
			SN:   binary.BigEndian.Uint32(rest[1:5]),
			Cmd:  binary.BigEndian.Uint32(rest[5:9]),
			Body: rest[9:],
		}, nil

	case typeResponse:
		if total < respHeaderLen {
			return nil, fmt.Errorf("%w: response frame of %d bytes", ErrMalformedFrame, total)
		}
		strLen := int(binary.BigEndian.Uint16(rest[9:11]))
		if respHeaderLen-lenPrefixSize+strLen > len(rest) {
			return nil, fmt.Errorf("%w: result string overruns frame", ErrMalformedFrame)
		}
		return &Response{
			SN:        binary.BigEndian.Uint32(rest[1:5]),
			Result:    int32(binary.BigEndian.Uint32(rest[5:9])),
			ResultStr: string(rest[11 : 11+strLen]),
			Body:      rest[11+strLen:],
		}, nil

	case typeNotify:
		return &Notify{
			Cmd:  binary.BigEndian.Uint32(rest[1:5]),
			Body: rest[5:],
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type tag 0x%02x", ErrMalformedFrame, rest[0])
	}
}
