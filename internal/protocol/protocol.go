// Package protocol is the request/response framing spoken between the
// minikv server and its clients.
//
// Every message is one frame:
//
//	<flags:uint8><len:uint32><payload>
//
// The low three bits of flags carry the frame kind, bit 3 marks a
// snappy-compressed payload. Integers are big-endian. Inside the payload
// strings are written as <len:uint32><bytes>.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"minikv/storage"
)

const (
	snappyMask = 1 << 3
	kindMask   = snappyMask - 1

	frameHeaderSize = 5
	// MaxPayloadSize fits a maximal key and value plus framing.
	MaxPayloadSize = 2*storage.MaxFieldSize + 64
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMalformed     = errors.New("malformed frame")
)

type frameKind uint8

const (
	kindRequest  frameKind = 1
	kindResponse frameKind = 2
)

type Op uint8

const (
	OpGet     Op = 1
	OpSet     Op = 2
	OpRemove  Op = 3
	OpCompact Op = 4
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	case OpCompact:
		return "compact"
	default:
		return "unknown"
	}
}

type Status uint8

const (
	StatusOK       Status = 0
	StatusNotFound Status = 1
	StatusError    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

type Request struct {
	Op    Op
	Key   string
	Value string
}

type Response struct {
	Status  Status
	Value   string
	Message string
}

// WriteRequest frames req onto w. Payloads longer than compressAbove bytes
// are snappy-compressed when that makes them smaller; zero disables
// compression.
func WriteRequest(w io.Writer, req Request, compressAbove int) error {
	payload := make([]byte, 0, 1+8+len(req.Key)+len(req.Value))
	payload = append(payload, byte(req.Op))
	payload = appendString(payload, req.Key)
	payload = appendString(payload, req.Value)

	return writeFrame(w, kindRequest, payload, compressAbove)
}

func ReadRequest(r io.Reader) (Request, error) {
	payload, err := readFrame(r, kindRequest)
	if err != nil {
		return Request{}, err
	}

	if len(payload) < 1 {
		return Request{}, errors.Wrap(ErrMalformed, "empty request")
	}

	req := Request{Op: Op(payload[0])}
	rest := payload[1:]

	if req.Key, rest, err = readString(rest); err != nil {
		return Request{}, errors.Wrap(err, "request key")
	}

	if req.Value, rest, err = readString(rest); err != nil {
		return Request{}, errors.Wrap(err, "request value")
	}

	if len(rest) != 0 {
		return Request{}, errors.Wrapf(ErrMalformed, "%d trailing bytes in request", len(rest))
	}

	return req, nil
}

func WriteResponse(w io.Writer, resp Response, compressAbove int) error {
	payload := make([]byte, 0, 1+8+len(resp.Value)+len(resp.Message))
	payload = append(payload, byte(resp.Status))
	payload = appendString(payload, resp.Value)
	payload = appendString(payload, resp.Message)

	return writeFrame(w, kindResponse, payload, compressAbove)
}

func ReadResponse(r io.Reader) (Response, error) {
	payload, err := readFrame(r, kindResponse)
	if err != nil {
		return Response{}, err
	}

	if len(payload) < 1 {
		return Response{}, errors.Wrap(ErrMalformed, "empty response")
	}

	resp := Response{Status: Status(payload[0])}
	rest := payload[1:]

	if resp.Value, rest, err = readString(rest); err != nil {
		return Response{}, errors.Wrap(err, "response value")
	}

	if resp.Message, rest, err = readString(rest); err != nil {
		return Response{}, errors.Wrap(err, "response message")
	}

	if len(rest) != 0 {
		return Response{}, errors.Wrapf(ErrMalformed, "%d trailing bytes in response", len(rest))
	}

	return resp, nil
}

func writeFrame(w io.Writer, kind frameKind, payload []byte, compressAbove int) error {
	flags := byte(kind)

	if compressAbove > 0 && len(payload) > compressAbove {
		if c := snappy.Encode(nil, payload); len(c) < len(payload) {
			payload = c
			flags |= snappyMask
		}
	}

	if len(payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)

	return err
}

// readFrame returns io.EOF untouched when r ends before a new frame starts,
// which is how a peer closing the connection looks.
func readFrame(r io.Reader, want frameKind) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	if kind := frameKind(hdr[0] & kindMask); kind != want {
		return nil, errors.Wrapf(ErrMalformed, "frame kind %d, expected %d", kind, want)
	}

	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if hdr[0]&snappyMask == 0 {
		return payload, nil
	}

	n, err := snappy.DecodedLen(payload)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	if n > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	decoded, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	return decoded, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, errors.Wrap(ErrMalformed, "short length")
	}

	n := binary.BigEndian.Uint32(b)
	b = b[4:]

	if uint64(n) > uint64(len(b)) {
		return "", nil, errors.Wrapf(ErrMalformed, "length %d exceeds payload", n)
	}

	return string(b[:n]), b[n:], nil
}
