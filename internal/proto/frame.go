package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFrameSize bounds one length-prefixed frame on stream transports.
const MaxFrameSize = 1 << 20

const frameHeader = 4

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame too large")
)

func checkFrameSize(n int) error {
	switch {
	case n == 0:
		return ErrEmptyFrame
	case n > MaxFrameSize:
		return ErrFrameTooLarge
	}
	return nil
}

// AppendFrame appends the big-endian length prefix and payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if err := checkFrameSize(len(payload)); err != nil {
		return dst, err
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if err := checkFrameSize(int(n)); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as a single frame in one Write call, so
// concurrent writers serialized by the caller never interleave halves.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := AppendFrame(make([]byte, 0, frameHeader+len(payload)), payload)
	if err != nil {
		return err
	}
	n, err := w.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	return err
}
