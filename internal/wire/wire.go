// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the fixed-layout messages exchanged with an enclave. Every message is a
// 12 byte header followed by a payload of the announced length. Multi-byte fields are encoded in
// native byte order since both domains share the processor.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderSize = 12

var (
	ErrShortMessage   = errors.New("message is shorter than its header")
	ErrLengthMismatch = errors.New("announced payload length does not match the message")
	ErrStringTooLong  = errors.New("string does not fit into its field")
)

var order = binary.NativeEndian

// Frame is the common header of commands, longcalls and their responses. Code is a command or
// longcall id in requests and a signed status in responses.
type Frame struct {
	Code    uint64
	DataLen uint32
}

func appendFrame(code uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	order.PutUint64(buf[0:], code)
	order.PutUint32(buf[8:], uint32(len(payload)))
	return append(buf, payload...)
}

func parseFrame(data []byte) (Frame, []byte, error) {
	if len(data) < HeaderSize {
		return Frame{}, nil, fmt.Errorf("%d bytes: %w", len(data), ErrShortMessage)
	}
	f := Frame{
		Code:    order.Uint64(data[0:]),
		DataLen: order.Uint32(data[8:]),
	}
	payload := data[HeaderSize:]
	if uint64(f.DataLen) != uint64(len(payload)) {
		return Frame{}, nil, fmt.Errorf("announced %d, got %d: %w", f.DataLen, len(payload), ErrLengthMismatch)
	}
	return f, payload, nil
}

// EncodeCommand frames payload, which must be nil, a byte slice or a fixed-size struct.
func EncodeCommand(cmd CommandID, payload any) ([]byte, error) {
	body, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", cmd, err)
	}
	return appendFrame(uint64(cmd), body), nil
}

func DecodeCommand(data []byte) (CommandID, []byte, error) {
	f, payload, err := parseFrame(data)
	if err != nil {
		return 0, nil, err
	}
	return CommandID(f.Code), payload, nil
}

func EncodeResponse(status int64, payload []byte) []byte {
	return appendFrame(uint64(status), payload)
}

func DecodeResponse(data []byte) (int64, []byte, error) {
	f, payload, err := parseFrame(data)
	if err != nil {
		return 0, nil, err
	}
	return int64(f.Code), payload, nil
}

func Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	}
	return binary.Append(nil, order, v)
}

// Unmarshal decodes a fixed-size struct. Trailing bytes are ignored.
func Unmarshal(data []byte, v any) error {
	if n := binary.Size(v); n < 0 || len(data) < n {
		return fmt.Errorf("need %d bytes, got %d: %w", n, len(data), ErrShortMessage)
	}
	_, err := binary.Decode(data, order, v)
	return err
}

// PutString stores s NUL terminated in dst.
func PutString(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("%q exceeds %d bytes: %w", s, len(dst)-1, ErrStringTooLong)
	}
	n := copy(dst, s)
	clear(dst[n:])
	return nil
}

// String returns the NUL terminated string stored in b.
func String(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
