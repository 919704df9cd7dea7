// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package wire

// LongcallID selects the host service an enclave calls into.
type LongcallID uint64

const (
	// LongcallSegmentCommand forwards a shared memory segment command to the host.
	LongcallSegmentCommand LongcallID = LongcallID(CmdSegmentCommand)
)

// Status values the host reports for longcalls it cannot dispatch.
const (
	StatusOK               int64 = 0
	StatusError            int64 = -1
	StatusUnknownLongcall  int64 = -2
	StatusMalformedMessage int64 = -3
)

func EncodeLongcall(id LongcallID, payload []byte) []byte {
	return appendFrame(uint64(id), payload)
}

func DecodeLongcall(data []byte) (LongcallID, []byte, error) {
	f, payload, err := parseFrame(data)
	if err != nil {
		return 0, nil, err
	}
	return LongcallID(f.Code), payload, nil
}
