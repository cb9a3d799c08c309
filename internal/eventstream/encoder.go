package eventstream

import (
	"encoding/binary"
	"hash/crc32"
	"sort"
)

// Encode builds one binary frame from headers and a payload. Headers are
// written in sorted key order so output is deterministic.
func Encode(headers map[string]string, payload []byte) []byte {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var headerBlock []byte
	for _, name := range names {
		headerBlock = appendStringHeader(headerBlock, name, headers[name])
	}

	totalLength := preludeSize + len(headerBlock) + len(payload) + crcSize
	frame := make([]byte, 0, totalLength)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(totalLength))
	frame = append(frame, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], uint32(len(headerBlock)))
	frame = append(frame, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(frame))
	frame = append(frame, u32[:]...)

	frame = append(frame, headerBlock...)
	frame = append(frame, payload...)

	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(frame))
	frame = append(frame, u32[:]...)
	return frame
}

// EncodeEvent builds a normal event frame carrying a JSON payload.
func EncodeEvent(eventType string, payload []byte) []byte {
	return Encode(map[string]string{
		":message-type": "event",
		":event-type":   eventType,
		":content-type": "application/json",
	}, payload)
}

// EncodeException builds an exception frame of the given exception type.
func EncodeException(exceptionType string, payload []byte) []byte {
	return Encode(map[string]string{
		":message-type":   "exception",
		":exception-type": exceptionType,
		":content-type":   "application/json",
	}, payload)
}

func appendStringHeader(dst []byte, name, value string) []byte {
	dst = append(dst, byte(len(name)))
	dst = append(dst, name...)
	dst = append(dst, headerTypeString)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(value)))
	dst = append(dst, u16[:]...)
	dst = append(dst, value...)
	return dst
}
