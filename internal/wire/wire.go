// Package wire encodes batched tile requests and decodes batched responses.
//
// Request:  reserved u32 | max reply size u32 | (key len u16 | key bytes)*
// Response: (key len u16 | key bytes | payload len u32 | payload)*
//
// All integers are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// CompressCutoff is the request size from which the compressed transport is used.
const CompressCutoff = 500

const headerSize = 8

var ErrTruncated = errors.New("wire: truncated message")

// EncodeRequest builds the request body for keys.
func EncodeRequest(keys []string, maxReply uint32) ([]byte, error) {
	n := headerSize
	for _, k := range keys {
		if len(k) > 0xffff {
			return nil, fmt.Errorf("wire: key of %d bytes", len(k))
		}
		n += 2 + len(k)
	}
	buf := make([]byte, 0, n)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, maxReply)
	for _, k := range keys {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
	}
	return buf, nil
}

// DecodeRequest is the server-side inverse of EncodeRequest.
func DecodeRequest(body []byte) (keys []string, maxReply uint32, err error) {
	if len(body) < headerSize {
		return nil, 0, ErrTruncated
	}
	maxReply = binary.BigEndian.Uint32(body[4:8])
	rest := body[headerSize:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, 0, ErrTruncated
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return nil, 0, ErrTruncated
		}
		if !utf8.Valid(rest[:n]) {
			return nil, 0, fmt.Errorf("wire: key is not utf-8")
		}
		keys = append(keys, string(rest[:n]))
		rest = rest[n:]
	}
	return keys, maxReply, nil
}

type Entry struct {
	Key     string
	Payload []byte
}

func EncodeResponse(entries []Entry) ([]byte, error) {
	var buf []byte
	for _, e := range entries {
		if len(e.Key) > 0xffff {
			return nil, fmt.Errorf("wire: key of %d bytes", len(e.Key))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
		buf = append(buf, e.Payload...)
	}
	return buf, nil
}

// DecodeResponse reads entries until body is exhausted. Entries decoded before a
// truncation are returned together with ErrTruncated.
func DecodeResponse(body []byte) ([]Entry, error) {
	var out []Entry
	rest := body
	for len(rest) > 0 {
		if len(rest) < 2 {
			return out, ErrTruncated
		}
		kn := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < kn+4 {
			return out, ErrTruncated
		}
		key := string(rest[:kn])
		rest = rest[kn:]
		pn := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if uint64(len(rest)) < uint64(pn) {
			return out, ErrTruncated
		}
		out = append(out, Entry{Key: key, Payload: rest[:pn:pn]})
		rest = rest[pn:]
	}
	return out, nil
}
