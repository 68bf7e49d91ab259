package cache

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Wire layout (all integers big-endian):
//
//	u16 version | u16 status | i64 stored_at unix-nanos |
//	i64 ttl | i64 swr | i64 sie |
//	u16 etag len + bytes | u16 last-modified len + bytes |
//	u16 vary-signature len + bytes | u16 vary-field count { u16 len + bytes } |
//	u64 body len + bytes |
//	u16 header count { u16 name len + bytes, u32 value len + bytes }
//
// The version tag permits forward-compatible schema changes.
const codecVersion uint16 = 1

// Encode serializes an entry into the versioned binary layout shared by the
// Redis and SQLite backends.
func Encode(e *Entry) []byte {
	buf := make([]byte, 0, 64+len(e.Body))

	buf = binary.BigEndian.AppendUint16(buf, codecVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(e.Status))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.StoredAt.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.TTL))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.SWR))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.SIE))

	buf = appendString16(buf, e.ETag)
	buf = appendString16(buf, e.LastModified)
	buf = appendString16(buf, e.VarySignature)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.VaryFields)))
	for _, f := range e.VaryFields {
		buf = appendString16(buf, f)
	}

	buf = binary.BigEndian.AppendUint64(buf, uint64(len(e.Body)))
	buf = append(buf, e.Body...)

	names := make([]string, 0, len(e.Header))
	pairs := 0
	for name := range e.Header {
		names = append(names, name)
		pairs += len(e.Header[name])
	}
	sort.Strings(names)

	buf = binary.BigEndian.AppendUint16(buf, uint16(pairs))
	for _, name := range names {
		for _, value := range e.Header[name] {
			buf = appendString16(buf, name)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
			buf = append(buf, value...)
		}
	}

	return buf
}

// Decode parses a blob produced by Encode.
func Decode(data []byte) (*Entry, error) {
	d := decoder{data: data}

	version := d.uint16()
	if version != codecVersion {
		return nil, fmt.Errorf("cache: unsupported entry version %d", version)
	}

	e := &Entry{}
	e.Status = int(d.uint16())
	e.StoredAt = time.Unix(0, int64(d.uint64()))
	e.TTL = time.Duration(d.uint64())
	e.SWR = time.Duration(d.uint64())
	e.SIE = time.Duration(d.uint64())

	e.ETag = d.string16()
	e.LastModified = d.string16()
	e.VarySignature = d.string16()

	fields := int(d.uint16())
	if fields > 0 {
		e.VaryFields = make([]string, 0, fields)
		for i := 0; i < fields; i++ {
			e.VaryFields = append(e.VaryFields, d.string16())
		}
	}

	bodyLen := int(d.uint64())
	e.Body = d.bytes(bodyLen)

	pairs := int(d.uint16())
	e.Header = make(http.Header, pairs)
	for i := 0; i < pairs; i++ {
		name := d.string16()
		valueLen := int(d.uint32())
		value := d.bytes(valueLen)
		e.Header.Add(name, string(value))
	}

	if d.err != nil {
		return nil, fmt.Errorf("cache: corrupt entry: %w", d.err)
	}
	return e, nil
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

type decoder struct {
	data []byte
	off  int
	err  error
}

var errShortBuffer = fmt.Errorf("short buffer")

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = errShortBuffer
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) string16() string {
	return string(d.take(int(d.uint16())))
}

func (d *decoder) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
