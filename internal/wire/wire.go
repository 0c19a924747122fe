// Package wire frames the bytes wbcache puts into the atomic cache and into
// write-behind task payloads.
//
// Entry:
//
//	magic(4) | ver(1) | kind(1=entry) | keyLen(u16 be) | key | vlen(u32 be) | payload(vlen)
//
// Keys (write-behind flush payload):
//
//	magic(4) | ver(1) | kind(2=keys) | n(u32 be) | (keyLen(u16 be) | key) * n
//
// Keys are encoded store keys. The entry frame carries its own key so a value
// found under a cache key can be checked against the record it claims to be.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1
	kindKeys  byte = 2

	maxKeyLen = 0xFFFF
)

var (
	ErrCorrupt   = errors.New("wbcache: corrupt frame")
	ErrKeyLength = errors.New("wbcache: key length out of range")
	magic4       = [...]byte{'W', 'B', 'C', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func checkKey(k string) error {
	if l := len(k); l == 0 || l > maxKeyLen {
		return ErrKeyLength
	}
	return nil
}

func EncodeEntry(key string, payload []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 2 + len(key) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(key)))
	buf.Write(u2[:])
	buf.WriteString(key)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeEntry returns the key and a payload slice aliasing b.
func DecodeEntry(b []byte) (key string, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return "", nil, ErrCorrupt
	}
	off := 6

	klen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if klen == 0 || klen > len(b)-off {
		return "", nil, ErrCorrupt
	}
	key = string(b[off : off+klen])
	off += klen

	if off+4 > len(b) {
		return "", nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off { // exact: no trailing bytes
		return "", nil, ErrCorrupt
	}
	return key, b[off : off+vlen], nil
}

func EncodeKeys(keys []string) ([]byte, error) {
	total := 4 + 1 + 1 + 4
	for _, k := range keys {
		if err := checkKey(k); err != nil {
			return nil, err
		}
		total += 2 + len(k)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindKeys)

	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint32(u4[:], uint32(len(keys)))
	buf.Write(u4[:])

	for _, k := range keys {
		binary.BigEndian.PutUint16(u2[:], uint16(len(k)))
		buf.Write(u2[:])
		buf.WriteString(k)
	}
	return buf.Bytes(), nil
}

func DecodeKeys(b []byte) ([]string, error) {
	const hdr = 4 + 1 + 1 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindKeys {
		return nil, ErrCorrupt
	}
	off := 6

	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// every key costs at least 3 bytes; do not trust n for preallocation
	if n > (len(b)-off)/3 {
		return nil, ErrCorrupt
	}

	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return nil, ErrCorrupt
		}
		klen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if klen == 0 || klen > len(b)-off {
			return nil, ErrCorrupt
		}
		keys = append(keys, string(b[off:off+klen]))
		off += klen
	}
	if off != len(b) {
		return nil, ErrCorrupt
	}
	return keys, nil
}

// IsKeys reports whether b looks like a key-list frame.
func IsKeys(b []byte) bool {
	return len(b) >= 6 && hasMagic(b) && b[5] == kindKeys
}
