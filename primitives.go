package mcap

import (
	"encoding/binary"
	"io"
	"sort"
)

// Little-endian get/put helpers for the primitive wire types: fixed-width
// integers, length-prefixed strings and byte arrays, and length-prefixed
// string maps serialized with sorted keys for determinism.

func putByte(buf []byte, x byte) int {
	buf[0] = x
	return 1
}

func putUint16(buf []byte, v uint16) int {
	binary.LittleEndian.PutUint16(buf, v)
	return 2
}

func putUint32(buf []byte, v uint32) int {
	binary.LittleEndian.PutUint32(buf, v)
	return 4
}

func putUint64(buf []byte, v uint64) int {
	binary.LittleEndian.PutUint64(buf, v)
	return 8
}

func putPrefixedString(buf []byte, s string) int {
	offset := putUint32(buf, uint32(len(s)))
	offset += copy(buf[offset:], s)
	return offset
}

func putPrefixedBytes(buf []byte, b []byte) int {
	offset := putUint32(buf, uint32(len(b)))
	offset += copy(buf[offset:], b)
	return offset
}

// putPrefixedMap serializes m as a u32 byte-length followed by its
// (key,value) pairs in ascending key order, so that two calls with an
// equal map always produce identical bytes.
func putPrefixedMap(buf []byte, m map[string]string) int {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	body := buf[4:]
	offset := 0
	for _, k := range keys {
		offset += putPrefixedString(body[offset:], k)
		offset += putPrefixedString(body[offset:], m[k])
	}
	putUint32(buf, uint32(offset))
	return 4 + offset
}

// sizePrefixedMap returns the number of bytes putPrefixedMap will write for m.
func sizePrefixedMap(m map[string]string) int {
	n := 4
	for k, v := range m {
		n += 4 + len(k) + 4 + len(v)
	}
	return n
}

func getUint16(buf []byte, offset int) (uint16, int, error) {
	if offset < 0 || offset > len(buf)-2 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(buf[offset:]), offset + 2, nil
}

func getUint32(buf []byte, offset int) (uint32, int, error) {
	if offset < 0 || offset > len(buf)-4 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf[offset:]), offset + 4, nil
}

func getUint64(buf []byte, offset int) (uint64, int, error) {
	if offset < 0 || offset > len(buf)-8 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf[offset:]), offset + 8, nil
}

func getPrefixedString(buf []byte, offset int) (string, int, error) {
	length, offset, err := getUint32(buf, offset)
	if err != nil {
		return "", 0, err
	}
	if offset > len(buf)-int(length) {
		return "", 0, io.ErrShortBuffer
	}
	return string(buf[offset : offset+int(length)]), offset + int(length), nil
}

func getPrefixedBytes(buf []byte, offset int) ([]byte, int, error) {
	length, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	if offset > len(buf)-int(length) {
		return nil, 0, io.ErrShortBuffer
	}
	return buf[offset : offset+int(length)], offset + int(length), nil
}

func getPrefixedMap(buf []byte, offset int) (map[string]string, int, error) {
	byteLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	end := offset + int(byteLen)
	if end > len(buf) {
		return nil, 0, io.ErrShortBuffer
	}
	m := make(map[string]string)
	cursor := offset
	for cursor < end {
		var key, value string
		key, cursor, err = getPrefixedString(buf, cursor)
		if err != nil {
			return nil, 0, err
		}
		value, cursor, err = getPrefixedString(buf, cursor)
		if err != nil {
			return nil, 0, err
		}
		m[key] = value
	}
	return m, end, nil
}
