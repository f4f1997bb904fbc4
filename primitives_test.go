package mcap

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPutUint16(t *testing.T) {
	buf := make([]byte, 2)
	putUint16(buf, 0xBEEF)
	v, offset, err := getUint16(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v)
	assert.Equal(t, 2, offset)

	_, _, err = getUint16(buf, 1)
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestGetPutUint32(t *testing.T) {
	buf := make([]byte, 4)
	putUint32(buf, 0xDEADBEEF)
	v, offset, err := getUint32(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)
	assert.Equal(t, 4, offset)

	_, _, err = getUint32(buf, 1)
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestGetPutUint64(t *testing.T) {
	buf := make([]byte, 8)
	putUint64(buf, 0x0102030405060708)
	v, offset, err := getUint64(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v)
	assert.Equal(t, 8, offset)

	_, _, err = getUint64(buf, 1)
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestPrefixedStringRoundTrip(t *testing.T) {
	s := "hello, mcap"
	buf := make([]byte, 4+len(s))
	n := putPrefixedString(buf, s)
	assert.Equal(t, len(buf), n)

	got, offset, err := getPrefixedString(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, n, offset)
}

func TestPrefixedStringTruncated(t *testing.T) {
	buf := make([]byte, 4)
	putUint32(buf, 10) // claims 10 bytes follow, buffer has none
	_, _, err := getPrefixedString(buf, 0)
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestPrefixedBytesRoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	buf := make([]byte, 4+len(data))
	putPrefixedBytes(buf, data)
	got, offset, err := getPrefixedBytes(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, len(buf), offset)
}

func TestPrefixedMapDeterministic(t *testing.T) {
	m := map[string]string{"z": "1", "a": "2", "m": "3"}
	buf1 := make([]byte, sizePrefixedMap(m))
	buf2 := make([]byte, sizePrefixedMap(m))
	putPrefixedMap(buf1, m)
	putPrefixedMap(buf2, m)
	assert.Equal(t, buf1, buf2)

	got, offset, err := getPrefixedMap(buf1, 0)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, len(buf1), offset)
}

func TestPrefixedMapEmpty(t *testing.T) {
	m := map[string]string{}
	buf := make([]byte, sizePrefixedMap(m))
	n := putPrefixedMap(buf, m)
	assert.Equal(t, 4, n)
	got, _, err := getPrefixedMap(buf, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
