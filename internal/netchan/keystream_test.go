package netchan

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	b := []byte("ok%\x80\xffend\x7f")
	Sanitize(b)
	assert.Equal(t, []byte("ok...end\x7f"), b)

	again := append([]byte(nil), b...)
	Sanitize(again)
	assert.Equal(t, b, again)
}

func TestKeystreamKnownVector(t *testing.T) {
	data := make([]byte, 8)
	NewKeystream(0x1234, []byte("HELLO")).XORKeyStream(data, 0)

	// Key starts at 0x34; even offsets mix the command byte as is, odd
	// offsets shifted left by one, and the command wraps after 'O'.
	want := []byte{0x7C, 0xF6, 0xBA, 0x22, 0x6D, 0xFD, 0xB8, 0x20}
	assert.Equal(t, want, data)

	NewKeystream(0x1234, []byte("HELLO")).XORKeyStream(data, 0)
	assert.Equal(t, make([]byte, 8), data)
}

func TestKeystreamEmptyCommand(t *testing.T) {
	for _, cmd := range [][]byte{nil, {}, {0, 'x'}} {
		data := make([]byte, 6)
		NewKeystream(0xAB, cmd).XORKeyStream(data, 0)
		assert.Equal(t, bytes.Repeat([]byte{0xAB}, 6), data)
	}
}

func TestKeystreamStartOffset(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6}
	orig := append([]byte(nil), data...)

	NewKeystream(7, []byte("abc")).XORKeyStream(data, 4)
	assert.Equal(t, orig[:4], data[:4], "bytes before start stay readable")
	assert.NotEqual(t, orig[4:], data[4:])

	NewKeystream(7, []byte("abc")).XORKeyStream(data, 4)
	assert.Equal(t, orig, data)
}

func TestKeystreamParityFollowsAbsoluteOffset(t *testing.T) {
	// The same payload at an odd and an even start offset must encode
	// differently, because the shift depends on the absolute position.
	even := make([]byte, 6)
	odd := make([]byte, 7)
	NewKeystream(0, []byte("zz")).XORKeyStream(even, 2)
	NewKeystream(0, []byte("zz")).XORKeyStream(odd, 3)
	assert.NotEqual(t, even[2:], odd[3:])
}

func TestKeystreamSanitizesCommandInPlace(t *testing.T) {
	h, err := NewHistory(4)
	require.NoError(t, err)
	h.Append(1, "a%b\xffc")

	NewKeystream(0, h.slot(1))
	assert.Equal(t, "a.b.c", h.Lookup(1))
}

func TestKeystreamSanitizedEquivalence(t *testing.T) {
	a := make([]byte, 16)
	b := make([]byte, 16)
	NewKeystream(99, []byte("x%y\xc3z")).XORKeyStream(a, 0)
	NewKeystream(99, []byte("x.y.z")).XORKeyStream(b, 0)
	assert.Equal(t, a, b)
}
