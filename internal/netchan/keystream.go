package netchan

import "bytes"

// Sanitize rewrites b in place so that no byte is above 127 or equal to
// '%'; offending bytes become '.'. Applying it twice is a no-op.
func Sanitize(b []byte) {
	for i, c := range b {
		if c > 127 || c == '%' {
			b[i] = '.'
		}
	}
}

// Keystream produces the per-byte XOR key for one packet. It is built
// fresh for every encode or decode and never carried across packets.
type Keystream struct {
	key   byte
	cmd   []byte
	index int
}

// NewKeystream seeds a keystream with the low byte of seed and the given
// reliable command. cmd is sanitized in place, which alters the history
// entry it was taken from. A nil or empty command is valid and feeds
// zero bytes into the key.
func NewKeystream(seed uint32, cmd []byte) *Keystream {
	if i := bytes.IndexByte(cmd, 0); i >= 0 {
		cmd = cmd[:i]
	}
	Sanitize(cmd)
	return &Keystream{
		key: byte(seed),
		cmd: cmd,
	}
}

// Next advances the key for the byte at absolute offset pos and returns it.
// Odd offsets mix the command byte in shifted left by one.
func (k *Keystream) Next(pos int) byte {
	var c byte
	if k.index >= len(k.cmd) {
		k.index = 0
	}
	if len(k.cmd) > 0 {
		c = k.cmd[k.index]
	}
	k.index++
	k.key ^= c << (pos & 1)
	return k.key
}

// XORKeyStream XORs data[start:] with the keystream, indexing positions by
// absolute offset into data. Running it twice with identically seeded
// keystreams restores the input.
func (k *Keystream) XORKeyStream(data []byte, start int) {
	for i := start; i < len(data); i++ {
		data[i] ^= k.Next(i)
	}
}
