// Package netchan implements the obfuscation layer of a legacy game network
// channel. Outgoing packets are XORed with a rolling one-byte key derived
// from connection state and a reliable command both peers already hold;
// incoming packets are decoded the same way from the other side's history.
//
// Nothing here is a cipher. The keystream only has to match what existing
// peers compute, byte for byte.
package netchan

import (
	"bytes"
	"errors"

	"github.com/energizer-project/netchan/internal/protocol"
)

// ErrCapacityNotPowerOfTwo is returned when a history is sized so that
// sequence numbers cannot be masked into slots.
var ErrCapacityNotPowerOfTwo = errors.New("history capacity must be a power of two")

// History is a fixed-size ring of reliable commands indexed by sequence
// number. Slot i always holds the most recent command whose sequence is
// congruent to i modulo the capacity.
//
// Entries are stored as bytes because the keystream sanitizes them in
// place; callers must not assume a looked-up command is byte-identical to
// what was appended once it has been used as key material.
type History struct {
	slots [][]byte
	mask  uint32
}

// NewHistory creates a history with the given capacity.
func NewHistory(capacity int) (*History, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacityNotPowerOfTwo
	}
	return &History{
		slots: make([][]byte, capacity),
		mask:  uint32(capacity - 1),
	}, nil
}

// newCommandHistory sizes a history for MaxReliableCommands.
func newCommandHistory() *History {
	h, err := NewHistory(protocol.MaxReliableCommands)
	if err != nil {
		// MaxReliableCommands is a power of two.
		panic(err)
	}
	return h
}

// Append stores text in the slot for seq, replacing whatever command
// wrapped onto it.
func (h *History) Append(seq uint32, text string) {
	b := []byte(text)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if len(b) >= protocol.MaxStringChars {
		b = b[:protocol.MaxStringChars-1]
	}
	h.slots[seq&h.mask] = b
}

// Lookup returns the command stored in the slot for seq, or "" if the
// slot has never been written.
func (h *History) Lookup(seq uint32) string {
	return string(h.slots[seq&h.mask])
}

// slot returns the live backing bytes for seq.
func (h *History) slot(seq uint32) []byte {
	return h.slots[seq&h.mask]
}

// Cap returns the number of slots.
func (h *History) Cap() int {
	return len(h.slots)
}
