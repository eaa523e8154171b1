package netchan

import (
	"fmt"

	"github.com/energizer-project/netchan/internal/protocol"
)

// Command is a reliable command together with its sequence number.
type Command struct {
	Sequence uint32 `json:"sequence"`
	Text     string `json:"text"`
}

// addReliable appends text as the next command in h. The acknowledged
// command's slot is still live key material for the peer, so a new
// command may never land on it.
func addReliable(h *History, seq *uint32, ack uint32, text string) error {
	next := *seq + 1
	if next-ack >= uint32(h.Cap()) {
		return fmt.Errorf("%w: %d unacknowledged", ErrCommandOverflow, *seq-ack)
	}
	*seq = next
	h.Append(next, text)
	return nil
}

// clampAcknowledge returns the acknowledgement to record for a reported
// ack. Acks that are older than the history can hold, or that claim
// commands never sent, resynchronize to the current sequence.
func clampAcknowledge(seq, ack uint32) uint32 {
	d := int64(seq) - int64(ack)
	if d < 0 || d > protocol.MaxReliableCommands {
		return seq
	}
	return ack
}

// unacknowledged returns the commands after ack up to and including seq.
func unacknowledged(h *History, seq, ack uint32) []Command {
	n := seq - ack
	if n > uint32(h.Cap()) {
		n = uint32(h.Cap())
	}
	cmds := make([]Command, 0, n)
	for k := uint32(1); k <= n; k++ {
		cmds = append(cmds, Command{Sequence: ack + k, Text: h.Lookup(ack + k)})
	}
	return cmds
}
