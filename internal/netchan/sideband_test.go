package netchan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netchan/internal/protocol"
)

func TestSidebandWriteTo(t *testing.T) {
	var sb Sideband
	msg := protocol.NewMsg(16)
	msg.WriteData(make([]byte, 8))

	n, ok := sb.WriteTo(msg)
	assert.True(t, ok)
	assert.Zero(t, n, "nothing pending")

	require.NoError(t, sb.Queue([]byte("abc")))
	assert.Equal(t, BinaryQueued, sb.Status())

	n, ok = sb.WriteTo(msg)
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("abc"), msg.Bytes()[8:])
	assert.Equal(t, BinaryNotQueued, sb.Status())
}

func TestSidebandOverflowDiscards(t *testing.T) {
	var sb Sideband
	msg := protocol.NewMsg(16)
	msg.WriteData(make([]byte, 10))

	require.NoError(t, sb.Queue(make([]byte, 6)))
	n, ok := sb.WriteTo(msg)
	assert.False(t, ok)
	assert.Zero(t, n)
	assert.Equal(t, 10, msg.Len(), "the packet goes out without the payload")
	assert.Zero(t, sb.Pending())
	assert.Equal(t, BinaryOverflowed, sb.Status())

	// The flag stays set until a later payload is delivered.
	msg.Reset()
	_, ok = sb.WriteTo(msg)
	assert.True(t, ok)
	assert.True(t, sb.Overflowed())

	require.NoError(t, sb.Queue([]byte{1}))
	_, ok = sb.WriteTo(msg)
	assert.True(t, ok)
	assert.False(t, sb.Overflowed())
}

func TestSidebandQueue(t *testing.T) {
	var sb Sideband

	err := sb.Queue(make([]byte, protocol.MaxBinaryMessage+1))
	assert.ErrorIs(t, err, ErrBinaryMessageTooLarge)
	assert.Zero(t, sb.Pending())

	data := []byte("first")
	require.NoError(t, sb.Queue(data))
	data[0] = 'X'
	require.NoError(t, sb.Queue([]byte("second!")))
	assert.Equal(t, 7, sb.Pending(), "a newer payload replaces the pending one")

	msg := protocol.NewMsg(64)
	sb.WriteTo(msg)
	assert.Equal(t, []byte("second!"), msg.Bytes())
}

func TestTransmitDropsOversizedSideband(t *testing.T) {
	p := newPair()
	require.NoError(t, p.server.Sideband.Queue(make([]byte, protocol.MaxBinaryMessage)))

	m := p.serverToClient(t)
	assert.Empty(t, m.Sideband)
	assert.Equal(t, BinaryOverflowed, p.server.Sideband.Status())
}

func TestBinaryStatusJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		S BinaryStatus `json:"s"`
	}{BinaryOverflowed})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"overflowed"}`, string(b))
	assert.Equal(t, "unknown", BinaryStatus(42).String())
}
