package smbdfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, farm *MockDialect, kinds ...TransportKind) (*Transport, chan error) {
	t.Helper()
	cfg := DefaultConfig().Transport
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	if len(kinds) > 0 {
		cfg.Kinds = kinds
	}
	mux := NewMultiplexer(&cfg, nil)
	mux.Start()
	t.Cleanup(mux.Stop)

	failures := make(chan error, 1)
	tr := NewTransport("fs1", &cfg, mux, farm.Dial, nil)
	tr.SetHandlers(nil, func(_ *Transport, err error) { failures <- err }, nil)
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr, failures
}

func echoRequest(id uint64) []byte {
	h := &Header{Command: SMB2_ECHO, Credits: 1, MessageID: id}
	return h.Marshal(make([]byte, 4))
}

func requireEcho(t *testing.T, msg []byte, id uint64) {
	t.Helper()
	h, _, err := ParseHeader(msg)
	require.NoError(t, err)
	assert.True(t, h.IsResponse())
	assert.Equal(t, uint16(SMB2_ECHO), h.Command)
	assert.Equal(t, id, h.MessageID)
}

func TestTransport_CallDuringSetupAndConnected(t *testing.T) {
	farm := NewMockDialect()
	farm.AddHost("fs1", "10.0.0.1")
	tr, _ := newTestTransport(t, farm)
	ctx := context.Background()

	require.NoError(t, tr.Connect(ctx, []string{"10.0.0.1"}))
	assert.Equal(t, StateSettingUp, tr.State())
	assert.Equal(t, TransportDirectTCP, tr.Kind())
	assert.Equal(t, "10.0.0.1:445", tr.RemoteAddr())
	assert.False(t, tr.Healthy())

	msg, err := tr.Call(ctx, echoRequest(1))
	require.NoError(t, err)
	requireEcho(t, msg, 1)

	require.NoError(t, tr.MarkConnected())
	assert.True(t, tr.Healthy())
	assert.Equal(t, 1, tr.mux.Len())

	// Once connected, replies arrive through the multiplexer.
	for id := uint64(2); id < 5; id++ {
		msg, err = tr.Call(ctx, echoRequest(id))
		require.NoError(t, err)
		requireEcho(t, msg, id)
	}

	require.NoError(t, tr.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Equal(t, 0, tr.mux.Len())
	_, err = tr.Call(ctx, echoRequest(9))
	assert.ErrorIs(t, err, ErrReconnectRequired)
}

func TestTransport_NetBIOS(t *testing.T) {
	farm := NewMockDialect()
	farm.AddHost("fs1", "10.0.0.1")
	tr, _ := newTestTransport(t, farm, TransportNetBIOS)
	ctx := context.Background()

	require.NoError(t, tr.Connect(ctx, []string{"10.0.0.1"}))
	assert.Equal(t, TransportNetBIOS, tr.Kind())
	assert.Equal(t, "10.0.0.1:139", tr.RemoteAddr())

	msg, err := tr.Call(ctx, echoRequest(7))
	require.NoError(t, err)
	requireEcho(t, msg, 7)
}

func TestTransport_KindPriority(t *testing.T) {
	farm := NewMockDialect()
	farm.AddHost("fs1", "10.0.0.1")
	tr, _ := newTestTransport(t, farm, TransportNetBIOS, TransportDirectTCP)

	require.NoError(t, tr.Connect(context.Background(), []string{"10.0.0.1"}))
	assert.Equal(t, TransportDirectTCP, tr.Kind(), "direct TCP outranks NetBIOS")
}

func TestTransport_ConnectFailure(t *testing.T) {
	farm := NewMockDialect()
	h := farm.AddHost("fs1", "10.0.0.1")
	farm.SetDown(h, true)
	tr, _ := newTestTransport(t, farm)

	err := tr.Connect(context.Background(), []string{"10.0.0.1", "10.0.0.2"})
	assert.ErrorIs(t, err, ErrMountFailed)
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestTransport_FailureCallback(t *testing.T) {
	farm := NewMockDialect()
	h := farm.AddHost("fs1", "10.0.0.1")
	tr, failures := newTestTransport(t, farm)
	ctx := context.Background()

	require.NoError(t, tr.Connect(ctx, []string{"10.0.0.1"}))
	require.NoError(t, tr.MarkConnected())

	farm.BreakConnection(h)
	select {
	case err := <-failures:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler not called")
	}
	assert.False(t, tr.Healthy())
	assert.ErrorIs(t, tr.Send(ctx, echoRequest(1)), ErrReconnectRequired)

	// A disconnected transport can connect again.
	require.NoError(t, tr.Disconnect(ctx))
	require.NoError(t, tr.Connect(ctx, []string{"10.0.0.1"}))
	require.NoError(t, tr.MarkConnected())
	assert.True(t, tr.Healthy())
}

func TestEncodeNetBIOSName(t *testing.T) {
	enc := encodeNetBIOSName("fs1", 0x20)
	require.Len(t, enc, 34)
	assert.Equal(t, byte(32), enc[0])
	assert.Equal(t, byte(0), enc[33])
	// 'F' is 0x46: nibbles 4 and 6.
	assert.Equal(t, "EG", string(enc[1:3]))
	// Padding spaces encode as "CA"; the suffix 0x20 as well.
	assert.Equal(t, "CA", string(enc[31:33]))

	long := encodeNetBIOSName("averyveryverylongname", 0x00)
	assert.Len(t, long, 34)
	assert.Equal(t, "AA", string(long[31:33]))
}
