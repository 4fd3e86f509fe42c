package smbdfs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient returns a client wired to farm with short timeouts.
func newTestClient(t *testing.T, farm *MockDialect, opts ...func(*Config)) *Client {
	t.Helper()
	config := &Config{
		Transport: TransportConfig{
			Kinds:          []TransportKind{TransportDirectTCP},
			ConnectTimeout: 5 * time.Second,
			PollInterval:   10 * time.Millisecond,
		},
		Credits:      CreditConfig{WaitTimeout: time.Second},
		RetryPolicy:  &RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		Logger:       &NullLogger{},
		Dialect:      farm,
		HostResolver: farm,
		Dial:         farm.Dial,
	}
	for _, opt := range opts {
		opt(config)
	}
	c, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// newFileServer adds a host called name serving one share with a file.
func newFileServer(farm *MockDialect, name, addr, share string) (*MockHost, *MockShare) {
	h := farm.AddHost(name, addr)
	sh := farm.AddShare(h, share)
	farm.AddFile(sh, `reports\q3.txt`, []byte("quarter three"))
	return h, sh
}

func mustMount(t *testing.T, c *Client, local, remote string, creds *Credentials) *Mount {
	t.Helper()
	m, err := c.AddMount(context.Background(), MountSpec{LocalPath: local, Remote: remote, Credentials: creds})
	require.NoError(t, err)
	return m
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &SMB2Dialect{}, c.dialect)
	assert.Equal(t, 445, c.Config().Transport.DirectPort)
	assert.NotNil(t, c.Cache())
	assert.Empty(t, c.Servers())
	assert.Empty(t, c.Mounts())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{DFS: DFSConfig{MaxReferralLevel: 9}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_DoesNotModifyCallerConfig(t *testing.T) {
	config := &Config{Logger: &NullLogger{}}
	c, err := New(config)
	require.NoError(t, err)
	defer c.Close()
	assert.Empty(t, config.Transport.Kinds)
	assert.Equal(t, time.Duration(0), config.DFS.DefaultTTL)
}

func TestClient_SharesServerAndSession(t *testing.T) {
	farm := NewMockDialect()
	h, _ := newFileServer(farm, "fs1", "10.0.0.1", "data")
	farm.AddShare(h, "other")
	c := newTestClient(t, farm)

	a := mustMount(t, c, "/a", `\\fs1\data`, nil)
	b := mustMount(t, c, "/b", `\\fs1\other`, nil)
	// The same host reached by address is the same connection.
	ip := mustMount(t, c, "/ip", `\\10.0.0.1\data`, nil)

	assert.Equal(t, 1, farm.CountOps("negotiate", "fs1"))
	assert.Equal(t, 1, farm.CountOps("session_setup", "fs1"))
	assert.Equal(t, 2, farm.CountOps("tree_connect", "fs1"))
	require.Len(t, c.Servers(), 1)
	assert.Len(t, c.Servers()[0].Users(), 1)
	assert.Same(t, a.Share(), ip.Share())
	assert.NotSame(t, a.Share(), b.Share())
	assert.Same(t, a.Share().User(), b.Share().User())
}

func TestClient_SeparateSessionPerIdentity(t *testing.T) {
	farm := NewMockDialect()
	newFileServer(farm, "fs1", "10.0.0.1", "data")
	c := newTestClient(t, farm)

	guest := mustMount(t, c, "/guest", `\\fs1\data`, nil)
	user := mustMount(t, c, "/user", `\\fs1\data`, &Credentials{Domain: "CORP", Username: "jdoe", Password: "secret"})

	assert.Equal(t, 1, farm.CountOps("negotiate", "fs1"))
	assert.Equal(t, 2, farm.CountOps("session_setup", "fs1"))
	assert.NotSame(t, guest.Share().User(), user.Share().User())
	assert.Equal(t, `CORP\jdoe`, user.Share().User().Key())
	assert.True(t, guest.Share().User().IsGuest())
	assert.Empty(t, user.Share().User().Credentials().Password, "the client keeps only the hash")
}

func TestServerKey(t *testing.T) {
	assert.Equal(t, "10.0.0.1,10.0.0.2", serverKey("fs1", []string{"10.0.0.2", "10.0.0.1"}, false))
	assert.Equal(t, "name:fs1", serverKey("FS1", nil, false))
	assert.Equal(t, "10.0.0.1|tmp", serverKey("fs1", []string{"10.0.0.1"}, true))
}

func TestClient_Close(t *testing.T) {
	farm := NewMockDialect()
	newFileServer(farm, "fs1", "10.0.0.1", "data")
	c := newTestClient(t, farm)
	mustMount(t, c, "/data", `\\fs1\data`, nil)

	f, err := c.Open(context.Background(), "/data/reports/q3.txt", os.O_RDONLY, 0)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.False(t, f.IsOpen())
	assert.Empty(t, c.Mounts())
	assert.Empty(t, c.Servers())
	assert.Equal(t, 1, farm.CountOps("close", "fs1"))
	assert.Equal(t, 1, farm.CountOps("logoff", "fs1"))
	assert.Equal(t, 0, c.mux.Len())

	// Closing twice is harmless.
	require.NoError(t, c.Close())
}

func TestClient_Metrics(t *testing.T) {
	farm := NewMockDialect()
	newFileServer(farm, "fs1", "10.0.0.1", "data")
	reg := prometheus.NewRegistry()
	c := newTestClient(t, farm, func(config *Config) {
		config.Metrics = MetricsConfig{Enabled: true, Namespace: "test"}
		config.Registerer = reg
	})
	mustMount(t, c, "/data", `\\fs1\data`, nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["test_transport_events_total"], "transport events should be recorded: %v", names)
}
