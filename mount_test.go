package smbdfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMount_Validation(t *testing.T) {
	farm := NewMockDialect()
	newFileServer(farm, "fs1", "10.0.0.1", "data")
	c := newTestClient(t, farm)
	ctx := context.Background()

	tests := []struct {
		name string
		spec MountSpec
	}{
		{"relative local path", MountSpec{LocalPath: "data", Remote: `\\fs1\data`}},
		{"wildcard in local path", MountSpec{LocalPath: "/da*ta", Remote: `\\fs1\data`}},
		{"remote without share", MountSpec{LocalPath: "/data", Remote: `\\fs1`}},
		{"remote with sub-path", MountSpec{LocalPath: "/data", Remote: `\\fs1\data\sub`}},
		{"traversing prefix", MountSpec{LocalPath: "/data", Remote: `\\fs1\data`, Prefix: "../up"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.AddMount(ctx, tt.spec)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
	assert.Empty(t, c.Servers(), "validation happens before connecting")
}

func TestAddMount_Duplicate(t *testing.T) {
	farm := NewMockDialect()
	newFileServer(farm, "fs1", "10.0.0.1", "data")
	c := newTestClient(t, farm)

	mustMount(t, c, "/data", `\\fs1\data`, nil)
	_, err := c.AddMount(context.Background(), MountSpec{LocalPath: `\DATA\`, Remote: `\\fs1\data`})
	assert.ErrorIs(t, err, ErrExist)
	assert.Len(t, c.Mounts(), 1)
}

func TestAddMount_Failures(t *testing.T) {
	farm := NewMockDialect()
	newFileServer(farm, "fs1", "10.0.0.1", "data")
	c := newTestClient(t, farm)
	ctx := context.Background()

	_, err := c.AddMount(ctx, MountSpec{LocalPath: "/x", Remote: `\\nohost\data`})
	assert.ErrorIs(t, err, ErrMountFailed)

	_, err = c.AddMount(ctx, MountSpec{LocalPath: "/x", Remote: `\\fs1\missing`})
	assert.ErrorIs(t, err, ErrMountFailed)
	var se *StatusError
	if assert.ErrorAs(t, err, &se) {
		assert.Equal(t, STATUS_BAD_NETWORK_NAME, se.Status)
	}

	assert.Empty(t, c.Mounts())
	assert.Empty(t, c.Servers(), "failed mounts leave no connection behind")
	assert.Equal(t, 1, farm.CountOps("logoff", "fs1"))
}

func TestAddMount_LogonFailure(t *testing.T) {
	farm := NewMockDialect()
	h, _ := newFileServer(farm, "fs1", "10.0.0.1", "data")
	farm.AddUser(h, "CORP", "jdoe", "secret")
	c := newTestClient(t, farm)

	_, err := c.AddMount(context.Background(), MountSpec{
		LocalPath:   "/data",
		Remote:      `\\fs1\data`,
		Credentials: &Credentials{Domain: "CORP", Username: "jdoe", Password: "wrong"},
	})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Empty(t, c.Servers())

	m := mustMount(t, c, "/data", `\\fs1\data`, &Credentials{Domain: "corp", Username: "JDOE", Password: "secret"})
	assert.False(t, m.Share().User().IsGuest())
}

func TestFindMount(t *testing.T) {
	farm := NewMockDialect()
	h, _ := newFileServer(farm, "fs1", "10.0.0.1", "data")
	farm.AddShare(h, "sub")
	c := newTestClient(t, farm)

	data := mustMount(t, c, "/data", `\\fs1\data`, nil)
	sub := mustMount(t, c, "/data/sub", `\\fs1\sub`, nil)

	tests := []struct {
		path  string
		mount *Mount
		rest  string
	}{
		{"/data", data, ""},
		{"/data/reports/q3.txt", data, "reports/q3.txt"},
		{"/data/sub/x/y", sub, "x/y"},
		{`\Data\Sub`, sub, ""},
		{"/data/subway", data, "subway"},
	}
	for _, tt := range tests {
		m, rest, err := c.FindMount(tt.path)
		require.NoError(t, err, tt.path)
		assert.Same(t, tt.mount, m, tt.path)
		assert.Equal(t, tt.rest, rest, tt.path)
	}

	_, _, err := c.FindMount("/datax")
	assert.ErrorIs(t, err, ErrNotFound)

	mounts := c.Mounts()
	require.Len(t, mounts, 2)
	assert.Equal(t, "/data", mounts[0].LocalPath())
	assert.Equal(t, "/data/sub", mounts[1].LocalPath())
}

func TestMount_Prefix(t *testing.T) {
	farm := NewMockDialect()
	newFileServer(farm, "fs1", "10.0.0.1", "data")
	c := newTestClient(t, farm)

	_, err := c.AddMount(context.Background(), MountSpec{LocalPath: "/reports", Remote: "//fs1/data", Prefix: "reports"})
	require.NoError(t, err)

	info, err := c.Stat(context.Background(), "/reports/q3.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len("quarter three")), info.Size())
}

func TestRemoveMount_ReleasesConnection(t *testing.T) {
	farm := NewMockDialect()
	newFileServer(farm, "fs1", "10.0.0.1", "data")
	c := newTestClient(t, farm)
	mustMount(t, c, "/data", `\\fs1\data`, nil)
	require.Len(t, c.Servers(), 1)

	require.NoError(t, c.RemoveMount("/data"))
	assert.Empty(t, c.Mounts())
	assert.Empty(t, c.Servers())
	assert.Equal(t, 1, farm.CountOps("tree_disconnect", "fs1"))
	assert.Equal(t, 1, farm.CountOps("logoff", "fs1"))
	assert.Equal(t, 1, farm.CountOps("free_context", "fs1"))

	assert.ErrorIs(t, c.RemoveMount("/data"), ErrNotFound)
}

func TestRemoveMount_KeepsSharedConnection(t *testing.T) {
	farm := NewMockDialect()
	h, _ := newFileServer(farm, "fs1", "10.0.0.1", "data")
	farm.AddShare(h, "other")
	c := newTestClient(t, farm)
	mustMount(t, c, "/a", `\\fs1\data`, nil)
	b := mustMount(t, c, "/b", `\\fs1\other`, nil)

	require.NoError(t, c.RemoveMount("/a"))
	assert.Equal(t, 1, farm.CountOps("tree_disconnect", "fs1"))
	assert.Equal(t, 0, farm.CountOps("logoff", "fs1"))
	require.Len(t, c.Servers(), 1)
	assert.True(t, b.Share().Connected())
}

// newDFSFarm builds a namespace root \\fs1\dfs whose link projects points
// at \\fs2\projects and \\fs3\projects.
func newDFSFarm() (farm *MockDialect, fs1, fs2, fs3 *MockHost) {
	farm = NewMockDialect()
	fs1 = farm.AddHost("fs1", "10.0.0.1")
	root := farm.AddDFSRoot(fs1, "dfs")
	farm.AddFile(root, "readme.txt", []byte("root"))
	farm.AddReferral(fs1, `\fs1\dfs\projects`, false, 0, `\fs2\projects`, `\fs3\projects`)

	fs2, p2 := newFileServer(farm, "fs2", "10.0.0.2", "projects")
	farm.AddFile(p2, "a.txt", []byte("from fs2"))
	fs3, p3 := newFileServer(farm, "fs3", "10.0.0.3", "projects")
	farm.AddFile(p3, "a.txt", []byte("from fs3"))
	return farm, fs1, fs2, fs3
}

func TestMount_ExtraSharesHeldOnce(t *testing.T) {
	farm, _, _, _ := newDFSFarm()
	c := newTestClient(t, farm)
	m := mustMount(t, c, "/ns", `\\fs1\dfs`, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Stat(ctx, "/ns/projects/a.txt")
		require.NoError(t, err)
	}

	extras := m.ExtraShares()
	require.Len(t, extras, 1)
	sh := extras[0]
	assert.Equal(t, `\\fs2\projects`, sh.UNC())
	assert.Equal(t, 1, sh.user.shares.refCount(sh.id), "only the mount holds the DFS share")
	assert.Len(t, c.Servers(), 2)

	require.NoError(t, c.RemoveMount("/ns"))
	assert.Empty(t, c.Servers())
	assert.Equal(t, 1, farm.CountOps("logoff", "fs2"))
}
