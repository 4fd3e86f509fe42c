package smbdfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpsClient(t *testing.T) (*Client, *MockDialect, *MockShare) {
	t.Helper()
	farm := NewMockDialect()
	_, sh := newFileServer(farm, "fs1", "10.0.0.1", "data")
	c := newTestClient(t, farm)
	mustMount(t, c, "/data", `\\fs1\data`, nil)
	return c, farm, sh
}

func TestOpen_ReadWrite(t *testing.T) {
	c, farm, sh := newOpsClient(t)
	ctx := context.Background()

	f, err := c.Open(ctx, "/data/new.txt", os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	pos, err := f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, f.Close())

	content, ok := farm.FileContent(sh, "new.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(content))

	// Reading a closed file fails.
	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestOpen_Append(t *testing.T) {
	c, farm, sh := newOpsClient(t)
	ctx := context.Background()

	f, err := c.Open(ctx, "/data/reports/q3.txt", os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte(" final"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	content, _ := farm.FileContent(sh, `reports\q3.txt`)
	assert.Equal(t, "quarter three final", string(content))
}

func TestOpen_Truncate(t *testing.T) {
	c, farm, sh := newOpsClient(t)

	f, err := c.Open(context.Background(), "/data/reports/q3.txt", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	content, ok := farm.FileContent(sh, `reports\q3.txt`)
	require.True(t, ok)
	assert.Empty(t, content)
}

func TestOpen_Errors(t *testing.T) {
	c, _, _ := newOpsClient(t)
	ctx := context.Background()

	_, err := c.Open(ctx, "/data/reports/q3.txt", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	assert.ErrorIs(t, err, fs.ErrExist)

	_, err = c.Open(ctx, "/data/nope.txt", os.O_RDONLY, 0)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = c.Open(ctx, "/data/no/such/dir.txt", os.O_RDWR|os.O_CREATE, 0644)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = c.Open(ctx, "/elsewhere/file", os.O_RDONLY, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Open(ctx, "/data/../etc/passwd", os.O_RDONLY, 0)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestFile_Seek(t *testing.T) {
	c, _, _ := newOpsClient(t)
	f, err := c.Open(context.Background(), "/data/reports/q3.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	pos, err := f.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len("quarter three")-5), pos)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "three", string(data))

	pos, err = f.Seek(-4, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(len("quarter three")-4), pos)

	_, err = f.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, fs.ErrInvalid)

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, "q3.txt", info.Name())
}

func TestMkdirAndReadDir(t *testing.T) {
	c, _, _ := newOpsClient(t)
	ctx := context.Background()

	require.NoError(t, c.Mkdir(ctx, "/data/archive", 0755))
	assert.ErrorIs(t, c.Mkdir(ctx, "/data/archive", 0755), fs.ErrExist)

	info, err := c.Stat(ctx, "/data/archive")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := c.ReadDir(ctx, "/data")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"archive", "reports"}, names)

	_, err = c.ReadDir(ctx, "/data/reports/q3.txt")
	assert.Error(t, err)
}

func TestOpenSearch_Pattern(t *testing.T) {
	c, farm, sh := newOpsClient(t)
	farm.AddFile(sh, `reports\notes.md`, []byte("n"))
	farm.AddFile(sh, `reports\q4.txt`, []byte("q4"))
	ctx := context.Background()

	s, err := c.OpenSearch(ctx, "/data/reports", "*.TXT")
	require.NoError(t, err)
	entries, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"q3.txt", "q4.txt"}, names)

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestRemove(t *testing.T) {
	c, farm, sh := newOpsClient(t)
	ctx := context.Background()

	err := c.Remove(ctx, "/data/reports")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, STATUS_DIRECTORY_NOT_EMPTY, se.Status)
	assert.True(t, farm.Exists(sh, "reports"))

	require.NoError(t, c.Remove(ctx, "/data/reports/q3.txt"))
	assert.False(t, farm.Exists(sh, `reports\q3.txt`))
	require.NoError(t, c.Remove(ctx, "/data/reports"))
	assert.False(t, farm.Exists(sh, "reports"))

	assert.ErrorIs(t, c.Remove(ctx, "/data/reports"), fs.ErrNotExist)
}

func TestFile_DeleteOnClose(t *testing.T) {
	c, farm, sh := newOpsClient(t)
	ctx := context.Background()

	f, err := c.Open(ctx, "/data/reports/q3.txt", os.O_RDWR, 0)
	require.NoError(t, err)
	require.NoError(t, f.SetDeleteOnClose(ctx, true))
	assert.True(t, f.DeleteOnClose())
	assert.True(t, farm.Exists(sh, `reports\q3.txt`))
	require.NoError(t, f.Close())
	assert.False(t, farm.Exists(sh, `reports\q3.txt`))
}

func TestRename(t *testing.T) {
	c, farm, sh := newOpsClient(t)
	farm.AddFile(sh, "other.txt", []byte("other"))
	ctx := context.Background()

	require.NoError(t, c.Rename(ctx, "/data/reports/q3.txt", "/data/q3.txt", false))
	assert.False(t, farm.Exists(sh, `reports\q3.txt`))
	assert.True(t, farm.Exists(sh, "q3.txt"))

	err := c.Rename(ctx, "/data/q3.txt", "/data/other.txt", false)
	assert.ErrorIs(t, err, fs.ErrExist)

	require.NoError(t, c.Rename(ctx, "/data/q3.txt", "/data/other.txt", true))
	content, _ := farm.FileContent(sh, "other.txt")
	assert.Equal(t, "quarter three", string(content))
}

func TestRename_Directory(t *testing.T) {
	c, farm, sh := newOpsClient(t)

	require.NoError(t, c.Rename(context.Background(), "/data/reports", "/data/old", false))
	assert.True(t, farm.Exists(sh, `old\q3.txt`))
	assert.False(t, farm.Exists(sh, "reports"))
}

func TestRename_CreateBeforeMove(t *testing.T) {
	c, farm, sh := newOpsClient(t)
	farm.SetQuirks(Quirks{CreateBeforeMove: true})
	creates := farm.CountOps("create", "fs1")

	require.NoError(t, c.Rename(context.Background(), "/data/reports/q3.txt", "/data/moved.txt", false))
	assert.True(t, farm.Exists(sh, "moved.txt"))
	assert.Equal(t, creates+1, farm.CountOps("create", "fs1"))
	assert.Equal(t, 1, farm.CountOps("close", "fs1"))
}

func TestRename_AcrossMounts(t *testing.T) {
	farm := NewMockDialect()
	h, _ := newFileServer(farm, "fs1", "10.0.0.1", "data")
	farm.AddShare(h, "other")
	c := newTestClient(t, farm)
	mustMount(t, c, "/a", `\\fs1\data`, nil)
	mustMount(t, c, "/b", `\\fs1\other`, nil)

	err := c.Rename(context.Background(), "/a/reports/q3.txt", "/b/q3.txt", false)
	assert.ErrorIs(t, err, ErrNotSameDevice)
	assert.Equal(t, 0, farm.CountOps("rename", ""))
}

func TestRename_AcrossDFSTargets(t *testing.T) {
	farm, _, _, _ := newDFSFarm()
	c := newTestClient(t, farm)
	mustMount(t, c, "/ns", `\\fs1\dfs`, nil)

	err := c.Rename(context.Background(), "/ns/projects/a.txt", "/ns/a.txt", false)
	assert.ErrorIs(t, err, ErrNotSameDevice)
}

func TestSetAttributes(t *testing.T) {
	c, farm, sh := newOpsClient(t)
	ctx := context.Background()

	size := int64(7)
	require.NoError(t, c.SetAttributes(ctx, "/data/reports/q3.txt", &SetAttributes{Size: &size}))
	content, _ := farm.FileContent(sh, `reports\q3.txt`)
	assert.Equal(t, "quarter", string(content))

	mode := fs.FileMode(0444)
	require.NoError(t, c.SetAttributes(ctx, "/data/reports/q3.txt", &SetAttributes{Mode: &mode}))
	info, err := c.Stat(ctx, "/data/reports/q3.txt")
	require.NoError(t, err)
	assert.True(t, info.Attributes.IsReadOnly())
	assert.Equal(t, fs.FileMode(0444), info.Mode().Perm())

	require.NoError(t, c.SetAttributes(ctx, "/data/reports/q3.txt", nil))
	assert.ErrorIs(t, c.SetAttributes(ctx, "/data/gone.txt", &SetAttributes{Size: &size}), fs.ErrNotExist)
}

func TestStatfs(t *testing.T) {
	c, _, _ := newOpsClient(t)

	info, err := c.Statfs(context.Background(), "/data/reports")
	require.NoError(t, err)
	assert.Equal(t, "data", info.Label)
	assert.Equal(t, uint64(4096)<<20, info.TotalBytes())
	assert.Less(t, info.FreeBytes(), info.TotalBytes())
}

func TestEcho(t *testing.T) {
	c, farm, _ := newOpsClient(t)
	require.NoError(t, c.Echo(context.Background(), "/data"))
	assert.Equal(t, 1, farm.CountOps("echo", "fs1"))
}
