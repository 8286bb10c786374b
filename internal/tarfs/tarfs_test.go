package tarfs

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"github.com/st3iny/tarfs/internal/cache"
	"github.com/st3iny/tarfs/internal/tree"
)

func buildArchive(t *testing.T) (*tree.Directory, *cache.Cache) {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(hdr *tar.Header, body string) {
		hdr.Size = int64(len(body))
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0o755}))
	write(&tar.Header{Name: "dir/a.txt", Typeflag: tar.TypeReg, Mode: 0o644}, "hello")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "dir/link", Typeflag: tar.TypeLink, Linkname: "dir/a.txt"}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "dir/sym", Typeflag: tar.TypeSymlink, Linkname: "a.txt"}))
	require.NoError(t, tw.Close())
	data := buf.Bytes()

	root, err := tree.Build(tar.NewReader(bytes.NewReader(data)), tree.Options{})
	require.NoError(t, err)

	c := cache.New(t.TempDir(), "archive.tar", func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	return root, c
}

func TestFileNodeOpenReadRelease(t *testing.T) {
	root, c := buildArchive(t)

	dirNode, ok := root.Lookup("dir")
	require.True(t, ok)
	aNode, ok := dirNode.(*tree.Directory).Lookup("a.txt")
	require.True(t, ok)

	fn := &fileNode{node: aNode.(*tree.File), cache: c}
	handle, _, errno := fn.Open(context.Background(), 0)
	require.Equal(t, syscall.Errno(0), errno)

	h := handle.(*fileHandle)
	buf := make([]byte, 5)
	res, errno := h.Read(context.Background(), buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	b, status := res.Bytes(buf)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, "hello", string(b))

	require.Equal(t, syscall.Errno(0), h.Release(context.Background()))
}

func TestFileNodeOpenRejectsWrite(t *testing.T) {
	root, c := buildArchive(t)
	dirNode, _ := root.Lookup("dir")
	aNode, _ := dirNode.(*tree.Directory).Lookup("a.txt")

	fn := &fileNode{node: aNode.(*tree.File), cache: c}
	_, _, errno := fn.Open(context.Background(), syscall.O_WRONLY)
	require.Equal(t, syscall.EROFS, errno)
}

func TestSymlinkNodeReadlink(t *testing.T) {
	root, _ := buildArchive(t)
	dirNode, _ := root.Lookup("dir")
	symNode, ok := dirNode.(*tree.Directory).Lookup("sym")
	require.True(t, ok)

	sn := &symlinkNode{node: symNode.(*tree.Symlink)}
	target, errno := sn.Readlink(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, "a.txt", string(target))
}

func TestDirStreamOrder(t *testing.T) {
	root, _ := buildArchive(t)
	dirNode, _ := root.Lookup("dir")
	stream := dirStream(dirNode.(*tree.Directory))

	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"a.txt", "sym", "link"}, names)
}

func TestNoXattrReturnsENOSYS(t *testing.T) {
	var nx noXattr
	_, errno := nx.Getxattr(context.Background(), "user.foo", nil)
	require.Equal(t, syscall.ENOSYS, errno)
	_, errno = nx.Listxattr(context.Background(), nil)
	require.Equal(t, syscall.ENOSYS, errno)
}

func TestToErrnoTranslatesEntryNotFound(t *testing.T) {
	c := cache.New(t.TempDir(), "archive.tar", func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	})
	_, err := c.Open("missing")
	require.Error(t, err)
	require.Equal(t, syscall.ENOENT, toErrno(err))
}
