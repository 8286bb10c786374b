package tarfs

import (
	"context"
	"io"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/st3iny/tarfs/internal/cache"
	"github.com/st3iny/tarfs/internal/tree"
)

// dirNode is the InodeEmbedder for a tree.Directory. Lookup is answered
// by go-fuse from the Inode children added once in Root.OnAdd, so
// dirNode itself only needs to serve Getattr and Readdir.
type dirNode struct {
	fs.Inode
	noXattr

	node *tree.Directory
}

var (
	_ fs.NodeGetattrer = (*dirNode)(nil)
	_ fs.NodeReaddirer = (*dirNode)(nil)
)

func (n *dirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = n.node.Attr()
	return fs.OK
}

func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return dirStream(n.node), fs.OK
}

// fileNode is the InodeEmbedder for a tree.File. Its content is not
// held in memory; Open materializes it through the cache and hands the
// resulting *os.File to a fileHandle.
type fileNode struct {
	fs.Inode
	noXattr

	node  *tree.File
	cache *cache.Cache
}

var (
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
)

func (n *fileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = n.node.Attr()
	return fs.OK
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	f, err := n.cache.Open(n.node.Path())
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &fileHandle{file: f}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

// fileHandle backs one open instance of a materialized cache file.
type fileHandle struct {
	file *os.File
}

var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.file.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, toErrno(err)
	}
	return &fuse.ReadResultData{Data: dest[:n]}, fs.OK
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.file.Close(); err != nil {
		return toErrno(err)
	}
	return fs.OK
}

// symlinkNode is the InodeEmbedder for a tree.Symlink.
type symlinkNode struct {
	fs.Inode
	noXattr

	node *tree.Symlink
}

var (
	_ fs.NodeGetattrer = (*symlinkNode)(nil)
	_ fs.NodeReadlinker = (*symlinkNode)(nil)
)

func (n *symlinkNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = n.node.Attr()
	return fs.OK
}

func (n *symlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return n.node.Target(), fs.OK
}
