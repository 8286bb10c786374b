// Package tarfs adapts the immutable tree built by internal/tree into
// a go-fuse filesystem: it translates kernel upcalls into tree lookups
// and cache reads, and otherwise behaves as a strictly read-only
// filesystem.
package tarfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/st3iny/tarfs/internal/cache"
	"github.com/st3iny/tarfs/internal/tree"
)

// Root is the entry point InodeEmbedder for a mounted archive. It
// walks the pre-built tree exactly once, on OnAdd, registering a
// persistent *fs.Inode per tree.Node and reusing the same *fs.Inode for
// every occurrence of a hard-linked File or Symlink.
type Root struct {
	fs.Inode
	noXattr

	tree  *tree.Directory
	cache *cache.Cache
}

var (
	_ fs.InodeEmbedder = (*Root)(nil)
	_ fs.NodeOnAdder    = (*Root)(nil)
	_ fs.NodeGetattrer  = (*Root)(nil)
	_ fs.NodeReaddirer  = (*Root)(nil)
)

// NewRoot returns the root InodeEmbedder for t, materializing regular
// files on demand through c.
func NewRoot(t *tree.Directory, c *cache.Cache) *Root {
	return &Root{tree: t, cache: c}
}

func (r *Root) OnAdd(ctx context.Context) {
	seen := make(map[tree.Node]*fs.Inode)
	populate(ctx, &r.Inode, r.tree, r.cache, seen)
}

func (r *Root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = r.tree.Attr()
	return fs.OK
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return dirStream(r.tree), fs.OK
}

// populate recursively adds parent's children as persistent inodes.
// Nodes already seen (hard-link targets) are re-attached by pointer
// instead of being rebuilt, so the kernel sees one inode shared across
// every name that references it.
func populate(ctx context.Context, parent *fs.Inode, dir *tree.Directory, c *cache.Cache, seen map[tree.Node]*fs.Inode) {
	for _, child := range dir.Children() {
		identity := identityOf(child)

		if ino, ok := seen[identity]; ok {
			parent.AddChild(child.Name(), ino, false)
			continue
		}

		var embedder fs.InodeEmbedder
		var mode uint32
		switch n := identity.(type) {
		case *tree.Directory:
			embedder = &dirNode{node: n}
			mode = syscall.S_IFDIR
		case *tree.File:
			embedder = &fileNode{node: n, cache: c}
			mode = syscall.S_IFREG
		case *tree.Symlink:
			embedder = &symlinkNode{node: n}
			mode = syscall.S_IFLNK
		default:
			continue
		}

		ino := parent.NewPersistentInode(ctx, embedder, fs.StableAttr{Mode: mode, Ino: identity.ID()})
		parent.AddChild(child.Name(), ino, false)
		seen[identity] = ino

		if sub, ok := identity.(*tree.Directory); ok {
			populate(ctx, ino, sub, c, seen)
		}
	}
}

// identityOf unwraps a HardLink to the File or Symlink it resolves to,
// so hard-linked names collapse onto the same populate/seen entry.
// Every other node kind is its own identity.
func identityOf(n tree.Node) tree.Node {
	if hl, ok := n.(*tree.HardLink); ok {
		return hl.Target()
	}
	return n
}

// dirStream builds the DirStream for dir's children in the order
// tree.Directory.Children returns them.
func dirStream(dir *tree.Directory) fs.DirStream {
	children := dir.Children()
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		entries = append(entries, fuse.DirEntry{
			Name: c.Name(),
			Ino:  c.ID(),
			Mode: modeOf(c),
		})
	}
	return fs.NewListDirStream(entries)
}

func modeOf(n tree.Node) uint32 {
	switch identityOf(n).(type) {
	case *tree.Directory:
		return syscall.S_IFDIR
	case *tree.Symlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// noXattr answers every getxattr/listxattr upcall with ENOSYS: extended
// attributes are signaled unimplemented, not emulated.
type noXattr struct{}

var (
	_ fs.NodeGetxattrer  = noXattr{}
	_ fs.NodeListxattrer = noXattr{}
)

func (noXattr) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOSYS
}

func (noXattr) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOSYS
}
