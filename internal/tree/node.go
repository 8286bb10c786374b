// Package tree builds and represents the in-memory, immutable inode
// tree that backs a mounted tar archive. The tree is constructed once,
// from a single streaming pass over the archive's entries, and is never
// mutated again once Build returns.
package tree

import (
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// RootID is the inode number reserved for the synthetic root directory,
// matching fuse.FUSE_ROOT_ID.
const RootID = fuse.FUSE_ROOT_ID

// Node is any entry in the tree: a Directory, a File, a Symlink, or a
// resolved HardLink. A HardLink carries its own name and path but
// delegates ID and Attr to the File or Symlink it resolves to, so two
// names for the same underlying data report the same inode.
type Node interface {
	ID() uint64
	Name() string
	Path() string
	Attr() fuse.Attr
}

// common fields shared by all three node shapes.
type common struct {
	id    uint64
	name  string
	path  string
	mtime time.Time
	uid   uint32
	gid   uint32
}

func (c *common) ID() uint64   { return c.id }
func (c *common) Name() string { return c.name }
func (c *common) Path() string { return c.path }

// Directory is a tree node with ordered, named children.
type Directory struct {
	common
	perm     uint32
	children []Node
	index    map[string]int // name -> first-match index into children
}

func newDirectory(id uint64, name, path string, perm uint32, mtime time.Time, uid, gid uint32) *Directory {
	return &Directory{
		common: common{id: id, name: name, path: path, mtime: mtime, uid: uid, gid: gid},
		perm:   perm,
		index:  make(map[string]int),
	}
}

// addChild appends n as a child named name, in archive-insertion order.
// If name already has a child, the new one is still appended (archives
// may legitimately contain duplicate names) but Lookup keeps resolving
// to the first one inserted.
func (d *Directory) addChild(name string, n Node) {
	d.children = append(d.children, n)
	if _, exists := d.index[name]; !exists {
		d.index[name] = len(d.children) - 1
	}
}

// Children returns this directory's children in insertion order: archive
// order, except that hard links, resolved after the archive pass, follow
// all other entries.
func (d *Directory) Children() []Node {
	return d.children
}

// Lookup finds the (first, by insertion order) child named name.
func (d *Directory) Lookup(name string) (Node, bool) {
	idx, ok := d.index[name]
	if !ok {
		return nil, false
	}
	return d.children[idx], true
}

// Walk descends from d following the / separated components of path.
// An empty path returns d itself.
func (d *Directory) Walk(path string) (Node, bool) {
	if path == "" {
		return d, true
	}
	var cur Node = d
	for _, comp := range splitPath(path) {
		dir, ok := cur.(*Directory)
		if !ok {
			return nil, false
		}
		child, ok := dir.Lookup(comp)
		if !ok {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

// Find performs a recursive O(N) search for id, as permitted by the
// design for callers that don't have access to a precomputed index.
func (d *Directory) Find(id uint64) (Node, bool) {
	if d.id == id {
		return d, true
	}
	for _, child := range d.children {
		if child.ID() == id {
			return child, true
		}
		if sub, ok := child.(*Directory); ok {
			if n, ok := sub.Find(id); ok {
				return n, true
			}
		}
	}
	return nil, false
}

func (d *Directory) Attr() fuse.Attr {
	return fuse.Attr{
		Ino:   d.id,
		Mode:  fuseDirMode | d.perm,
		Nlink: 1,
		Uid:   d.uid,
		Gid:   d.gid,
		Atime: uint64(d.mtime.Unix()),
		Mtime: uint64(d.mtime.Unix()),
		Ctime: uint64(d.mtime.Unix()),
	}
}

// File is a regular-file tree node.
type File struct {
	common
	size         uint64
	perm         uint32
	archiveIndex int
	nlink        atomic.Int32
}

func newFile(id uint64, name, path string, size uint64, perm uint32, mtime time.Time, uid, gid uint32, archiveIndex int) *File {
	f := &File{
		common:       common{id: id, name: name, path: path, mtime: mtime, uid: uid, gid: gid},
		size:         size,
		perm:         perm,
		archiveIndex: archiveIndex,
	}
	f.nlink.Store(1)
	return f
}

// ArchiveIndex is the zero-based ordinal of this entry within a fresh
// forward iteration of the archive.
func (f *File) ArchiveIndex() int { return f.archiveIndex }

// Size is the entry's declared byte length.
func (f *File) Size() uint64 { return f.size }

func (f *File) incNlink() { f.nlink.Add(1) }

func (f *File) Attr() fuse.Attr {
	return fuse.Attr{
		Ino:   f.id,
		Size:  f.size,
		Mode:  fuseRegMode | f.perm,
		Nlink: uint32(f.nlink.Load()),
		Uid:   f.uid,
		Gid:   f.gid,
		Atime: uint64(f.mtime.Unix()),
		Mtime: uint64(f.mtime.Unix()),
		Ctime: uint64(f.mtime.Unix()),
	}
}

// Symlink is a symbolic-link tree node.
type Symlink struct {
	common
	target []byte
	nlink  atomic.Int32
}

func newSymlink(id uint64, name, path string, target []byte, mtime time.Time, uid, gid uint32) *Symlink {
	s := &Symlink{
		common: common{id: id, name: name, path: path, mtime: mtime, uid: uid, gid: gid},
		target: target,
	}
	s.nlink.Store(1)
	return s
}

// Target is the raw bytes of the link's destination.
func (s *Symlink) Target() []byte { return s.target }

func (s *Symlink) incNlink() { s.nlink.Add(1) }

func (s *Symlink) Attr() fuse.Attr {
	return fuse.Attr{
		Ino:   s.id,
		Size:  uint64(len(s.target)),
		Mode:  fuseLnkMode | 0o777,
		Nlink: uint32(s.nlink.Load()),
		Uid:   s.uid,
		Gid:   s.gid,
		Atime: uint64(s.mtime.Unix()),
		Mtime: uint64(s.mtime.Unix()),
		Ctime: uint64(s.mtime.Unix()),
	}
}

// linkable is implemented by node kinds a hard link may target.
type linkable interface {
	Node
	incNlink()
}

// HardLink is a second directory entry for an already-existing File or
// Symlink. It has its own name and path, matching the archive entry
// that declared it, but ID and Attr delegate to the shared target so
// both names resolve to the same inode.
type HardLink struct {
	name   string
	path   string
	target linkable
}

func newHardLink(name, path string, target linkable) *HardLink {
	return &HardLink{name: name, path: path, target: target}
}

func (h *HardLink) ID() uint64      { return h.target.ID() }
func (h *HardLink) Name() string    { return h.name }
func (h *HardLink) Path() string    { return h.path }
func (h *HardLink) Attr() fuse.Attr { return h.target.Attr() }

// Target returns the File or Symlink this hard link resolves to.
func (h *HardLink) Target() Node { return h.target }

const (
	fuseDirMode = syscall.S_IFDIR
	fuseRegMode = syscall.S_IFREG
	fuseLnkMode = syscall.S_IFLNK
)
