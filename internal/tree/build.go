package tree

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os/user"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrMalformedEntry names an archive entry that cannot be resolved to
// owner/permission data at all. Build does not return it: such entries,
// like those with missing names, missing link targets, or missing
// parents, are logged and skipped.
var ErrMalformedEntry = errors.New("malformed archive entry")

// Options configures tree construction.
type Options struct {
	// RootMtime is stamped on the synthetic root directory. If zero,
	// the caller should set it to the archive file's own mtime.
	RootMtime time.Time
	// RootUID, RootGID seed the root directory's ownership when no
	// per-entry override applies to it (the root has no archive
	// entry of its own).
	RootUID, RootGID uint32

	// NumericOwner, if true, ignores header user/group names and
	// uses the raw numeric uid/gid.
	NumericOwner bool

	// ForceUID / ForceGID, if non-nil, override every entry's
	// owner.
	ForceUID, ForceGID *uint32

	// ForceMode, if non-nil, overrides every entry's 9-bit
	// permission mode. For directories, read bits are additionally
	// propagated into execute bits.
	ForceMode *uint32
}

type pendingLink struct {
	parentPath string
	name       string
	path       string
	targetPath string
}

// Build consumes tr exactly once and returns the root directory of the
// resulting tree.
func Build(tr *tar.Reader, opts Options) (*Directory, error) {
	root := newDirectory(RootID, "", "", 0o755, opts.RootMtime, opts.RootUID, opts.RootGID)
	byPath := map[string]Node{"": root}

	var pending []pendingLink
	nextID := uint64(RootID + 1)

	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive entry %d: %w", i, err)
		}

		entryPath := canonicalizePath(hdr.Name)
		if entryPath == "" {
			logrus.WithField("index", i).Warn("tree: skipping entry with no name component")
			continue
		}

		parentPath, name := splitParent(entryPath)
		parentNode, ok := byPath[parentPath]
		if !ok {
			logrus.WithFields(logrus.Fields{"path": entryPath, "parent": parentPath}).
				Warn("tree: skipping orphaned entry, parent directory not found")
			continue
		}
		parentDir, ok := parentNode.(*Directory)
		if !ok {
			logrus.WithFields(logrus.Fields{"path": entryPath, "parent": parentPath}).
				Warn("tree: skipping entry whose parent is not a directory")
			continue
		}

		if hdr.Typeflag == tar.TypeLink {
			target := canonicalizePath(hdr.Linkname)
			pending = append(pending, pendingLink{parentPath: parentPath, name: name, path: entryPath, targetPath: target})
			continue
		}

		uid, gid, err := resolveOwner(hdr, opts)
		if err != nil {
			logrus.WithError(err).WithField("path", entryPath).Warn("tree: skipping entry, failed to resolve owner")
			continue
		}
		perm := resolveMode(uint32(hdr.Mode), opts, hdr.Typeflag == tar.TypeDir)
		mtime := hdr.ModTime

		id := nextID
		var node Node
		switch hdr.Typeflag {
		case tar.TypeDir:
			d := newDirectory(id, name, entryPath, perm, mtime, uid, gid)
			node = d
		case tar.TypeReg, tar.TypeRegA:
			node = newFile(id, name, entryPath, uint64(hdr.Size), perm, mtime, uid, gid, i)
		case tar.TypeSymlink:
			if hdr.Linkname == "" {
				logrus.WithField("path", entryPath).Warn("tree: skipping symlink with no target")
				continue
			}
			node = newSymlink(id, name, entryPath, []byte(hdr.Linkname), mtime, uid, gid)
		default:
			logrus.WithFields(logrus.Fields{"path": entryPath, "type": hdr.Typeflag}).
				Warn("tree: skipping unsupported entry type")
			continue
		}

		nextID++
		parentDir.addChild(name, node)
		byPath[entryPath] = node
	}

	for _, link := range pending {
		targetNode, ok := byPath[link.targetPath]
		if !ok {
			logrus.WithField("target", link.targetPath).Warn("tree: dropping hard link to unknown target")
			continue
		}
		if hl, ok := targetNode.(*HardLink); ok {
			targetNode = hl.Target()
		}
		target, ok := targetNode.(linkable)
		if !ok {
			logrus.WithField("target", link.targetPath).Warn("tree: dropping hard link to non-file/symlink target")
			continue
		}
		parentNode, ok := byPath[link.parentPath]
		if !ok {
			logrus.WithField("parent", link.parentPath).Warn("tree: dropping hard link, parent directory not found")
			continue
		}
		parentDir, ok := parentNode.(*Directory)
		if !ok {
			logrus.WithField("parent", link.parentPath).Warn("tree: dropping hard link, parent is not a directory")
			continue
		}
		parentDir.addChild(link.name, newHardLink(link.name, link.path, target))
		target.incNlink()
	}

	return root, nil
}

// canonicalizePath strips a single leading "./" or "/" so that "./a/b",
// "/a/b" and "a/b" all resolve to the same tree location, matching the
// original implementation this spec was distilled from. It must trim an
// exact prefix, not a character cutset, or root-level dotfiles like
// ".bashrc" would lose their leading dot.
func canonicalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return path.Clean("/" + p)[1:]
}

func splitParent(p string) (parent, name string) {
	dir, base := path.Split(p)
	return strings.TrimSuffix(dir, "/"), base
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// resolveMode applies force_mode rules, or masks the raw mode to 9
// bits.
func resolveMode(raw uint32, opts Options, isDir bool) uint32 {
	if opts.ForceMode != nil {
		m := *opts.ForceMode & 0o777
		if isDir {
			m = (m&0o444)>>2 | m
		}
		return m
	}
	return raw & 0o777
}

// resolveOwner implements the force -> numeric -> name-lookup ->
// raw-numeric-fallback chain.
func resolveOwner(hdr *tar.Header, opts Options) (uid, gid uint32, err error) {
	if opts.ForceUID != nil {
		uid = *opts.ForceUID
	} else if opts.NumericOwner || hdr.Uname == "" {
		uid = uint32(hdr.Uid)
	} else if u, lookupErr := user.Lookup(hdr.Uname); lookupErr == nil {
		n, parseErr := strconv.ParseUint(u.Uid, 10, 32)
		if parseErr != nil {
			uid = uint32(hdr.Uid)
		} else {
			uid = uint32(n)
		}
	} else {
		uid = uint32(hdr.Uid)
	}

	if opts.ForceGID != nil {
		gid = *opts.ForceGID
	} else if opts.NumericOwner || hdr.Gname == "" {
		gid = uint32(hdr.Gid)
	} else if g, lookupErr := user.LookupGroup(hdr.Gname); lookupErr == nil {
		n, parseErr := strconv.ParseUint(g.Gid, 10, 32)
		if parseErr != nil {
			gid = uint32(hdr.Gid)
		} else {
			gid = uint32(n)
		}
	} else {
		gid = uint32(hdr.Gid)
	}

	return uid, gid, nil
}
