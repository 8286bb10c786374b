package tree

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixtureEntry is one entry of the declarative list buildTar turns into
// a tar stream, for use as test fixtures.
type fixtureEntry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
	mtime    time.Time
}

func buildTar(t *testing.T, entries []fixtureEntry) *tar.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Size:     int64(len(e.body)),
			Mode:     e.mode,
			Linkname: e.linkname,
			ModTime:  e.mtime,
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return tar.NewReader(&buf)
}

// S1 — plain tar, one file.
func TestBuildSingleFile(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	tr := buildTar(t, []fixtureEntry{
		{name: "hello.txt", typeflag: tar.TypeReg, body: "hi\n", mode: 0o644, mtime: mtime},
	})

	root, err := Build(tr, Options{})
	require.NoError(t, err)

	node, ok := root.Lookup("hello.txt")
	require.True(t, ok)
	f, ok := node.(*File)
	require.True(t, ok)
	require.EqualValues(t, 3, f.Size())
	attr := f.Attr()
	require.EqualValues(t, 3, attr.Size)
	require.EqualValues(t, 0o644, attr.Mode&0o777)
	require.EqualValues(t, RootID+1, f.ID())
}

// S2 — nested directories.
func TestBuildNestedDirectories(t *testing.T) {
	tr := buildTar(t, []fixtureEntry{
		{name: "a/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "a/b/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "a/b/c.txt", typeflag: tar.TypeReg, body: "xxxxxxxxxx"},
	})

	root, err := Build(tr, Options{})
	require.NoError(t, err)

	node, ok := root.Walk("a/b/c.txt")
	require.True(t, ok)
	require.Equal(t, "c.txt", node.Name())

	aNode, ok := root.Lookup("a")
	require.True(t, ok)
	aDir := aNode.(*Directory)
	children := aDir.Children()
	require.Len(t, children, 1)
	require.Equal(t, "b", children[0].Name())
}

// S3 — hard link accounting.
func TestBuildHardLink(t *testing.T) {
	tr := buildTar(t, []fixtureEntry{
		{name: "f", typeflag: tar.TypeReg, body: "abc"},
		{name: "g", typeflag: tar.TypeLink, linkname: "f"},
	})

	root, err := Build(tr, Options{})
	require.NoError(t, err)

	fNode, ok := root.Lookup("f")
	require.True(t, ok)
	gNode, ok := root.Lookup("g")
	require.True(t, ok)

	require.Equal(t, fNode.ID(), gNode.ID())
	require.EqualValues(t, 2, fNode.(*File).Attr().Nlink)
	require.EqualValues(t, 2, gNode.Attr().Nlink)

	hl, ok := gNode.(*HardLink)
	require.True(t, ok)
	require.Equal(t, "g", hl.Name())
}

// S4 — symlink.
func TestBuildSymlink(t *testing.T) {
	tr := buildTar(t, []fixtureEntry{
		{name: "l", typeflag: tar.TypeSymlink, linkname: "../target"},
	})

	root, err := Build(tr, Options{})
	require.NoError(t, err)

	node, ok := root.Lookup("l")
	require.True(t, ok)
	sym, ok := node.(*Symlink)
	require.True(t, ok)
	require.Equal(t, "../target", string(sym.Target()))
	require.EqualValues(t, len("../target"), sym.Attr().Size)
}

// S5 — forced ownership + mode.
func TestBuildForcedOwnershipAndMode(t *testing.T) {
	tr := buildTar(t, []fixtureEntry{
		{name: "a/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "a/hello.txt", typeflag: tar.TypeReg, body: "hi\n", mode: 0o644},
	})

	uid, gid, mode := uint32(1000), uint32(1000), uint32(0o640)
	root, err := Build(tr, Options{ForceUID: &uid, ForceGID: &gid, ForceMode: &mode})
	require.NoError(t, err)

	fileNode, ok := root.Walk("a/hello.txt")
	require.True(t, ok)
	fAttr := fileNode.Attr()
	require.EqualValues(t, 1000, fAttr.Uid)
	require.EqualValues(t, 1000, fAttr.Gid)
	require.EqualValues(t, 0o640, fAttr.Mode&0o777)

	dirNode, ok := root.Lookup("a")
	require.True(t, ok)
	dAttr := dirNode.Attr()
	require.EqualValues(t, 0o750, dAttr.Mode&0o777)
}

// S6 — orphan link: hard link to a missing target is dropped, no crash.
func TestBuildOrphanHardLink(t *testing.T) {
	tr := buildTar(t, []fixtureEntry{
		{name: "x", typeflag: tar.TypeLink, linkname: "missing"},
	})

	root, err := Build(tr, Options{})
	require.NoError(t, err)

	_, ok := root.Lookup("x")
	require.False(t, ok)
}

// Orphaned entries (missing parent directory) are dropped, not fatal.
func TestBuildOrphanedEntry(t *testing.T) {
	tr := buildTar(t, []fixtureEntry{
		{name: "missing-parent/file.txt", typeflag: tar.TypeReg, body: "x"},
	})

	root, err := Build(tr, Options{})
	require.NoError(t, err)
	require.Empty(t, root.Children())
}

// Duplicate names: lookup resolves to the first-inserted sibling, but
// both remain enumerable via Children.
func TestBuildDuplicateNames(t *testing.T) {
	tr := buildTar(t, []fixtureEntry{
		{name: "dup", typeflag: tar.TypeReg, body: "first"},
		{name: "dup", typeflag: tar.TypeReg, body: "second!"},
	})

	root, err := Build(tr, Options{})
	require.NoError(t, err)

	node, ok := root.Lookup("dup")
	require.True(t, ok)
	require.EqualValues(t, 5, node.(*File).Size())
	require.Len(t, root.Children(), 2)
}

// Identity stability: rebuilding the same archive twice assigns the
// same path -> id mapping.
func TestBuildIdentityStability(t *testing.T) {
	entries := []fixtureEntry{
		{name: "a/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "a/b.txt", typeflag: tar.TypeReg, body: "hello"},
	}

	root1, err := Build(buildTar(t, entries), Options{})
	require.NoError(t, err)
	root2, err := Build(buildTar(t, entries), Options{})
	require.NoError(t, err)

	n1, _ := root1.Walk("a/b.txt")
	n2, _ := root2.Walk("a/b.txt")
	require.Equal(t, n1.ID(), n2.ID())
}
