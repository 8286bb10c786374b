// Package cache materializes individual tar entries into a seekable
// scratch file on first access, so a forward-only compressed tar
// stream can serve the random-offset reads FUSE demands.
package cache

import (
	"archive/tar"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"lukechampine.com/blake3"
)

// ErrEntryNotFound is returned (wrapped) when the requested path does
// not appear anywhere in a fresh scan of the archive.
var ErrEntryNotFound = errors.New("entry not found in archive")

// Opener returns a fresh, independent forward stream of decompressed
// tar bytes, starting at the beginning of the archive. It is called
// once per cache miss.
type Opener func() (io.ReadCloser, error)

// Cache maps entry paths within one archive to seekable files under a
// scratch directory keyed by a hash of the archive's path.
type Cache struct {
	dir  string // <scratchRoot>/<hash of archive path>
	open Opener
}

// New returns a Cache for the archive at archivePath, rooted under
// scratchRoot. open is used to (re-)read the archive on a cache miss.
func New(scratchRoot, archivePath string, open Opener) *Cache {
	return &Cache{
		dir:  filepath.Join(scratchRoot, hashOf(archivePath)),
		open: open,
	}
}

// Open returns a seekable file containing entryPath's body. On a cache
// hit, it opens the existing materialized file directly. On a miss, it
// scans the archive from the start, copies the first entry whose name,
// as stored or canonicalized, equals entryPath into a temporary file, atomically renames it into place, and reopens
// it for reading.
func (c *Cache) Open(entryPath string) (*os.File, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating scratch directory: %w", err)
	}

	final := filepath.Join(c.dir, hashOf(entryPath))
	if f, err := os.Open(final); err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cache: opening cached file: %w", err)
	}

	rc, err := c.open()
	if err != nil {
		return nil, fmt.Errorf("cache: reopening archive: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryPath)
		}
		if err != nil {
			return nil, fmt.Errorf("cache: scanning archive: %w", err)
		}
		if hdr.Name != entryPath && canonicalize(hdr.Name) != entryPath {
			continue
		}

		f, err := c.materialize(final, tr)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// materialize copies body into a temp file in c.dir and atomically
// renames it to final, then reopens final for reading. The rename
// replaces a final file that a concurrent caller already put in place
// (both hold the same entry body). If the rename itself fails, the temp
// file is removed and an existing final is opened instead.
func (c *Cache) materialize(final string, body io.Reader) (*os.File, error) {
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("cache: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("cache: closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		if f, openErr := os.Open(final); openErr == nil {
			return f, nil
		}
		return nil, fmt.Errorf("cache: finalizing cached file: %w", err)
	}

	f, err := os.Open(final)
	if err != nil {
		return nil, fmt.Errorf("cache: reopening cached file: %w", err)
	}
	return f, nil
}

// Clean removes the per-archive scratch subdirectory. Errors are
// returned for the caller to log; callers should tolerate them.
func (c *Cache) Clean() error {
	return os.RemoveAll(c.dir)
}

func hashOf(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalize mirrors tree.canonicalizePath without importing the
// tree package, so entry names with a leading "./" still match a
// caller-supplied canonical path.
func canonicalize(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return path.Clean("/" + p)[1:]
}
