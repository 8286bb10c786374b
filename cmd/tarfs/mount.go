package main

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/st3iny/tarfs/internal/archive"
	"github.com/st3iny/tarfs/internal/cache"
	"github.com/st3iny/tarfs/internal/tarfs"
	"github.com/st3iny/tarfs/internal/tree"
)

func run(archivePath, mountPoint string, opts *options) error {
	if err := setupLogging(opts.logLevel); err != nil {
		return err
	}

	if !opts.foreground {
		return daemonize()
	}

	archivePath, err := filepath.Abs(archivePath)
	if err != nil {
		return fmt.Errorf("resolving archive path: %w", err)
	}
	mountPoint, err = filepath.Abs(mountPoint)
	if err != nil {
		return fmt.Errorf("resolving mount point: %w", err)
	}

	buildOpts, err := toBuildOptions(archivePath, opts)
	if err != nil {
		return err
	}

	t, err := buildTree(archivePath, buildOpts)
	if err != nil {
		return fmt.Errorf("building tree: %w", err)
	}

	if opts.dumpTree {
		dumpTree(t, 0)
	}

	c := cache.New(opts.scratchDir, archivePath, func() (io.ReadCloser, error) {
		return archive.Open(archivePath)
	})
	defer func() {
		if err := c.Clean(); err != nil {
			logrus.WithError(err).Warn("tarfs: failed to clean cache scratch directory")
		}
	}()

	root := tarfs.NewRoot(t, c)

	mountOptions := fuse.MountOptions{
		AllowOther: opts.allowOther || opts.allowRoot,
		FsName:     "tarfs",
		Name:       "tarfs",
		Options:    mountExtraOptions(opts),
	}

	server, err := fs.Mount(mountPoint, root, &fs.Options{
		MountOptions: mountOptions,
	})
	if err != nil {
		return fmt.Errorf("mounting %s at %s: %w", archivePath, mountPoint, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("tarfs: received shutdown signal, unmounting")
		if err := server.Unmount(); err != nil {
			logrus.WithError(err).Warn("tarfs: unmount failed")
		}
	}()

	server.Wait()
	return nil
}

func mountExtraOptions(opts *options) []string {
	var extra []string
	if opts.allowRoot {
		extra = append(extra, "allow_root")
	}
	if opts.autoUnmount {
		extra = append(extra, "auto_unmount")
	}
	extra = append(extra, "ro", "nodev")
	return extra
}

func toBuildOptions(archivePath string, opts *options) (tree.Options, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return tree.Options{}, fmt.Errorf("stat archive: %w", err)
	}

	b := tree.Options{
		RootMtime:    info.ModTime(),
		NumericOwner: opts.numericOwner,
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		b.RootUID = st.Uid
		b.RootGID = st.Gid
	}

	if opts.hasUID {
		uid := opts.uid
		b.ForceUID = &uid
		b.RootUID = uid
	}
	if opts.hasGID {
		gid := opts.gid
		b.ForceGID = &gid
		b.RootGID = gid
	}
	if opts.hasMode {
		mode := strings.TrimPrefix(opts.mode, "0")
		if mode == "" {
			mode = "0"
		}
		n, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			return tree.Options{}, fmt.Errorf("invalid --mode %q: %w", opts.mode, err)
		}
		m := uint32(n)
		b.ForceMode = &m
	}

	return b, nil
}

func buildTree(archivePath string, opts tree.Options) (*tree.Directory, error) {
	rc, err := archive.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return tree.Build(tar.NewReader(rc), opts)
}

func dumpTree(dir *tree.Directory, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, child := range dir.Children() {
		logrus.Debugf("%s%s", indent, child.Name())
		if sub, ok := child.(*tree.Directory); ok {
			dumpTree(sub, depth+1)
		}
	}
}
