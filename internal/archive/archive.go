// Package archive sniffs a tar archive's compression and hands back a
// fresh forward-only byte stream of the decompressed tar content. It
// never buffers the archive, and it never writes to it.
package archive

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// ErrOpenArchive is returned (wrapped) when the archive path cannot be
// opened for reading.
var ErrOpenArchive = errors.New("failed to open archive")

// ErrDecoderInit is returned (wrapped) when the detected codec refuses
// to initialize on the archive's bytes.
var ErrDecoderInit = errors.New("failed to initialize decoder")

// Kind identifies the compression codec an archive is stored with.
type Kind int

const (
	Plain Kind = iota
	Gzip
	Bzip2
	Xz
	Zstd
)

func (k Kind) String() string {
	switch k {
	case Gzip:
		return "gzip"
	case Bzip2:
		return "bzip2"
	case Xz:
		return "xz"
	case Zstd:
		return "zstd"
	default:
		return "plain"
	}
}

var magics = []struct {
	kind Kind
	b    []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Bzip2, []byte{0x42, 0x5a, 0x68}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{Xz, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}},
}

// Detect inspects the first bytes read from r and returns the
// compression kind they signal. Unknown magic is reported as Plain.
func Detect(r io.Reader) (Kind, error) {
	buf := make([]byte, 6)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Plain, fmt.Errorf("%w: %v", ErrOpenArchive, err)
	}
	buf = buf[:n]
	for _, m := range magics {
		if bytes.HasPrefix(buf, m.b) {
			return m.kind, nil
		}
	}
	logrus.Debug("archive: no known compression magic detected, assuming plain tar")
	return Plain, nil
}

// Open opens a fresh handle on path, detects its compression from an
// independent read of the first bytes, and returns a ReadCloser that
// yields decompressed tar bytes starting at offset 0. Open may be
// called repeatedly; each call performs its own open+detect+decode.
func Open(path string) (io.ReadCloser, error) {
	sniff, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenArchive, err)
	}
	kind, err := Detect(sniff)
	sniff.Close()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenArchive, err)
	}

	dec, err := decoder(kind, f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrDecoderInit, err)
	}
	return dec, nil
}

// decoder wraps f in the decompressor for kind, returning a ReadCloser
// whose Close closes the decoder (where it has a Close method) and then
// the underlying file.
func decoder(kind Kind, f *os.File) (io.ReadCloser, error) {
	switch kind {
	case Gzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		return &closeBoth{Reader: gz, closers: []func() error{gz.Close, f.Close}}, nil
	case Bzip2:
		return &closeBoth{Reader: bzip2.NewReader(f), closers: []func() error{f.Close}}, nil
	case Xz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, err
		}
		return &closeBoth{Reader: xr, closers: []func() error{f.Close}}, nil
	case Zstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		return &closeBoth{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			f.Close,
		}}, nil
	default:
		return f, nil
	}
}

// closeBoth adapts a plain io.Reader decoder plus one or more
// lifecycle-bound closers into an io.ReadCloser.
type closeBoth struct {
	io.Reader
	closers []func() error
}

func (c *closeBoth) Close() error {
	var first error
	for _, fn := range c.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
