// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package extract is the Extractor: it streams a cached bottle archive
// (gzip, xz, or zstd compressed tar) into a store staging directory,
// rejecting any entry that would escape the staging root. It never writes
// directly into the store; callers pass it a directory from
// store.Store.StageDir and hand the populated result to store.Store.Ingest.
package extract

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// Format identifies the compression wrapping a cached archive's tar stream.
type Format int

const (
	FormatUnknown Format = iota
	FormatGzip
	FormatXz
	FormatZstd
)

var magicBytes = []struct {
	format Format
	magic  []byte
}{
	{FormatGzip, []byte{0x1f, 0x8b}},
	{FormatXz, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{FormatZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
}

// SniffFormat inspects the leading bytes of r (via a buffered peek, so r's
// position is unaffected for the caller) and returns the detected Format.
func SniffFormat(r *bufio.Reader) (Format, error) {
	var maxLen int
	for _, m := range magicBytes {
		if len(m.magic) > maxLen {
			maxLen = len(m.magic)
		}
	}
	head, err := r.Peek(maxLen)
	if err != nil && err != io.EOF {
		return FormatUnknown, err
	}
	for _, m := range magicBytes {
		if len(head) >= len(m.magic) && string(head[:len(m.magic)]) == string(m.magic) {
			return m.format, nil
		}
	}
	return FormatUnknown, nil
}

// Extract decompresses and unpacks the tar archive at archivePath into
// destDir (normally a fresh store.Store.StageDir()). destDir must already
// exist; its contents become the store entry.
func Extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer f.Close()

	br := bufio.NewReader(f)
	format, err := SniffFormat(br)
	if err != nil {
		return zbrew.NewError(zbrew.ExtractFailed, archivePath, err)
	}

	var tarStream io.Reader
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return zbrew.NewError(zbrew.ExtractFailed, archivePath, errors.Wrap(err, "opening gzip stream"))
		}
		defer gz.Close()
		tarStream = gz
	case FormatXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return zbrew.NewError(zbrew.ExtractFailed, archivePath, errors.Wrap(err, "opening xz stream"))
		}
		tarStream = xr
	case FormatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return zbrew.NewError(zbrew.ExtractFailed, archivePath, errors.Wrap(err, "opening zstd stream"))
		}
		defer zr.Close()
		tarStream = zr
	default:
		return zbrew.NewError(zbrew.UnsupportedEntry, archivePath, errors.New("unrecognized archive compression"))
	}

	dest := osfs.New(destDir)
	if err := extractTar(tar.NewReader(tarStream), dest); err != nil {
		return err
	}
	return nil
}

// epoch is the constant mtime stamped onto every extracted entry so that
// identical archive content always produces a byte-and-metadata-identical
// tree, independent of extraction wall-clock time (store entries are
// identified by content digest, so this also keeps cache identity stable).
var epoch = time.Unix(0, 0)

// extractTar is the teacher's pkg/archive.ExtractTar adapted to reject path
// escapes outright instead of silently skipping them (a path-escaping entry
// in a bottle archive is a corruption or tampering signal zerobrew must not
// paper over), to resolve hardlinks to file copies rather than symlinks, and
// to abort on any entry type a Homebrew bottle has no business containing.
func extractTar(tr *tar.Reader, fs billy.Filesystem) error {
	for {
		h, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return zbrew.NewError(zbrew.ExtractFailed, "", err)
		}
		path := filepath.Clean(h.Name)
		if isEscaping(path) {
			return zbrew.NewError(zbrew.UnsafePath, h.Name, errors.Errorf("entry escapes staging root: %s", h.Name))
		}
		switch h.Typeflag {
		case tar.TypeSymlink:
			linkpath := filepath.Clean(h.Linkname)
			if !filepath.IsAbs(linkpath) && isEscaping(filepath.Join(filepath.Dir(path), linkpath)) {
				return zbrew.NewError(zbrew.UnsafePath, h.Name, errors.Errorf("link target escapes staging root: %s -> %s", h.Name, h.Linkname))
			}
			if err := fs.Symlink(h.Linkname, path); err != nil {
				return errors.Wrapf(err, "symlinking %s", path)
			}
		case tar.TypeLink:
			// Linkname for a hardlink entry is a path within the archive
			// (not a filesystem-relative symlink target), naming a regular
			// entry extracted earlier in the stream; resolve it to an
			// independent file copy rather than a symlink, per the store's
			// no-cross-entry-aliasing contract.
			target := filepath.Clean(h.Linkname)
			if isEscaping(target) {
				return zbrew.NewError(zbrew.UnsafePath, h.Name, errors.Errorf("hardlink target escapes staging root: %s -> %s", h.Name, h.Linkname))
			}
			if err := copyExtracted(fs, target, path, h.FileInfo().Mode()); err != nil {
				return errors.Wrapf(err, "copying hardlink %s -> %s", h.Name, h.Linkname)
			}
		case tar.TypeDir:
			if err := fs.MkdirAll(path, h.FileInfo().Mode()); err != nil {
				return errors.Wrapf(err, "creating dir %s", path)
			}
		case tar.TypeReg:
			if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errors.Wrapf(err, "creating parent dir for %s", path)
			}
			tf, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, h.FileInfo().Mode())
			if err != nil {
				return errors.Wrapf(err, "creating file %s", path)
			}
			if _, err := io.CopyN(tf, tr, h.Size); err != nil {
				tf.Close()
				return errors.Wrapf(err, "writing file %s", path)
			}
			if err := tf.Close(); err != nil {
				return errors.Wrapf(err, "closing file %s", path)
			}
		default:
			return zbrew.NewError(zbrew.UnsupportedEntry, h.Name, errors.Errorf("unsupported tar entry type %q", h.Typeflag))
		}
		if err := chtimes(fs, path); err != nil {
			return err
		}
	}
}

// copyExtracted copies the file already extracted at target (within fs) to
// dest, for resolving hardlink entries to independent copies.
func copyExtracted(fs billy.Filesystem, target, dest string, mode os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent dir for %s", dest)
	}
	src, err := fs.Open(target)
	if err != nil {
		return errors.Wrapf(err, "opening hardlink target %s", target)
	}
	defer src.Close()
	out, err := fs.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, "creating file %s", dest)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.Wrapf(err, "copying into %s", dest)
	}
	return out.Close()
}

// chtimes stamps path with the constant epoch mtime, if fs supports it.
func chtimes(fs billy.Filesystem, path string) error {
	ch, ok := fs.(billy.Change)
	if !ok {
		return nil
	}
	if err := ch.Chtimes(path, epoch, epoch); err != nil {
		return errors.Wrapf(err, "setting mtime on %s", path)
	}
	return nil
}

func isEscaping(cleanPath string) bool {
	if filepath.IsAbs(cleanPath) {
		return true
	}
	return cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator))
}
