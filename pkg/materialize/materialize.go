// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package materialize is the Materializer: it produces a package's Cellar
// copy from its store entry, preferring an APFS copy-on-write clone, falling
// back to a hardlink tree, and finally a plain byte copy when neither is
// available (e.g. crossing filesystems). Once the tree exists it rewrites
// the placeholder prefix baked into bottles at build time, both in text
// configuration files and in Mach-O load commands, the way brewery's
// cloneDirWithSymlinks stands in for Homebrew's own relocation step.
package materialize

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// TextRelocateExtensions are the file extensions whose contents get a plain
// string substitution of PlaceholderPrefix -> prefix; anything else is only
// eligible for Mach-O binary relocation.
var TextRelocateExtensions = map[string]bool{
	".pc":    true,
	".la":    true,
	".sh":    true,
	".cfg":   true,
	".conf":  true,
	".cmake": true,
}

// Materializer copies store entries into the Cellar.
type Materializer struct {
	Prefix string // the real, final installation prefix, e.g. /opt/zerobrew/prefix
}

// New returns a Materializer that relocates bottles to prefix.
func New(prefix string) *Materializer {
	return &Materializer{Prefix: prefix}
}

// Materialize copies storeDir's tree into destDir (a Cellar/<name>/<version>
// directory that must not already exist) using the clone/hardlink/copy
// fallback ladder, then relocates the placeholder prefix in the result.
func (m *Materializer) Materialize(storeDir, destDir string) error {
	if _, err := os.Stat(destDir); err == nil {
		return zbrew.NewError(zbrew.MaterializeConflict, destDir, errors.New("destination already exists"))
	}
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return errors.Wrap(err, "creating cellar parent dir")
	}

	var cloneErr, hardlinkErr error
	if cloneErr = cloneTree(storeDir, destDir); cloneErr != nil {
		if hardlinkErr = hardlinkTree(storeDir, destDir); hardlinkErr != nil {
			if err := copyTree(storeDir, destDir); err != nil {
				return zbrew.NewError(zbrew.CloneUnsupported, destDir, errors.Wrapf(err, "clone (%v), hardlink (%v), and copy all failed", cloneErr, hardlinkErr))
			}
		}
	}

	return m.relocate(destDir)
}

func (m *Materializer) relocate(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if TextRelocateExtensions[filepath.Ext(path)] {
			return relocateText(path, m.Prefix)
		}
		if LooksLikeMachO(path) {
			if err := RelocateMachO(path, m.Prefix); err != nil {
				return err
			}
		}
		return nil
	})
}

func relocateText(path, prefix string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s for relocation", path)
	}
	replaced := replaceAll(content, []byte(PlaceholderPrefix), []byte(prefix))
	if string(replaced) == string(content) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	// Replace the file rather than writing through it: a hardlinked Cellar
	// file shares its inode with the store entry.
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "replacing %s for relocation", path)
	}
	return os.WriteFile(path, replaced, info.Mode().Perm())
}

func replaceAll(content, old, new []byte) []byte {
	out := make([]byte, 0, len(content))
	for {
		i := indexOf(content, old)
		if i < 0 {
			out = append(out, content...)
			return out
		}
		out = append(out, content[:i]...)
		out = append(out, new...)
		content = content[i+len(old):]
	}
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// hardlinkTree recreates src's tree at dst, hardlinking regular files and
// recreating directories and symlinks (grounded on brewery's
// cloneDirWithSymlinks walk, generalized from always-symlink to
// always-hardlink since Cellar entries must be independently removable
// copies, not references back into a mutable source tree).
func hardlinkTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return os.MkdirAll(target, 0o755)
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode())
		default:
			return os.Link(path, target)
		}
	})
}

// copyTree is the final fallback when hardlinking also fails (e.g. the
// store and Cellar are on different filesystems).
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return os.MkdirAll(target, 0o755)
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode())
		default:
			return copyFile(path, target, d)
		}
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
