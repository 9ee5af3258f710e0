// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package materialize

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// PlaceholderPrefix is the token bottles embed in install names, rpaths, and
// text configuration files in place of the eventual installation prefix.
// Homebrew bottles use this exact token, so zerobrew mirrors it rather than
// inventing its own and requiring bottles to be rebuilt.
const PlaceholderPrefix = "@@HOMEBREW_PREFIX@@"

// machoHeader64Size is the size of the fixed Mach-O 64-bit header; debug/macho
// parses this for us but doesn't expose byte offsets for load commands, and
// relocation needs to patch those commands in place.
const machoHeader64Size = 32

// Load command numbers debug/macho doesn't define constants for (it exports
// LoadCmdDylib and LoadCmdRpath, among others, but not these); values are
// from <mach-o/loader.h>.
const (
	lcIDDylib         = 0xd
	lcLoadWeakDylib   = 0x18 | 0x80000000
	lcReexportDylib   = 0x1f | 0x80000000
	lcLoadUpwardDylib = 0x23 | 0x80000000
	lcLazyLoadDylib   = 0x20
)

// RelocateMachO rewrites every LC_RPATH, LC_LOAD_DYLIB, and LC_ID_DYLIB
// string in the file at path that begins with PlaceholderPrefix to begin
// with prefix instead, NUL-padding the remainder. Mach-O load command
// strings are fixed-width, so this only works when prefix is no longer than
// PlaceholderPrefix (19 bytes). A longer prefix, such as the default
// /opt/zerobrew/prefix (20 bytes), fails with RelocationFailed and the file
// is left unchanged.
//
// debug/macho only parses Mach-O, it doesn't write it, so this patches the
// raw load command bytes directly rather than re-serializing the file.
func RelocateMachO(path, prefix string) error {
	if len(prefix) > len(PlaceholderPrefix) {
		return zbrew.NewError(zbrew.RelocationFailed, path, errors.Errorf("prefix %q longer than placeholder %q", prefix, PlaceholderPrefix))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading binary for relocation")
	}
	if len(raw) < machoHeader64Size {
		return zbrew.NewError(zbrew.UnsupportedEntry, path, errors.New("file too small to be Mach-O"))
	}
	magic := binary.LittleEndian.Uint32(raw[0:4])
	if magic != uint32(macho.Magic64) {
		// 32-bit and fat/universal binaries aren't produced by modern
		// Homebrew bottles and are reported as UnsupportedEntry; Materialize
		// only passes files that LooksLikeMachO accepts.
		return zbrew.NewError(zbrew.UnsupportedEntry, path, errors.Errorf("unsupported Mach-O magic %#x", magic))
	}
	ncmds := binary.LittleEndian.Uint32(raw[16:20])

	patched := false
	offset := machoHeader64Size
	for i := uint32(0); i < ncmds; i++ {
		if offset+8 > len(raw) {
			return zbrew.NewError(zbrew.RelocationFailed, path, errors.New("truncated load command table"))
		}
		cmd := binary.LittleEndian.Uint32(raw[offset : offset+4])
		cmdsize := binary.LittleEndian.Uint32(raw[offset+4 : offset+8])
		if cmdsize == 0 || offset+int(cmdsize) > len(raw) {
			return zbrew.NewError(zbrew.RelocationFailed, path, errors.New("invalid load command size"))
		}
		switch cmd {
		case uint32(macho.LoadCmdRpath):
			// rpath_command: cmd, cmdsize, path (lc_str, uint32 offset from
			// the start of this command).
			strOff := binary.LittleEndian.Uint32(raw[offset+8 : offset+12])
			if patchLoadString(raw, offset, int(cmdsize), int(strOff), prefix) {
				patched = true
			}
		case uint32(macho.LoadCmdDylib), lcIDDylib, lcLoadWeakDylib, lcReexportDylib, lcLoadUpwardDylib, lcLazyLoadDylib:
			// dylib_command: cmd, cmdsize, dylib{ name(lc_str), timestamp,
			// current_version, compatibility_version }.
			strOff := binary.LittleEndian.Uint32(raw[offset+8 : offset+12])
			if patchLoadString(raw, offset, int(cmdsize), int(strOff), prefix) {
				patched = true
			}
		}
		offset += int(cmdsize)
	}
	if !patched {
		return nil
	}
	// Replace the file rather than writing through it: a hardlinked Cellar
	// file shares its inode with the store entry.
	if err := os.Remove(path); err != nil {
		return errors.Wrap(err, "replacing binary for relocation")
	}
	return os.WriteFile(path, raw, 0o755)
}

// patchLoadString rewrites the NUL-terminated string starting at
// cmdOffset+strOffset (relative to cmd's own start), provided it currently
// begins with PlaceholderPrefix, replacing the prefix portion and
// NUL-padding out to the original length. Reports whether it patched
// anything.
func patchLoadString(raw []byte, cmdOffset, cmdSize, strOffset int, prefix string) bool {
	start := cmdOffset + strOffset
	if strOffset <= 0 || start >= cmdOffset+cmdSize || start >= len(raw) {
		return false
	}
	end := cmdOffset + cmdSize
	if end > len(raw) {
		end = len(raw)
	}
	field := raw[start:end]
	nul := bytes.IndexByte(field, 0)
	if nul == -1 {
		nul = len(field)
	}
	str := field[:nul]
	if !bytes.HasPrefix(str, []byte(PlaceholderPrefix)) {
		return false
	}
	rest := str[len(PlaceholderPrefix):]
	replacement := make([]byte, len(str))
	copy(replacement, prefix)
	copy(replacement[len(prefix):], rest)
	for i := len(prefix) + len(rest); i < len(replacement); i++ {
		replacement[i] = 0
	}
	copy(field[:nul], replacement)
	return true
}

// LooksLikeMachO reports whether path's leading bytes match a thin 64-bit
// Mach-O magic, the only form RelocateMachO handles.
func LooksLikeMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var buf [4]byte
	if _, err := f.Read(buf[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(buf[:]) == uint32(macho.Magic64)
}
