// SPDX-License-Identifier: MIT

package mover

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// copyFile streams src to dst in fixed-size chunks. Between chunks the stop
// flag is checked; on cancellation the partial dst is removed and ErrStopped
// returned. Progress receives the absolute copied byte count after every
// chunk. Ownership, mode, and mtime are carried over from src.
func (m *Mover) copyFile(ctx context.Context, src, dst string, progress func(copied uint64)) (uint64, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("source %s is not a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirModeFor(src)); err != nil {
		return 0, fmt.Errorf("create target dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("create target: %w", err)
	}

	var copied uint64
	buf := make([]byte, m.cfg.ChunkSize)
	for {
		if m.stopRequested(ctx) {
			_ = out.Close()
			_ = os.Remove(dst)
			return copied, ErrStopped
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				_ = out.Close()
				_ = os.Remove(dst)
				return copied, fmt.Errorf("write target: %w", writeErr)
			}
			copied += uint64(n)
			if progress != nil {
				progress(copied)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = out.Close()
			_ = os.Remove(dst)
			return copied, fmt.Errorf("read source: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return copied, fmt.Errorf("close target: %w", err)
	}

	// Verify before touching the source side.
	written, ok := regularFileSize(dst)
	if !ok || written != uint64(info.Size()) {
		_ = os.Remove(dst)
		return copied, fmt.Errorf("size mismatch after copy: got %d, want %d", written, info.Size())
	}

	preserveMetadata(dst, info)
	return copied, nil
}

// preserveMetadata carries mode, mtime, and (when privileged) ownership from
// the source's stat onto dst. Failures are quietly ignored: an unprivileged
// process cannot chown and the copy is still good.
func preserveMetadata(dst string, info os.FileInfo) {
	_ = os.Chmod(dst, info.Mode().Perm())
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		_ = os.Chown(dst, int(st.Uid), int(st.Gid))
	}
}

// dirModeFor picks the permission bits for newly created target directories
// from the source file's parent, defaulting to 0755.
func dirModeFor(src string) os.FileMode {
	if info, err := os.Stat(filepath.Dir(src)); err == nil && info.IsDir() {
		return info.Mode().Perm()
	}
	return 0o755
}

// fileExists reports whether path is a regular file. Symlinks do not count:
// a symlink left at the original array location points at the cache copy
// and must not read as "the file is back".
func fileExists(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

// regularFileSize returns the size of a regular file at path.
func regularFileSize(path string) (uint64, bool) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return uint64(info.Size()), true
}

// inodeOf returns the inode and link count behind an os.FileInfo.
func inodeOf(info os.FileInfo) (inode, nlink uint64, ok bool) {
	st, isStat := info.Sys().(*syscall.Stat_t)
	if !isStat {
		return 0, 0, false
	}
	return st.Ino, uint64(st.Nlink), true
}

// cleanupEmptyDirs removes empty parents of path ascending toward root,
// stopping at (and never removing) root itself.
func cleanupEmptyDirs(path, root string) {
	if root == "" {
		return
	}
	dir := filepath.Dir(path)
	for dir != root && len(dir) > len(root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
