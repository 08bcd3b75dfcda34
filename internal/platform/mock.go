// SPDX-License-Identifier: MIT

package platform

import (
	"fmt"
	"strings"
)

// Mock is a fully scriptable Adapter for tests.
type Mock struct {
	Linux  bool
	Unraid bool
	Docker bool
	Mover  bool

	// Usages maps a path prefix to its disk usage; the longest matching
	// prefix answers. Missing paths error like a dead mount would.
	Usages map[string]DiskUsage

	// ZFSPaths marks path prefixes that report ZFS.
	ZFSPaths []string

	// User0 maps /mnt/user0 inputs to resolved disk paths.
	User0 map[string]string

	// Direct overrides ArrayDirectPath per exact input path.
	Direct map[string]string
}

// NewMock returns a mock resembling a plain Linux host.
func NewMock() *Mock {
	return &Mock{Linux: true, Usages: map[string]DiskUsage{}}
}

func (m *Mock) IsLinux() bool        { return m.Linux }
func (m *Mock) IsUnraid() bool       { return m.Unraid }
func (m *Mock) IsDocker() bool       { return m.Docker }
func (m *Mock) IsMoverRunning() bool { return m.Mover }

func (m *Mock) DiskUsage(path string) (DiskUsage, error) {
	bestLen := -1
	var best DiskUsage
	for prefix, u := range m.Usages {
		if (path == prefix || strings.HasPrefix(path, prefix+"/")) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = u
		}
	}
	if bestLen < 0 {
		return DiskUsage{}, fmt.Errorf("no usage configured for %s", path)
	}
	return best, nil
}

func (m *Mock) DiskFreeBytes(path string) (uint64, error) {
	u, err := m.DiskUsage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

func (m *Mock) ResolveUser0(path string) string {
	if resolved, ok := m.User0[path]; ok {
		return resolved
	}
	return path
}

func (m *Mock) ArrayDirectPath(path string) string {
	if direct, ok := m.Direct[path]; ok {
		return direct
	}
	if rel, ok := strings.CutPrefix(path, userPrefix); ok && rel != "" {
		return user0Prefix + rel
	}
	return path
}

func (m *Mock) DetectZFS(path string) bool {
	for _, prefix := range m.ZFSPaths {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
