// SPDX-License-Identifier: MIT

package platform

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/StudioNirin/plexcache-r/internal/log"
)

const (
	unraidVersionFile = "/etc/unraid-version"
	dockerEnvFile     = "/.dockerenv"
	moverPIDFile      = "/var/run/mover.pid"

	userPrefix  = "/mnt/user/"
	user0Prefix = "/mnt/user0/"
)

// Host is the Adapter implementation for the machine plexcache runs on.
// Platform detection is probed once and cached; disk queries go to the
// kernel every time.
type Host struct {
	detectOnce sync.Once
	unraid     bool
	docker     bool
}

// NewHost returns the live host adapter.
func NewHost() *Host {
	return &Host{}
}

func (h *Host) detect() {
	h.detectOnce.Do(func() {
		if _, err := os.Stat(unraidVersionFile); err == nil {
			h.unraid = true
		}
		if _, err := os.Stat(dockerEnvFile); err == nil {
			h.docker = true
		} else if data, err := os.ReadFile("/proc/1/cgroup"); err == nil &&
			(strings.Contains(string(data), "docker") || strings.Contains(string(data), "containerd")) {
			h.docker = true
		}
		l := log.WithComponent("platform")
		l.Debug().
			Str("event", "platform.detected").
			Bool("unraid", h.unraid).
			Bool("docker", h.docker).
			Msg("host platform probed")
	})
}

func (h *Host) IsLinux() bool { return runtime.GOOS == "linux" }

func (h *Host) IsUnraid() bool {
	h.detect()
	return h.unraid
}

func (h *Host) IsDocker() bool {
	h.detect()
	return h.docker
}

func (h *Host) DiskUsage(path string) (DiskUsage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return DiskUsage{Total: stat.Total, Used: stat.Used, Free: stat.Free}, nil
}

func (h *Host) DiskFreeBytes(path string) (uint64, error) {
	u, err := h.DiskUsage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// ResolveUser0 probes the /mnt/diskN members for the file behind an Unraid
// /mnt/user0 path. When no member claims it the input comes back unchanged;
// the caller's stat will fail with the honest answer.
func (h *Host) ResolveUser0(path string) string {
	rel, ok := strings.CutPrefix(path, user0Prefix)
	if !ok || rel == "" {
		return path
	}
	members, err := filepath.Glob("/mnt/disk[0-9]*")
	if err != nil {
		return path
	}
	for _, member := range members {
		candidate := filepath.Join(member, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}

func (h *Host) ArrayDirectPath(path string) string {
	if rel, ok := strings.CutPrefix(path, userPrefix); ok && rel != "" {
		return user0Prefix + rel
	}
	return path
}

// DetectZFS checks the filesystem type of the mount holding path. gopsutil
// enumerates /proc/mounts; the longest mountpoint prefix wins.
func (h *Host) DetectZFS(path string) bool {
	parts, err := disk.Partitions(true)
	if err != nil {
		return false
	}
	bestLen := 0
	fstype := ""
	for _, p := range parts {
		mp := strings.TrimRight(p.Mountpoint, "/")
		if mp == "" {
			mp = "/"
		}
		if path == mp || strings.HasPrefix(path, mp+"/") || mp == "/" {
			if len(mp) > bestLen || (mp == "/" && bestLen == 0) {
				bestLen = len(mp)
				fstype = p.Fstype
			}
		}
	}
	return fstype == "zfs"
}

// IsMoverRunning probes for Unraid's bulk mover: the pidfile first (with a
// liveness check, stale files are common after crashes), then a /proc comm
// scan as fallback.
func (h *Host) IsMoverRunning() bool {
	if pid, ok := readPIDFile(moverPIDFile); ok && processAlive(pid) {
		return true
	}
	return procCommExists("mover")
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	return err == nil
}

func procCommExists(name string) bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		f, err := os.Open(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		if scanner.Scan() && strings.TrimSpace(scanner.Text()) == name {
			_ = f.Close()
			return true
		}
		_ = f.Close()
	}
	return false
}
