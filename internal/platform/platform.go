// SPDX-License-Identifier: MIT

// Package platform isolates everything the caching core needs to know about
// its host environment: disk usage, Unraid/Docker detection, the external
// bulk-mover probe, and the single-instance lock. The core only sees the
// Adapter interface, so tests never touch the real machine.
package platform

// DiskUsage is the byte-level occupancy of the filesystem holding a path.
type DiskUsage struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// UsedPercent returns used space as a percentage of total.
func (u DiskUsage) UsedPercent() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Total) * 100
}

// Adapter is the host-environment capability set consumed by the core.
type Adapter interface {
	IsLinux() bool
	IsUnraid() bool
	IsDocker() bool

	// DiskUsage reports occupancy of the filesystem containing path.
	DiskUsage(path string) (DiskUsage, error)
	// DiskFreeBytes is a convenience for the free field alone.
	DiskFreeBytes(path string) (uint64, error)

	// ResolveUser0 maps an Unraid /mnt/user0 path to the /mnt/diskN member
	// that actually holds the file. Non-Unraid paths come back unchanged.
	ResolveUser0(path string) string
	// ArrayDirectPath maps /mnt/user/... to /mnt/user0/..., the view that
	// bypasses the FUSE overlay. Other paths come back unchanged.
	ArrayDirectPath(path string) string

	// DetectZFS reports whether path sits on a ZFS filesystem.
	DetectZFS(path string) bool

	// IsMoverRunning reports whether the external bulk mover is active.
	IsMoverRunning() bool
}
