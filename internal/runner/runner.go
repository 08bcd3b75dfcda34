// SPDX-License-Identifier: MIT

// Package runner hosts the two in-process singletons that execute work in
// the background: the operation runner (caching passes) and the
// maintenance runner (repair actions). They share one admission gate, so
// at any moment at most one of them is running, and both expose the same
// status shape for the API and dashboard.
package runner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/jobs"
)

// State is a runner's lifecycle position. Completed and Failed are
// terminal until an explicit dismiss returns the runner to Idle, so the
// UI can show the last outcome for as long as the user wants it.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrBusy is returned when a trigger loses to work already in flight,
// in either runner. API handlers map it to 409.
var ErrBusy = errors.New("busy")

// Status is the snapshot both runners report. File counters are exact;
// byte counters update per copied chunk and drive the percentage while a
// copy is active, because they move smoothly where the file counter
// jumps. Renames move no bytes, so a rename-heavy pass finishes with
// BytesDone short of BytesTotal; State, not Percent, signals completion.
type Status struct {
	State  State  `json:"state"`
	Action string `json:"action,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`

	Stage jobs.Stage `json:"stage,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	FilesDone  int    `json:"files_done"`
	FilesTotal int    `json:"files_total"`
	BytesDone  uint64 `json:"bytes_done"`
	BytesTotal uint64 `json:"bytes_total"`

	Percent    float64 `json:"percent"`
	ETASeconds int64   `json:"eta_seconds"`

	CurrentFile string `json:"current_file,omitempty"`

	// Note carries the completion note, skip reason, or failure message.
	Note string `json:"note,omitempty"`

	// Summary is the finished run's account; operation runs only.
	Summary *jobs.Summary `json:"summary,omitempty"`
}

// percentOf renders done/total as a percentage, preferring the byte
// counters when any byte total is known.
func (s *Status) percentOf() float64 {
	switch {
	case s.BytesTotal > 0:
		return float64(s.BytesDone) / float64(s.BytesTotal) * 100
	case s.FilesTotal > 0:
		return float64(s.FilesDone) / float64(s.FilesTotal) * 100
	default:
		return 0
	}
}

// Gate is the admission slot the two runners share. TryAcquire never
// blocks: the caller either owns the slot or learns who does.
type Gate struct {
	mu    sync.Mutex
	owner string
}

// NewGate builds an unowned gate. Both runners must be handed the same
// instance for the mutual exclusion to mean anything.
func NewGate() *Gate {
	return &Gate{}
}

// TryAcquire claims the slot for owner or reports who holds it.
func (g *Gate) TryAcquire(owner string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != "" {
		return fmt.Errorf("%s is running: %w", g.owner, ErrBusy)
	}
	g.owner = owner
	return nil
}

// Release frees the slot.
func (g *Gate) Release() {
	g.mu.Lock()
	g.owner = ""
	g.mu.Unlock()
}

// Owner names the slot holder, or "" when free.
func (g *Gate) Owner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

const (
	ownerOperation   = "caching run"
	ownerMaintenance = "maintenance"
)

// progress is the shared counter state both runners feed from mover
// events. Callers hold their runner's mutex.
type progress struct {
	filesDone  int
	filesTotal int
	doneBytes  uint64
	bytesTotal uint64
	inflight   map[string]uint64
	copyStart  time.Time
	current    string
}

func newProgress() *progress {
	return &progress{inflight: map[string]uint64{}}
}

func (p *progress) addBatch(files int, bytes uint64) {
	p.filesTotal += files
	p.bytesTotal += bytes
}

func (p *progress) chunk(path string, copied uint64, now time.Time) {
	if p.copyStart.IsZero() {
		p.copyStart = now
	}
	p.inflight[path] = copied
	p.current = path
}

// fileDone retires a file's in-flight bytes. Eviction moves are never
// announced as a batch, so the totals stretch to keep done <= total.
func (p *progress) fileDone(real, cache string) {
	p.filesDone++
	if p.filesDone > p.filesTotal {
		p.filesTotal = p.filesDone
	}
	for _, key := range []string{real, cache} {
		if copied, ok := p.inflight[key]; ok {
			p.doneBytes += copied
			delete(p.inflight, key)
		}
		if p.current == key {
			p.current = ""
		}
	}
	if p.doneBytes > p.bytesTotal {
		p.bytesTotal = p.doneBytes
	}
}

func (p *progress) bytesDone() uint64 {
	total := p.doneBytes
	for _, copied := range p.inflight {
		total += copied
	}
	return total
}

// fill copies the counters into a status snapshot and derives percent
// and ETA. now is only read while a copy is active.
func (p *progress) fill(st *Status, now time.Time) {
	st.FilesDone = p.filesDone
	st.FilesTotal = p.filesTotal
	st.BytesDone = p.bytesDone()
	st.BytesTotal = p.bytesTotal
	if st.BytesDone > st.BytesTotal {
		st.BytesTotal = st.BytesDone
	}
	st.CurrentFile = p.current
	st.Percent = st.percentOf()

	if st.State != StateRunning || p.copyStart.IsZero() || st.BytesDone == 0 {
		return
	}
	elapsed := now.Sub(p.copyStart).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := float64(st.BytesDone) / elapsed
	if rate > 0 && st.BytesTotal > st.BytesDone {
		st.ETASeconds = int64(float64(st.BytesTotal-st.BytesDone) / rate)
	}
}
