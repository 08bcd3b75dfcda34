// SPDX-License-Identifier: MIT

package jobs

import "github.com/StudioNirin/plexcache-r/internal/mover"

// Stage is a coarse progress marker published as a run advances. The
// runner turns these into the status strings the API reports.
type Stage string

const (
	StageStarting  Stage = "starting"
	StageFetching  Stage = "fetching"
	StageAnalyzing Stage = "analyzing"
	StageMoving    Stage = "moving"
	StageRestoring Stage = "restoring"
	StageCaching   Stage = "caching"
	StageEvicting  Stage = "evicting"
	StageResults   Stage = "results"
)

// Sink receives progress while a run executes. Implementations must be
// cheap and non-blocking; Progress arrives from inside the mover's copy
// loop.
type Sink interface {
	// Stage marks a phase transition.
	Stage(stage Stage)

	// Batch announces one physical move batch about to execute, with its
	// file count and summed source bytes. Eviction restores are not
	// announced as a batch; their results still arrive through FileDone.
	Batch(dest mover.Direction, files int, bytes uint64)

	// Progress relays the mover's per-chunk callback.
	Progress(path string, copied, total uint64)

	// FileDone relays one finished move.
	FileDone(res mover.Result)
}

// NopSink discards all progress.
type NopSink struct{}

func (NopSink) Stage(Stage)                        {}
func (NopSink) Batch(mover.Direction, int, uint64) {}
func (NopSink) Progress(string, uint64, uint64)    {}
func (NopSink) FileDone(mover.Result)              {}
