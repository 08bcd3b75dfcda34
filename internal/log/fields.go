// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRunID = "run_id"
	FieldJobID = "job_id"
	FieldUser  = "user"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAction    = "action"
	FieldPhase     = "phase"

	// Path fields
	FieldPath      = "path"
	FieldSource    = "source"
	FieldTarget    = "target"
	FieldMapping   = "mapping"
	FieldCachePath = "cache_path"
	FieldArrayPath = "array_path"

	// Size / progress fields
	FieldBytes     = "bytes"
	FieldSize      = "size"
	FieldFiles     = "files"
	FieldFreeBytes = "free_bytes"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"
)
