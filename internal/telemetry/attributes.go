// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared across the codebase so traces stay
// queryable by one vocabulary.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Caching-run attributes
	RunIDKey      = "run.id"
	RunDryRunKey  = "run.dry_run"
	RunOutcomeKey = "run.outcome"
	RunPhaseKey   = "run.phase"

	// Tier-move attributes
	MoveDirectionKey = "move.direction"
	MoveFilesKey     = "move.files"
	MoveBytesKey     = "move.bytes"

	// Media-server attributes
	PlexEndpointKey = "plex.endpoint"
	PlexUserKey     = "plex.user"

	// Maintenance attributes
	MaintenanceActionKey = "maintenance.action"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes builds the common span attributes for a served request.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// RunAttributes builds the span attributes opening a caching run.
func RunAttributes(runID string, dryRun bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RunIDKey, runID),
		attribute.Bool(RunDryRunKey, dryRun),
	}
}

// RunOutcomeAttributes builds the closing span attributes of a run.
func RunOutcomeAttributes(outcome string, files int, bytes uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RunOutcomeKey, outcome),
		attribute.Int(MoveFilesKey, files),
		attribute.Int64(MoveBytesKey, int64(bytes)),
	}
}

// MoveAttributes builds span attributes for one batch of tier moves.
func MoveAttributes(direction string, files int, bytes uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(MoveDirectionKey, direction),
		attribute.Int(MoveFilesKey, files),
		attribute.Int64(MoveBytesKey, int64(bytes)),
	}
}

// PlexAttributes builds span attributes for a media-server request.
// user may be empty for server-wide endpoints.
func PlexAttributes(endpoint, user string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(PlexEndpointKey, endpoint),
	}
	if user != "" {
		attrs = append(attrs, attribute.String(PlexUserKey, user))
	}
	return attrs
}

// MaintenanceAttributes builds span attributes for a repair action.
func MaintenanceAttributes(action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(MaintenanceActionKey, action),
	}
}

// ErrorAttributes marks a span failed with a coarse error class.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
