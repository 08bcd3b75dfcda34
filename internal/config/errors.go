// SPDX-License-Identifier: MIT

package config

import "errors"

var (
	// ErrNoSettingsFile is returned by Load when the settings file does not
	// exist. The returned Settings are usable defaults; interactive callers
	// treat this as "run setup first", the daemon treats it as fatal.
	ErrNoSettingsFile = errors.New("settings file not found")

	// ErrNoMappings is returned by Validate when no enabled path mapping is
	// configured.
	ErrNoMappings = errors.New("no enabled path mappings configured")
)
