// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize resolves a size expression to bytes. Accepted forms:
//
//	"536870912000"  raw bytes
//	"500GB" "1.5TiB" "200 MB"  humanized (SI and IEC suffixes)
//	"85%"  percentage of driveTotal
//
// Percentage forms require driveTotal > 0; everything else ignores it.
func ParseSize(expr string, driveTotal uint64) (uint64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, nil
	}

	if strings.HasSuffix(expr, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(expr, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid percentage %q: %w", expr, err)
		}
		if pct < 0 || pct > 100 {
			return 0, fmt.Errorf("percentage %q out of range [0,100]", expr)
		}
		if driveTotal == 0 {
			return 0, fmt.Errorf("percentage %q needs a known drive size", expr)
		}
		return uint64(float64(driveTotal) * pct / 100), nil
	}

	// Raw integer means bytes; ParseBytes would treat "1000" the same way,
	// but keep the fast path so giant values do not round through float64.
	if n, err := strconv.ParseUint(expr, 10, 64); err == nil {
		return n, nil
	}

	n, err := humanize.ParseBytes(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid size expression %q: %w", expr, err)
	}
	return n, nil
}

// FormatSize renders a byte count for logs and summaries ("4.3 GB").
func FormatSize(n uint64) string {
	return humanize.Bytes(n)
}

// FormatSizeIEC renders a byte count with binary units ("4.0 GiB").
func FormatSizeIEC(n uint64) string {
	return humanize.IBytes(n)
}
