// SPDX-License-Identifier: MIT

package config

import "testing"

func TestParseSize(t *testing.T) {
	const drive = 2_000_000_000_000 // 2 TB

	tests := []struct {
		name    string
		expr    string
		total   uint64
		want    uint64
		wantErr bool
	}{
		{name: "empty", expr: "", total: drive, want: 0},
		{name: "raw bytes", expr: "536870912000", total: drive, want: 536870912000},
		{name: "si suffix", expr: "500GB", total: drive, want: 500_000_000_000},
		{name: "iec suffix", expr: "1GiB", total: drive, want: 1 << 30},
		{name: "spaced", expr: "200 MB", total: drive, want: 200_000_000},
		{name: "fractional", expr: "1.5TB", total: drive, want: 1_500_000_000_000},
		{name: "percent", expr: "50%", total: drive, want: 1_000_000_000_000},
		{name: "percent fractional", expr: "12.5%", total: 800, want: 100},
		{name: "percent no total", expr: "10%", total: 0, wantErr: true},
		{name: "percent over 100", expr: "110%", total: drive, wantErr: true},
		{name: "percent negative", expr: "-5%", total: drive, wantErr: true},
		{name: "garbage", expr: "lots", total: drive, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSize(tc.expr, tc.total)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSize(%q) expected error, got %d", tc.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize(%q) failed: %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParseSizeLargeRawValue(t *testing.T) {
	// Values above float64's integer precision must survive exactly.
	const huge = "9007199254740993" // 2^53 + 1
	got, err := ParseSize(huge, 0)
	if err != nil {
		t.Fatalf("ParseSize(%q) failed: %v", huge, err)
	}
	if got != 9007199254740993 {
		t.Errorf("ParseSize(%q) = %d, precision lost", huge, got)
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(500_000_000_000); got != "500 GB" {
		t.Errorf("FormatSize = %q, want %q", got, "500 GB")
	}
	if got := FormatSizeIEC(1 << 30); got != "1.0 GiB" {
		t.Errorf("FormatSizeIEC = %q, want %q", got, "1.0 GiB")
	}
}
