package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a human-readable size string to bytes.
// Accepts decimal units (1KB = 1000), binary units (1KiB = 1024) and plain numbers.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}

	return int64(n), nil
}

// FormatSize formats bytes using IEC binary units.
func FormatSize(n int64) string {
	if n < 0 {
		return fmt.Sprintf("%d B", n)
	}
	return humanize.IBytes(uint64(n))
}
