package utils

import (
	"fmt"
	"strconv"
	"strings"
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatBytes renders a byte count with one decimal place, 1024-based.
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %s", value, byteUnits[unit])
}

// FormatSpeed renders a rate in bytes/s.
func FormatSpeed(bytesPerSec int64) string {
	return FormatBytes(bytesPerSec) + "/s"
}

// FormatDuration renders whole seconds as "1d 2h 3m 4s", omitting leading
// zero components.
func FormatDuration(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	days := secs / 86400
	hours := (secs % 86400) / 3600
	minutes := (secs % 3600) / 60
	seconds := secs % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))
	return strings.Join(parts, " ")
}

// FormatETA returns a human readable time-to-completion, or the infinity
// sign when no data is flowing.
func FormatETA(remaining, bytesPerSec int64) string {
	if remaining <= 0 {
		return "0s"
	}
	if bytesPerSec <= 0 {
		return "∞"
	}
	return FormatDuration(remaining / bytesPerSec)
}

// ETASeconds returns the estimated seconds to completion, -1 when unknown.
func ETASeconds(remaining, bytesPerSec int64) int64 {
	if remaining <= 0 {
		return 0
	}
	if bytesPerSec <= 0 {
		return -1
	}
	return remaining / bytesPerSec
}

// ParseSpeedLimit converts a user-entered limit in KB/s to bytes/s.
// "0", "inf" and "unlimited" all mean no limit.
func ParseSpeedLimit(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "0", "inf", "unlimited":
		return 0, nil
	}
	kb, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid speed limit %q: %w", s, err)
	}
	if kb < 0 {
		return 0, fmt.Errorf("invalid speed limit %q: negative", s)
	}
	return int64(kb * 1024), nil
}

// ParseHumanSize reverses FormatBytes so size columns can be sorted by
// value rather than lexically. Accepts "1.5 GB", "512KB", "700 B".
func ParseHumanSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	for i := len(byteUnits) - 1; i >= 0; i-- {
		unit := byteUnits[i]
		if !strings.HasSuffix(strings.ToUpper(s), unit) {
			continue
		}
		num := strings.TrimSpace(s[:len(s)-len(unit)])
		value, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		mult := int64(1)
		for j := 0; j < i; j++ {
			mult *= 1024
		}
		return int64(value * float64(mult)), nil
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(value), nil
}
