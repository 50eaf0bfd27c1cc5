package resource

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCPU parses a CPU quantity into fractional cores. The millicore
// suffix "m" divides by 1000 ("1500m" is 1.5 cores); plain numbers are
// taken verbatim.
func ParseCPU(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty cpu quantity")
	}
	if strings.HasSuffix(s, "m") {
		milli, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu quantity %q: %w", s, err)
		}
		return milli / 1000, nil
	}
	cores, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu quantity %q: %w", s, err)
	}
	if cores < 0 {
		return 0, fmt.Errorf("cpu quantity %q is negative", s)
	}
	return cores, nil
}

// memorySuffixes are binary multiples (1024-based).
var memorySuffixes = []struct {
	suffix string
	mult   int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseMemory parses a memory quantity into bytes. The suffixes Ki, Mi,
// Gi and Ti are binary multiples; plain numbers are bytes.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory quantity")
	}
	for _, m := range memorySuffixes {
		if strings.HasSuffix(s, m.suffix) {
			val, err := strconv.ParseFloat(strings.TrimSuffix(s, m.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid memory quantity %q: %w", s, err)
			}
			if val < 0 {
				return 0, fmt.Errorf("memory quantity %q is negative", s)
			}
			return int64(val * float64(m.mult)), nil
		}
	}
	bytes, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q: %w", s, err)
	}
	if bytes < 0 {
		return 0, fmt.Errorf("memory quantity %q is negative", s)
	}
	return bytes, nil
}

// FormatMemory renders bytes with the largest exact binary suffix, for
// human-readable snapshots.
func FormatMemory(bytes int64) string {
	for _, m := range memorySuffixes {
		if bytes >= m.mult && bytes%m.mult == 0 {
			return fmt.Sprintf("%d%s", bytes/m.mult, m.suffix)
		}
	}
	return strconv.FormatInt(bytes, 10)
}
