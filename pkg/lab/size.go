package lab

import (
	"fmt"
	"strconv"
	"strings"
)

// MemoryMiB converts a memory size string such as "512MB", "2GB" or "1GiB"
// to whole mebibytes. A bare number is taken to already be in MiB. Binary and
// decimal suffixes are treated alike; backends that pass sizes to external
// tooling do not need finer resolution than that.
func MemoryMiB(size string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(size))
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}

	multiplier := 1.0
	switch {
	case strings.HasSuffix(s, "GIB"), strings.HasSuffix(s, "GB"):
		multiplier = 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "GIB"), "GB")
	case strings.HasSuffix(s, "MIB"), strings.HasSuffix(s, "MB"):
		s = strings.TrimSuffix(strings.TrimSuffix(s, "MIB"), "MB")
	case strings.HasSuffix(s, "KIB"), strings.HasSuffix(s, "KB"):
		multiplier = 1.0 / 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "KIB"), "KB")
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable memory size %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("memory size %q must be positive", size)
	}

	mib := int(value * multiplier)
	if mib < 1 {
		mib = 1
	}
	return mib, nil
}
