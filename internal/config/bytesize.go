package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// parseBytes reads sizes like "512", "64kb", "1.5m" or "2 GB" (binary units).
func parseBytes(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	mult := 1.0
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	if s == "" {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	if v < 0 {
		return 0, errors.New("negative size")
	}
	return int64(v * mult), nil
}
