// Package util holds small shared helpers with no better home.
package util

import (
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
)

// alias so we can mock in tests
var runtimeNumCPU = runtime.NumCPU

// ParseConcurrency accepts a worker count ("4") or a percentage of logical
// CPUs ("50%") and returns the resolved worker count, always at least 1.
func ParseConcurrency(concurrencyRaw string) (int, error) {
	if strings.HasSuffix(concurrencyRaw, "%") {
		percent, err := strconv.ParseFloat(concurrencyRaw[:len(concurrencyRaw)-1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid concurrency value %q: expected a number or a percentage of CPU cores: %w", concurrencyRaw, err)
		}
		if percent <= 0 || math.IsInf(percent, 1) {
			return 0, fmt.Errorf("invalid concurrency percentage %q: expected a value between 1%% and 100%%", concurrencyRaw)
		}
		return int(math.Max(1, float64(runtimeNumCPU())*percent/100)), nil
	}
	i, err := strconv.Atoi(concurrencyRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid concurrency value %q: expected a positive integer: %w", concurrencyRaw, err)
	}
	if i < 1 {
		return 0, fmt.Errorf("invalid concurrency value %v: expected a positive integer greater than or equal to 1", i)
	}
	return i, nil
}
