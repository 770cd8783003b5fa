package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsGauge reads the charge of a Linux power supply, e.g. "BAT0".
type SysfsGauge struct {
	path string
}

func NewSysfsGauge(supply string) *SysfsGauge {
	return &SysfsGauge{path: filepath.Join("/sys/class/power_supply", supply, "capacity")}
}

func (g *SysfsGauge) Level(_ context.Context) (uint8, error) {
	b, err := os.ReadFile(g.path)
	if err != nil {
		return 0, Fault("battery read", err)
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, Fault("battery parse", fmt.Errorf("%q: %w", strings.TrimSpace(string(b)), err))
	}
	return uint8(max(0, min(100, pct))), nil
}
