package cpumonitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// errUnavailable is returned (or simulated in tests) when the host has no
// readable /proc/stat counter.
var errUnavailable = errors.New("cpumonitor: cpu counter unavailable")

// parseCPULine parses the aggregate "cpu  user nice system idle iowait irq
// softirq steal guest guest_nice" line from /proc/stat.
func parseCPULine(line string) (idle, total uint64, err error) {
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("cpumonitor: unexpected /proc/stat format: %q", line)
	}

	values := make([]uint64, 0, len(fields)-1)
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("cpumonitor: parse field %q: %w", f, err)
		}
		values = append(values, v)
	}

	// Field order: user, nice, system, idle, iowait, irq, softirq, steal, ...
	const idleIdx = 3
	if len(values) <= idleIdx {
		return 0, 0, fmt.Errorf("cpumonitor: too few fields in /proc/stat line")
	}
	idle = values[idleIdx]
	if len(values) > 4 {
		idle += values[4] // iowait counts as idle time
	}

	for _, v := range values {
		total += v
	}
	return idle, total, nil
}
