package agent

import (
	"github.com/shirou/gopsutil/v3/cpu"
)

// CoreCount returns the logical core count reported for this host's hello
// message, falling back to 1 if gopsutil cannot determine it.
func CoreCount() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		return 1
	}
	return counts
}
