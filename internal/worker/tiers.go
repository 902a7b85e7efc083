// Package worker runs CAD jobs in isolated engine subprocesses with
// per-tenant resource tiers, live memory and CPU monitoring, a circuit
// breaker, and document lifecycle coordination.
package worker

import (
	"strings"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Tier bundles the resource limits applied to one tenant class.
// Records are immutable; ResolveTier hands out copies of the table
// rows.
type Tier struct {
	Name                   string
	MaxMemMB               int
	MaxCPUPct              int
	MaxWallSeconds         int
	MaxComplexity          int
	MaxConcurrentPerTenant int
	AllowedExportFormats   map[string]bool
	MaxFileMB              int
}

// AllowsFormat reports whether the tier may export format, matched
// case-insensitively.
func (t *Tier) AllowsFormat(format string) bool {
	return t.AllowedExportFormats[strings.ToLower(format)]
}

func formatSet(formats ...string) map[string]bool {
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set[f] = true
	}
	return set
}

// tierTable orders tiers basic < pro < enterprise. Limits come from
// the platform's published plans.
var tierTable = map[string]Tier{
	"basic": {
		Name:                   "basic",
		MaxMemMB:               1024,
		MaxCPUPct:              50,
		MaxWallSeconds:         120,
		MaxComplexity:          100,
		MaxConcurrentPerTenant: 1,
		AllowedExportFormats:   formatSet("fcstd", "stl"),
		MaxFileMB:              25,
	},
	"pro": {
		Name:                   "pro",
		MaxMemMB:               4096,
		MaxCPUPct:              100,
		MaxWallSeconds:         600,
		MaxComplexity:          1000,
		MaxConcurrentPerTenant: 4,
		AllowedExportFormats:   formatSet("fcstd", "stl", "step", "iges", "obj", "dxf"),
		MaxFileMB:              200,
	},
	"enterprise": {
		Name:                   "enterprise",
		MaxMemMB:               16384,
		MaxCPUPct:              400,
		MaxWallSeconds:         3600,
		MaxComplexity:          10000,
		MaxConcurrentPerTenant: 16,
		AllowedExportFormats:   formatSet("fcstd", "stl", "step", "iges", "obj", "dxf", "ifc", "dae"),
		MaxFileMB:              2048,
	},
}

// ResolveTier maps a tier name to its limits. Unknown names are a
// validation error rather than a silent downgrade.
func ResolveTier(name string) (Tier, error) {
	tier, ok := tierTable[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Tier{}, types.Faultf(types.CodeValidationFailed, "unknown resource tier %q", name)
	}
	return tier, nil
}
