package rules

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Conversion records one unit rewrite applied during normalization.
type Conversion struct {
	Name   string  `json:"name,omitempty"`
	From   string  `json:"from"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// Millimeter factors for the unit tokens scripts may use.
var unitFactors = map[string]float64{
	"mm":   1,
	"cm":   10,
	"inch": 25.4,
}

var (
	// length_cm = 2.5
	suffixAssignRe = regexp.MustCompile(`^(\s*)([A-Za-z_][A-Za-z0-9_]*)_(mm|cm|inch)(\s*=\s*)(-?\d+(?:\.\d+)?)(\s*)$`)
	// width = 30 # cm
	commentUnitRe = regexp.MustCompile(`^(\s*[A-Za-z_][A-Za-z0-9_]*\s*=\s*)(-?\d+(?:\.\d+)?)\s*#\s*(mm|cm|inch)\s*$`)
	// cm(2.5) / inch(1)
	callUnitRe = regexp.MustCompile(`\b(cm|inch)\(\s*(-?\d+(?:\.\d+)?)\s*\)`)
)

// rewriteUnits converts every recognized unit literal in the script to
// millimeters and returns the rewritten text plus the conversions
// applied. Plain-mm spellings are normalized (suffix stripped) without a
// conversion record.
func rewriteUnits(src string) (string, []Conversion) {
	var conversions []Conversion
	lines := strings.Split(src, "\n")

	for i, line := range lines {
		if m := suffixAssignRe.FindStringSubmatch(line); m != nil {
			before, _ := strconv.ParseFloat(m[5], 64)
			unit := m[3]
			after := toMM(before, unit)
			lines[i] = m[1] + m[2] + m[4] + formatMM(after)
			if unit != "mm" {
				conversions = append(conversions, Conversion{Name: m[2], From: unit, Before: before, After: after})
			}
			continue
		}
		if m := commentUnitRe.FindStringSubmatch(line); m != nil {
			before, _ := strconv.ParseFloat(m[2], 64)
			unit := m[3]
			after := toMM(before, unit)
			lines[i] = m[1] + formatMM(after)
			if unit != "mm" {
				name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[1]), "="))
				conversions = append(conversions, Conversion{Name: name, From: unit, Before: before, After: after})
			}
			continue
		}
		lines[i] = callUnitRe.ReplaceAllStringFunc(line, func(s string) string {
			m := callUnitRe.FindStringSubmatch(s)
			before, _ := strconv.ParseFloat(m[2], 64)
			after := toMM(before, m[1])
			conversions = append(conversions, Conversion{From: m[1], Before: before, After: after})
			return formatMM(after)
		})
	}
	return strings.Join(lines, "\n"), conversions
}

func toMM(v float64, unit string) float64 {
	out := v * unitFactors[unit]
	return math.Round(out*1e6) / 1e6
}

// formatMM renders a millimeter value. Integral values keep one decimal
// so a converted literal still reads as a float in the script.
func formatMM(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
