package uploads

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// Unit is a length unit carried by an uploaded file.
type Unit string

const (
	UnitMM      Unit = "mm"
	UnitCM      Unit = "cm"
	UnitM       Unit = "m"
	UnitInch    Unit = "inch"
	UnitFoot    Unit = "ft"
	UnitMicron  Unit = "um"
	UnitUnknown Unit = "unknown"
)

var unitToMM = map[Unit]float64{
	UnitMM:     1,
	UnitCM:     10,
	UnitM:      1000,
	UnitInch:   25.4,
	UnitFoot:   304.8,
	UnitMicron: 0.001,
}

// ScaleToMM returns the multiplier that converts u to millimeters,
// 1 when the unit is unknown.
func ScaleToMM(u Unit) float64 {
	if f, ok := unitToMM[u]; ok {
		return f
	}
	return 1
}

// ResolveUnits applies the precedence order for ambiguous files:
// detected beats declared beats the millimeter default.
func ResolveUnits(detected, declared Unit) Unit {
	if detected != "" && detected != UnitUnknown {
		return detected
	}
	if declared != "" && declared != UnitUnknown {
		return declared
	}
	return UnitMM
}

// detectUnitsSTEP scans the header for the length unit declaration.
// MILLI-prefixed SI metres are mm, a bare SI metre is m, and
// conversion-based units name themselves.
func detectUnitsSTEP(head []byte) Unit {
	up := strings.ToUpper(string(head))
	switch {
	case strings.Contains(up, ".MILLI.") && strings.Contains(up, ".METRE."):
		return UnitMM
	case strings.Contains(up, ".CENTI.") && strings.Contains(up, ".METRE."):
		return UnitCM
	case strings.Contains(up, "'INCH'"), strings.Contains(up, "'INCHES'"):
		return UnitInch
	case strings.Contains(up, "'FOOT'"), strings.Contains(up, "'FEET'"):
		return UnitFoot
	case strings.Contains(up, ".METRE."):
		return UnitM
	}
	return UnitUnknown
}

// dxfUnitCodes maps $INSUNITS group 70 values to units. Unassigned
// codes stay unknown.
var dxfUnitCodes = map[int]Unit{
	1:  UnitInch,
	2:  UnitFoot,
	4:  UnitMM,
	5:  UnitCM,
	6:  UnitM,
	13: UnitMicron,
}

// detectUnitsDXF finds the $INSUNITS header variable. DXF is group
// code / value pairs on alternating lines; the 70 group after the
// variable name carries the unit code.
func detectUnitsDXF(head []byte) Unit {
	sc := bufio.NewScanner(bytes.NewReader(head))
	seen := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "$INSUNITS" {
			seen = true
			continue
		}
		if !seen {
			continue
		}
		if code, err := strconv.Atoi(line); err == nil && line != "70" {
			if u, ok := dxfUnitCodes[code]; ok {
				return u
			}
			return UnitUnknown
		}
	}
	return UnitUnknown
}

// detectUnitsIFC reads the project length unit. IFC defaults to metres
// when the SI unit carries no prefix.
func detectUnitsIFC(head []byte) Unit {
	up := strings.ToUpper(string(head))
	i := strings.Index(up, "IFCSIUNIT")
	for i >= 0 {
		end := strings.Index(up[i:], ";")
		if end < 0 {
			end = len(up) - i
		}
		decl := up[i : i+end]
		if strings.Contains(decl, ".LENGTHUNIT.") {
			switch {
			case strings.Contains(decl, ".MILLI."):
				return UnitMM
			case strings.Contains(decl, ".CENTI."):
				return UnitCM
			case strings.Contains(decl, ".METRE."):
				return UnitM
			}
			return UnitUnknown
		}
		next := strings.Index(up[i+1:], "IFCSIUNIT")
		if next < 0 {
			break
		}
		i += 1 + next
	}
	return UnitUnknown
}

// igesUnitFlags maps the global section unit flag (field 14) to units.
var igesUnitFlags = map[int]Unit{
	1:  UnitInch,
	2:  UnitMM,
	4:  UnitFoot,
	6:  UnitM,
	9:  UnitMicron,
	10: UnitCM,
}

// detectUnitsIGES reads the global section. The unit name (field 15)
// is a Hollerith string and wins over the numeric flag when present.
func detectUnitsIGES(head []byte) Unit {
	global := igesGlobalText(head)
	if global == "" {
		return UnitUnknown
	}
	up := strings.ToUpper(global)
	for tok, u := range map[string]Unit{
		"2HMM": UnitMM, "2HCM": UnitCM, "2HIN": UnitInch,
		"4HINCH": UnitInch, "2HFT": UnitFoot, "2HUM": UnitMicron,
	} {
		if strings.Contains(up, tok) {
			return u
		}
	}
	// 1HM is metres but also a prefix of the longer tokens above, so it
	// is only consulted after they miss.
	if strings.Contains(up, "1HM") {
		return UnitM
	}
	fields := strings.Split(global, ",")
	if len(fields) >= 14 {
		if flag, err := strconv.Atoi(strings.TrimSpace(fields[13])); err == nil {
			if u, ok := igesUnitFlags[flag]; ok {
				return u
			}
		}
	}
	return UnitUnknown
}

// igesGlobalText joins the data columns of the G-section records.
// Columns 1..72 are data, column 73 names the section.
func igesGlobalText(head []byte) string {
	var b strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(head))
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 73 {
			continue
		}
		if line[72] == 'G' {
			b.WriteString(line[:72])
		}
	}
	return b.String()
}

// guessUnitsFromExtent applies the mesh heuristic for formats that
// carry no unit metadata. A bounding box diagonal under one unit reads
// as metres and an enormous one as microns; everything else is assumed
// millimeters already.
func guessUnitsFromExtent(diagonal float64) Unit {
	switch {
	case diagonal <= 0:
		return UnitUnknown
	case diagonal < 1:
		return UnitM
	case diagonal > 100000:
		return UnitMicron
	default:
		return UnitMM
	}
}
