package uploads

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectUnitsSTEP(t *testing.T) {
	mm := "#12=(LENGTH_UNIT()NAMED_UNIT(*)SI_UNIT(.MILLI.,.METRE.));"
	assert.Equal(t, UnitMM, detectUnitsSTEP([]byte(mm)))

	m := "#12=(LENGTH_UNIT()NAMED_UNIT(*)SI_UNIT($,.METRE.));"
	assert.Equal(t, UnitM, detectUnitsSTEP([]byte(m)))

	inch := "#14=CONVERSION_BASED_UNIT('INCH',#15);"
	assert.Equal(t, UnitInch, detectUnitsSTEP([]byte(inch)))

	assert.Equal(t, UnitUnknown, detectUnitsSTEP([]byte("DATA;\n#1=CARTESIAN_POINT('',(0.,0.,0.));")))
}

func TestDetectUnitsDXF(t *testing.T) {
	dxf := "  0\nSECTION\n  2\nHEADER\n  9\n$INSUNITS\n 70\n     4\n  0\nENDSEC\n"
	assert.Equal(t, UnitMM, detectUnitsDXF([]byte(dxf)))

	inches := strings.Replace(dxf, "     4", "     1", 1)
	assert.Equal(t, UnitInch, detectUnitsDXF([]byte(inches)))

	unitless := strings.Replace(dxf, "     4", "     0", 1)
	assert.Equal(t, UnitUnknown, detectUnitsDXF([]byte(unitless)))

	assert.Equal(t, UnitUnknown, detectUnitsDXF([]byte("  0\nSECTION\n  0\nENDSEC\n")))
}

func TestDetectUnitsIFC(t *testing.T) {
	mm := "#20=IFCSIUNIT(*,.LENGTHUNIT.,.MILLI.,.METRE.);"
	assert.Equal(t, UnitMM, detectUnitsIFC([]byte(mm)))

	// Bare SI metre is the IFC default.
	m := "#20=IFCSIUNIT(*,.LENGTHUNIT.,$,.METRE.);"
	assert.Equal(t, UnitM, detectUnitsIFC([]byte(m)))

	// A time unit before the length unit must not satisfy the search.
	mixed := "#19=IFCSIUNIT(*,.TIMEUNIT.,$,.SECOND.);\n#20=IFCSIUNIT(*,.LENGTHUNIT.,.MILLI.,.METRE.);"
	assert.Equal(t, UnitMM, detectUnitsIFC([]byte(mixed)))

	assert.Equal(t, UnitUnknown, detectUnitsIFC([]byte("#1=IFCPROJECT($,$,$,$,$,$,$,$,$);")))
}

func TestDetectUnitsIGES(t *testing.T) {
	pad := func(data, section string, seq int) string {
		line := data + strings.Repeat(" ", 72-len(data))
		return line + section + padSeq(seq) + "\n"
	}
	content := pad("bracket rev B", "S", 1) +
		pad("1H,,1H;,7Hbracket,11Hbracket.igs,4HTest,4HTest,32,38,6,308,15,", "G", 1) +
		pad("7Hbracket,1.,2,2HMM,1,0.01,15H20260714.100000,0.0001,1000.,", "G", 2)
	assert.Equal(t, UnitMM, detectUnitsIGES([]byte(content)))

	inches := strings.Replace(content, "2HMM", "2HIN", 1)
	assert.Equal(t, UnitInch, detectUnitsIGES([]byte(inches)))

	assert.Equal(t, UnitUnknown, detectUnitsIGES([]byte("no fixed columns here\n")))
}

func padSeq(n int) string {
	s := "0000000"
	v := s + string(rune('0'+n))
	return v[len(v)-7:]
}

func TestGuessUnitsFromExtent(t *testing.T) {
	assert.Equal(t, UnitUnknown, guessUnitsFromExtent(0))
	assert.Equal(t, UnitM, guessUnitsFromExtent(0.2))
	assert.Equal(t, UnitMM, guessUnitsFromExtent(173))
	assert.Equal(t, UnitMicron, guessUnitsFromExtent(250000))
}

func TestResolveUnits(t *testing.T) {
	assert.Equal(t, UnitInch, ResolveUnits(UnitInch, UnitMM), "detected wins")
	assert.Equal(t, UnitCM, ResolveUnits(UnitUnknown, UnitCM), "declared fills silence")
	assert.Equal(t, UnitMM, ResolveUnits(UnitUnknown, ""), "millimeters are the default")
}

func TestScaleToMM(t *testing.T) {
	assert.Equal(t, 1.0, ScaleToMM(UnitMM))
	assert.Equal(t, 10.0, ScaleToMM(UnitCM))
	assert.Equal(t, 25.4, ScaleToMM(UnitInch))
	assert.Equal(t, 1000.0, ScaleToMM(UnitM))
	assert.Equal(t, 1.0, ScaleToMM(UnitUnknown))
}
