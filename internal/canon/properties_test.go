package canon

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genInput produces nested parameter maps of the shape the cache layer
// feeds us: bools, ints, floats, strings with messy whitespace and the
// odd non-ASCII rune, lists and maps a few levels deep.
func genInput() gopter.Gen {
	return func(gp *gopter.GenParameters) *gopter.GenResult {
		return gopter.NewGenResult(randomMap(gp, 3), gopter.NoShrinker)
	}
}

const keyRunes = "abcdefgh"

var stringRunes = []rune("abc XYZ \t éß move")

func randomKey(gp *gopter.GenParameters) string {
	n := 1 + gp.Rng.Intn(7)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(keyRunes[gp.Rng.Intn(len(keyRunes))])
	}
	return b.String()
}

func randomString(gp *gopter.GenParameters) string {
	n := gp.Rng.Intn(12)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteRune(stringRunes[gp.Rng.Intn(len(stringRunes))])
	}
	return b.String()
}

func randomValue(gp *gopter.GenParameters, depth int) any {
	arms := 7
	if depth <= 0 {
		arms = 5
	}
	switch gp.Rng.Intn(arms) {
	case 0:
		return gp.Rng.Int63n(1<<32) - 1<<31
	case 1:
		return (gp.Rng.Float64() - 0.5) * 2e6
	case 2:
		return randomString(gp)
	case 3:
		return gp.Rng.Intn(2) == 0
	case 4:
		return nil
	case 5:
		n := gp.Rng.Intn(4)
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, randomValue(gp, depth-1))
		}
		return out
	default:
		return randomMap(gp, depth-1)
	}
}

func randomMap(gp *gopter.GenParameters, depth int) map[string]any {
	n := gp.Rng.Intn(5)
	m := make(map[string]any, n)
	for i := 0; i < n; i++ {
		m[randomKey(gp)] = randomValue(gp, depth)
	}
	return m
}

func deepClone(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = deepClone(el)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = deepClone(el)
		}
		return out
	default:
		return x
	}
}

func TestCanonicalizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("bytes survive a decode cycle", prop.ForAll(
		func(m map[string]any) bool {
			first, err := Canonicalize(m)
			if err != nil {
				return false
			}
			var decoded any
			if err := json.Unmarshal(first, &decoded); err != nil {
				return false
			}
			second, err := Canonicalize(decoded)
			if err != nil {
				return false
			}
			return bytes.Equal(first, second)
		},
		genInput(),
	))

	properties.Property("map iteration order never leaks", prop.ForAll(
		func(m map[string]any) bool {
			a, err := Canonicalize(m)
			if err != nil {
				return false
			}
			b, err := Canonicalize(deepClone(m))
			if err != nil {
				return false
			}
			return bytes.Equal(a, b)
		},
		genInput(),
	))

	properties.Property("injected empty values change nothing", prop.ForAll(
		func(m map[string]any) bool {
			clean, err := Canonicalize(m)
			if err != nil {
				return false
			}
			// Key alphabet is a..h, so z-prefixed keys cannot collide.
			dirty := deepClone(m).(map[string]any)
			dirty["z_nil"] = nil
			dirty["z_str"] = ""
			dirty["z_list"] = []any{}
			dirty["z_map"] = map[string]any{"inner": nil}
			got, err := Canonicalize(dirty)
			if err != nil {
				return false
			}
			return bytes.Equal(clean, got)
		},
		genInput(),
	))

	properties.Property("output is pure ASCII", prop.ForAll(
		func(m map[string]any) bool {
			b, err := Canonicalize(m)
			if err != nil {
				return false
			}
			for _, c := range b {
				if c > 0x7E || c < 0x20 {
					return false
				}
			}
			return true
		},
		genInput(),
	))

	properties.TestingRun(t)
}

func TestRoundFloatProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("rounding is idempotent", prop.ForAll(
		func(f float64) bool {
			first := RoundFloat(f)
			rf, ok := first.(float64)
			if !ok {
				// Clamped to zero; rounding zero stays zero.
				return RoundFloat(0) == first
			}
			return RoundFloat(rf) == first
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("rounding moves at most half a grid step", prop.ForAll(
		func(f float64) bool {
			r := RoundFloat(f)
			rf, ok := r.(float64)
			if !ok {
				rf = 0
			}
			return math.Abs(rf-f) <= 5e-7+1e-9
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("at most six decimal places and no exponent", prop.ForAll(
		func(f float64) bool {
			b, err := Canonicalize(map[string]any{"x": f})
			if err != nil {
				return false
			}
			num := strings.TrimSuffix(strings.TrimPrefix(string(b), `{"x":`), "}")
			if strings.ContainsAny(num, "eE") {
				return false
			}
			if i := strings.IndexByte(num, '.'); i >= 0 {
				return len(num)-i-1 <= 6
			}
			return true
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}

func TestRoundFloatClamp(t *testing.T) {
	for _, f := range []float64{0, 1e-11, -1e-11, 4e-7, -4e-7} {
		if got := RoundFloat(f); got != int64(0) {
			t.Errorf("RoundFloat(%g) = %v (%T), want int64 0", f, got, got)
		}
	}
	if got := RoundFloat(1e-6); got != 1e-6 {
		t.Errorf("RoundFloat(1e-6) = %v, want 1e-6", got)
	}
}

func TestRoundRatTiesAwayFromZero(t *testing.T) {
	tests := []struct {
		num, den, want int64
	}{
		{5, 10, 1},
		{15, 10, 2},
		{-5, 10, -1},
		{-15, 10, -2},
		{4, 10, 0},
		{-4, 10, 0},
		{26, 10, 3},
		{7, 1, 7},
		{0, 3, 0},
	}
	for _, tt := range tests {
		r := big.NewRat(tt.num, tt.den)
		if got := roundRat(r); got.Int64() != tt.want {
			t.Errorf("roundRat(%d/%d) = %v, want %d", tt.num, tt.den, got, tt.want)
		}
	}
}

// Values already on the grid survive rounding even when the scaled
// product exceeds float64's integer range.
func TestRoundFloatLargeMagnitudeExact(t *testing.T) {
	for _, f := range []float64{
		1e15 + 0.75, // dyadic fraction, exactly 1000000000000000750000 / 1e6
		-(1e15 + 0.75),
		9007199254740991, // 2^53 - 1
		-9007199254740991,
	} {
		if got := RoundFloat(f); got != f {
			t.Errorf("RoundFloat(%v) = %v, want the input back", f, got)
		}
	}
}
