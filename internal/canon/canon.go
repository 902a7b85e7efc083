// Package canon turns arbitrary structured inputs into canonical bytes.
// Two inputs are "the same work" exactly when their canonical bytes are
// equal, so everything here is deterministic: map order never leaks,
// floats are rounded on a fixed grid, strings are NFKC-normalized, and
// empty values vanish.
package canon

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Rounding grid for floats. Magnitudes below clampEps after rounding
// collapse to integer zero so that -0.0000000001 and 0 agree.
const clampEps = 1e-10

// roundScale is the 1e-6 grid denominator.
var roundScale = big.NewInt(1_000_000)

// Canonicalize transforms v and serializes it to compact, ASCII-only,
// key-sorted JSON bytes. Idempotent: feeding the decoded output back in
// returns identical bytes.
func Canonicalize(v any) ([]byte, error) {
	t := transform(v)
	var b strings.Builder
	if err := encode(&b, t); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// CanonicalizeParams canonicalizes a parameter map. Nil maps canonicalize
// to empty-object bytes.
func CanonicalizeParams(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	return Canonicalize(params)
}

// transform applies the value rules recursively. It returns one of:
// nil, bool, int64, float64, string, []any, map[string]any.
func transform(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return x
	case string:
		return NormalizeString(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return RoundFloat(float64(x))
	case float64:
		return RoundFloat(x)
	case []any:
		out := make([]any, 0, len(x))
		for _, el := range x {
			t := transform(el)
			if isEmpty(t) {
				continue
			}
			out = append(out, t)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			t := transform(el)
			if isEmpty(t) {
				continue
			}
			out[k] = t
		}
		return out
	default:
		// Unknown types canonicalize through their string form.
		return NormalizeString(fmt.Sprintf("%v", x))
	}
}

// isEmpty reports whether a transformed value is dropped from its parent.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// RoundFloat rounds half away from zero on the 1e-6 grid and clamps
// near-zero results to exactly zero. Rounding goes through big.Rat on
// the exact binary value of f, so grid placement never drifts with the
// magnitude. Integral results stay float64 here; the encoder merges
// them with integers.
func RoundFloat(f float64) any {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	scaled := new(big.Rat).SetFloat64(f)
	scaled.Mul(scaled, new(big.Rat).SetInt(roundScale))
	r, _ := new(big.Rat).SetFrac(roundRat(scaled), roundScale).Float64()
	if math.Abs(r) < clampEps {
		return int64(0)
	}
	return r
}

// roundRat rounds r to the nearest integer, ties away from zero:
// sign(p) * (2|p| + q) / 2q for r = p/q.
func roundRat(r *big.Rat) *big.Int {
	num, den := r.Num(), r.Denom()
	n := new(big.Int).Abs(num)
	n.Lsh(n, 1)
	n.Add(n, den)
	n.Div(n, new(big.Int).Lsh(den, 1))
	if num.Sign() < 0 {
		n.Neg(n)
	}
	return n
}

// NormalizeString applies NFKC and collapses whitespace runs to single
// spaces, trimming the ends.
func NormalizeString(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}
