// Package field decodes aggregate vectors reported by the DAP collector.
//
// The collector reports every bucket as an element of the Field128 prime
// field used by Prio3. Small negative aggregates wrap around to values just
// below the modulus and are folded back into signed integers here.
package field

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// ModulusDecimal is the Field128 prime, 2^128 - 28*2^64 + 1.
	ModulusDecimal = "340282366920938462946865773367900766209"

	// Bits is the field size in bits.
	Bits = 128
)

var (
	modulus = mustInt(ModulusDecimal)
	cutoff  = new(big.Int).Lsh(big.NewInt(1), Bits-1)
)

func mustInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("field: invalid constant " + s)
	}
	return v
}

// Modulus returns a copy of the field prime.
func Modulus() *big.Int { return new(big.Int).Set(modulus) }

// Cutoff returns a copy of 2^127; raw values above it are negative.
func Cutoff() *big.Int { return new(big.Int).Set(cutoff) }

// CorrectWraparound maps a raw field element to the signed integer it encodes.
// Values above 2^127 are treated as negatives and have the modulus subtracted;
// everything else is returned unchanged. raw is not modified.
func CorrectWraparound(raw *big.Int) *big.Int {
	if raw.Cmp(cutoff) > 0 {
		return new(big.Int).Sub(raw, modulus)
	}
	return new(big.Int).Set(raw)
}

// MalformedVectorError is returned when the collector output is not a list of
// non-negative integers.
type MalformedVectorError struct {
	Text   string
	Offset int // zero-based element index, -1 for whole-text problems
	Reason string
}

func (e *MalformedVectorError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("malformed aggregation vector: element %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("malformed aggregation vector: %s", e.Reason)
}

// Vector is a decoded aggregate. Index i holds bucket i.
type Vector []*big.Int

// Get returns bucket i.
func (v Vector) Get(i int) (*big.Int, bool) {
	if i < 0 || i >= len(v) {
		return nil, false
	}
	return v[i], true
}

// Int64 returns bucket i as an int64. It fails when the bucket does not exist
// or the value does not fit.
func (v Vector) Int64(i int) (int64, error) {
	b, ok := v.Get(i)
	if !ok {
		return 0, fmt.Errorf("bucket %d out of range for vector of length %d", i, len(v))
	}
	if !b.IsInt64() {
		return 0, fmt.Errorf("bucket %d value %s overflows int64", i, b)
	}
	return b.Int64(), nil
}

// Int64s converts the whole vector, failing on the first value that does not
// fit in an int64.
func (v Vector) Int64s() ([]int64, error) {
	out := make([]int64, len(v))
	for i := range v {
		n, err := v.Int64(i)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// ParseVector parses a comma separated list of non-negative integers such as
// "5,3, 6,0, 8" or "[5, 3]" and corrects every element for wraparound. The
// result is all or nothing: any malformed element fails the whole vector.
func ParseVector(text string) (Vector, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "[") || strings.HasSuffix(body, "]") {
		if !strings.HasPrefix(body, "[") || !strings.HasSuffix(body, "]") {
			return nil, &MalformedVectorError{Text: text, Offset: -1, Reason: "unbalanced brackets"}
		}
		body = strings.TrimSpace(body[1 : len(body)-1])
		if body == "" {
			return Vector{}, nil
		}
	}
	if body == "" {
		return nil, &MalformedVectorError{Text: text, Offset: -1, Reason: "empty input"}
	}

	parts := strings.Split(body, ",")
	out := make(Vector, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &MalformedVectorError{Text: text, Offset: i, Reason: "empty element"}
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return nil, &MalformedVectorError{Text: text, Offset: i, Reason: fmt.Sprintf("%q is not a non-negative integer", part)}
			}
		}
		raw, ok := new(big.Int).SetString(part, 10)
		if !ok {
			return nil, &MalformedVectorError{Text: text, Offset: i, Reason: fmt.Sprintf("cannot parse %q", part)}
		}
		out = append(out, CorrectWraparound(raw))
	}
	return out, nil
}
