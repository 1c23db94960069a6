package protocol

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Decimal is a non-negative arbitrary-precision decimal amount. Amounts cross
// the wire as decimal strings; some peers emit bare JSON numbers, so both
// forms are accepted on decode. Internally the value is a big.Rat, the same
// representation the oracle pipeline uses for rates.
type Decimal struct {
	rat *big.Rat
}

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseDecimal parses a non-negative decimal string such as "1" or "0.75".
// Signs, exponents and rational forms are rejected.
func ParseDecimal(s string) (Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if !decimalPattern.MatchString(trimmed) {
		return Decimal{}, fmt.Errorf("invalid decimal %q", s)
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return Decimal{}, fmt.Errorf("invalid decimal %q", s)
	}
	return Decimal{rat: rat}, nil
}

// MustDecimal parses a decimal literal and panics on failure. Intended for
// constants and tests.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFromRat wraps an existing rational. Negative values are clamped to
// zero.
func DecimalFromRat(rat *big.Rat) Decimal {
	if rat == nil || rat.Sign() < 0 {
		return Decimal{}
	}
	return Decimal{rat: new(big.Rat).Set(rat)}
}

// Rat returns a copy of the underlying rational. The zero value yields 0/1.
func (d Decimal) Rat() *big.Rat {
	if d.rat == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(d.rat)
}

// Float64 returns the nearest float64 approximation.
func (d Decimal) Float64() float64 {
	if d.rat == nil {
		return 0
	}
	f, _ := d.rat.Float64()
	return f
}

// IsZero reports whether the amount is exactly zero (or unset).
func (d Decimal) IsZero() bool {
	return d.rat == nil || d.rat.Sign() == 0
}

// Cmp compares two amounts, returning -1, 0 or +1.
func (d Decimal) Cmp(other Decimal) int {
	return d.Rat().Cmp(other.Rat())
}

// Mul returns d scaled by the given rational factor, clamped at zero.
func (d Decimal) Mul(factor *big.Rat) Decimal {
	if factor == nil {
		return Decimal{}
	}
	return DecimalFromRat(new(big.Rat).Mul(d.Rat(), factor))
}

// String renders the canonical decimal form: integers without a fraction,
// otherwise up to 18 fractional digits with trailing zeros trimmed.
func (d Decimal) String() string {
	if d.rat == nil {
		return "0"
	}
	if d.rat.IsInt() {
		return d.rat.Num().String()
	}
	s := d.rat.FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// MarshalJSON renders the amount as a decimal string.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a JSON string or a bare number.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseDecimal(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	parsed, err := ParseDecimal(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
