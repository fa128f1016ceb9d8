// Package money converts between external decimal amounts and the integer
// minor units (cents) every ledger computation is performed in.
package money

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFinite = errors.New("money: value is not a finite number")
	ErrMalformed = errors.New("money: malformed amount")
	ErrOverflow  = errors.New("money: amount overflows int64 cents")
)

var hundred = decimal.NewFromInt(100)

// maxExponent bounds the scientific notation accepted from untrusted text.
// Rescaling 1e9999999 to cents costs seconds of big integer work.
const maxExponent = 40

// ToCents rounds d to the nearest cent, half away from zero.
func ToCents(d decimal.Decimal) (int64, error) {
	c := d.Mul(hundred).Round(0)
	if !c.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return c.IntPart(), nil
}

// FromCents converts minor units back to a two-place decimal.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders cents as a fixed two-place string, e.g. 1050 -> "10.50".
func Format(cents int64) string {
	return FromCents(cents).StringFixed(2)
}

// Amount is an externally supplied monetary value parsed once at the
// boundary. An invalid Amount counts as zero and keeps its raw text so the
// caller can report it. The zero Amount is a valid zero, so absent JSON
// fields read as 0.
type Amount struct {
	cents   int64
	invalid bool
	raw     string
	err     error
}

// Cents wraps an already-trusted minor unit value.
func Cents(c int64) Amount {
	return Amount{cents: c, raw: Format(c)}
}

func (a Amount) Cents() int64 { return a.cents }
func (a Amount) Valid() bool  { return !a.invalid }
func (a Amount) Raw() string  { return a.raw }
func (a Amount) Err() error   { return a.err }

func invalid(raw string, err error) Amount {
	return Amount{invalid: true, raw: raw, err: err}
}

// ParseAmount accepts the shapes amounts arrive in from stores and JSON
// payloads. nil parses as a valid zero.
func ParseAmount(v any) Amount {
	switch x := v.(type) {
	case nil:
		return Amount{}
	case Amount:
		return x
	case decimal.Decimal:
		return fromDecimal(x, x.String())
	case *decimal.Decimal:
		if x == nil {
			return Amount{}
		}
		return fromDecimal(*x, x.String())
	case float64:
		return fromFloat(x)
	case float32:
		return fromFloat(float64(x))
	case int:
		return Amount{cents: int64(x) * 100, raw: strconv.Itoa(x)}
	case int64:
		return Amount{cents: x * 100, raw: strconv.FormatInt(x, 10)}
	case int32:
		return Amount{cents: int64(x) * 100, raw: strconv.FormatInt(int64(x), 10)}
	case json.Number:
		return parseString(string(x))
	case string:
		return parseString(x)
	default:
		return invalid(fmt.Sprintf("%v", v), fmt.Errorf("%w: unsupported type %T", ErrMalformed, v))
	}
}

func fromFloat(f float64) Amount {
	raw := strconv.FormatFloat(f, 'g', -1, 64)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return invalid(raw, ErrNotFinite)
	}
	return fromDecimal(decimal.NewFromFloat(f), raw)
}

func parseString(s string) Amount {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return invalid(s, ErrMalformed)
	}
	switch strings.ToLower(strings.TrimLeft(trimmed, "+-")) {
	case "nan", "inf", "infinity":
		return invalid(s, ErrNotFinite)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return invalid(s, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		return invalid(s, fmt.Errorf("%w: exponent %d out of range", ErrMalformed, exp))
	}
	return fromDecimal(d, s)
}

func fromDecimal(d decimal.Decimal, raw string) Amount {
	c, err := ToCents(d)
	if err != nil {
		return invalid(raw, err)
	}
	return Amount{cents: c, raw: raw}
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = Amount{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = parseString(s)
		return nil
	}
	*a = parseString(string(b))
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.invalid {
		return json.Marshal(a.raw)
	}
	return []byte(Format(a.cents)), nil
}
