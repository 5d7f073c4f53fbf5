package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
)

// Unit constants for fee rate conversion.
const (
	// SatoshiPerBitcoin is the number of satoshis in one bitcoin.
	SatoshiPerBitcoin = 100_000_000

	// WitnessScaleFactor is the number of weight units per virtual byte.
	WitnessScaleFactor = 4
)

var (
	// ErrInvalidFeeRate is returned for unparsable or negative fee rates.
	ErrInvalidFeeRate = errors.New("invalid fee rate")

	btcToSat  = big.NewRat(SatoshiPerBitcoin, 1)
	vbyteToWU = big.NewRat(WitnessScaleFactor, 1)
)

// FeeRate is an exact fee rate in satoshis per 1000 virtual bytes.
// The zero value is a zero rate.
type FeeRate struct {
	satPerKvB *big.Rat
}

// FeeRateFromBTCPerKvB converts a bitcoin-per-kvB decimal, as returned by
// estimatesmartfee, without passing through float64.
func FeeRateFromBTCPerKvB(n json.Number) (FeeRate, error) {
	r, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return FeeRate{}, fmt.Errorf("%w: %q", ErrInvalidFeeRate, n.String())
	}
	if r.Sign() < 0 {
		return FeeRate{}, fmt.Errorf("%w: negative %q", ErrInvalidFeeRate, n.String())
	}
	return FeeRate{satPerKvB: r.Mul(r, btcToSat)}, nil
}

// FeeRateFromSatPerKvB builds a fee rate from satoshis per 1000 virtual bytes.
func FeeRateFromSatPerKvB(sat uint64) FeeRate {
	return FeeRate{satPerKvB: new(big.Rat).SetInt(new(big.Int).SetUint64(sat))}
}

// FeeRateFromSatPerKW builds a fee rate from satoshis per 1000 weight units.
func FeeRateFromSatPerKW(sat uint64) FeeRate {
	r := new(big.Rat).SetInt(new(big.Int).SetUint64(sat))
	return FeeRate{satPerKvB: r.Mul(r, vbyteToWU)}
}

func (f FeeRate) rat() *big.Rat {
	if f.satPerKvB == nil {
		return new(big.Rat)
	}
	return f.satPerKvB
}

// SatPerKvB returns the rate in satoshis per kvB, rounded up.
func (f FeeRate) SatPerKvB() uint64 {
	return ceilUint64(f.rat())
}

// SatPerKW returns the rate in satoshis per 1000 weight units, rounded up so
// that a converted estimate never pays less than the backend asked for.
func (f FeeRate) SatPerKW() uint64 {
	return ceilUint64(new(big.Rat).Quo(f.rat(), vbyteToWU))
}

// Cmp compares two fee rates exactly.
func (f FeeRate) Cmp(other FeeRate) int {
	return f.rat().Cmp(other.rat())
}

// IsZero reports whether the rate is zero.
func (f FeeRate) IsZero() bool {
	return f.rat().Sign() == 0
}

// MaxFeeRate returns the larger of two rates.
func MaxFeeRate(a, b FeeRate) FeeRate {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func (f FeeRate) String() string {
	return f.rat().FloatString(3) + " sat/kvB"
}

// ceilUint64 rounds a non-negative rational up, saturating at MaxUint64.
func ceilUint64(r *big.Rat) uint64 {
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsUint64() {
		return math.MaxUint64
	}
	return q.Uint64()
}

// BTCToSatoshi converts an exact decimal bitcoin amount to satoshis. Amounts
// with sub-satoshi precision are rejected rather than rounded.
func BTCToSatoshi(n json.Number) (int64, error) {
	r, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", n.String())
	}
	r.Mul(r, btcToSat)
	if !r.IsInt() {
		return 0, fmt.Errorf("amount %q has sub-satoshi precision", n.String())
	}
	if !r.Num().IsInt64() || r.Sign() < 0 {
		return 0, fmt.Errorf("amount %q out of range", n.String())
	}
	return r.Num().Int64(), nil
}
