package types

import (
	"errors"
	"math"
	"math/big"

	"git.gammaspectra.live/P2Pool/netsim/utils"
)

var ZeroDifficulty = Difficulty{}

// Difficulty is an unbounded non-negative integer. Block difficulty,
// cumulative difficulty and per-pool scores all use this type; none of the
// arithmetic may wrap or truncate, so it is backed by a big.Int rather than a
// fixed-width pair of words.
//
// The zero value is usable and equals 0. Values are immutable: every
// operation returns a fresh Difficulty and never writes through a receiver.
// Do not compare with ==, use Equals or Cmp.
type Difficulty struct {
	v big.Int
}

func (d Difficulty) IsZero() bool {
	return d.v.Sign() == 0
}

func (d Difficulty) Equals(v Difficulty) bool {
	return d.v.Cmp(&v.v) == 0
}

func (d Difficulty) Equals64(v uint64) bool {
	return d.Cmp64(v) == 0
}

func (d Difficulty) Cmp(v Difficulty) int {
	return d.v.Cmp(&v.v)
}

func (d Difficulty) Cmp64(v uint64) int {
	var o big.Int
	o.SetUint64(v)
	return d.v.Cmp(&o)
}

func (d Difficulty) Add(v Difficulty) Difficulty {
	var r Difficulty
	r.v.Add(&d.v, &v.v)
	return r
}

func (d Difficulty) Add64(v uint64) Difficulty {
	var o big.Int
	o.SetUint64(v)
	var r Difficulty
	r.v.Add(&d.v, &o)
	return r
}

func (d Difficulty) Sub(v Difficulty) Difficulty {
	var r Difficulty
	r.v.Sub(&d.v, &v.v)
	if r.v.Sign() < 0 {
		return ZeroDifficulty
	}
	return r
}

func (d Difficulty) Sub64(v uint64) Difficulty {
	var o big.Int
	o.SetUint64(v)
	var r Difficulty
	r.v.Sub(&d.v, &o)
	if r.v.Sign() < 0 {
		return ZeroDifficulty
	}
	return r
}

// AddDelta applies a signed score adjustment, clamping at zero.
func (d Difficulty) AddDelta(v int64) Difficulty {
	var o big.Int
	o.SetInt64(v)
	var r Difficulty
	r.v.Add(&d.v, &o)
	if r.v.Sign() < 0 {
		return ZeroDifficulty
	}
	return r
}

func (d Difficulty) Mul(v Difficulty) Difficulty {
	var r Difficulty
	r.v.Mul(&d.v, &v.v)
	return r
}

func (d Difficulty) Mul64(v uint64) Difficulty {
	var o big.Int
	o.SetUint64(v)
	var r Difficulty
	r.v.Mul(&d.v, &o)
	return r
}

func (d Difficulty) Div64(v uint64) Difficulty {
	var o big.Int
	o.SetUint64(v)
	var r Difficulty
	r.v.Div(&d.v, &o)
	return r
}

// DivCeil64 divides rounding up. v must be non-zero.
func (d Difficulty) DivCeil64(v uint64) Difficulty {
	var o big.Int
	o.SetUint64(v)
	var r Difficulty
	var rem big.Int
	r.v.DivMod(&d.v, &o, &rem)
	if rem.Sign() != 0 {
		r.v.Add(&r.v, big.NewInt(1))
	}
	return r
}

// Float64 returns the nearest float64, math.MaxFloat64 on overflow. Used only where a
// rate is needed (block-time lambda), never for consensus arithmetic.
func (d Difficulty) Float64() float64 {
	f, _ := new(big.Float).SetInt(&d.v).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}

// Big returns d as a *big.Int copy.
func (d Difficulty) Big() *big.Int {
	return new(big.Int).Set(&d.v)
}

func (d Difficulty) Uint64() uint64 {
	return d.v.Uint64()
}

func (d Difficulty) String() string {
	return d.v.String()
}

func (d Difficulty) StringNumeric() string {
	return d.v.String()
}

func (d Difficulty) MarshalJSON() ([]byte, error) {
	return []byte("\"" + d.v.String() + "\""), nil
}

func (d *Difficulty) UnmarshalJSON(b []byte) error {
	var s string
	if err := utils.UnmarshalJSON(b, &s); err != nil {
		return err
	}

	if diff, err := DifficultyFromString(s); err != nil {
		return err
	} else {
		*d = diff

		return nil
	}
}

func MustDifficultyFromString(s string) Difficulty {
	if d, err := DifficultyFromString(s); err != nil {
		panic(err)
	} else {
		return d
	}
}

func DifficultyFromString(s string) (Difficulty, error) {
	var d Difficulty
	if _, ok := d.v.SetString(s, 10); !ok {
		return ZeroDifficulty, errors.New("malformed difficulty " + s)
	}
	if d.v.Sign() < 0 {
		return ZeroDifficulty, errors.New("negative difficulty " + s)
	}
	return d, nil
}

func DifficultyFrom64(v uint64) Difficulty {
	var d Difficulty
	d.v.SetUint64(v)
	return d
}
