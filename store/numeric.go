package store

import (
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

var (
	weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))
	ratScale8   = big.NewInt(100_000_000)
)

// numericFromBig converts an integral big.Int into a Postgres numeric
// parameter. A nil input becomes SQL NULL.
func numericFromBig(x *big.Int) pgtype.Numeric {
	if x == nil {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(x), Exp: 0, Valid: true}
}

// numericFromWei scales an integral wei amount into an ether-denominated
// numeric with 18 fractional digits, exactly and without floats.
func numericFromWei(wei *big.Int) pgtype.Numeric {
	if wei == nil {
		return pgtype.Numeric{Int: new(big.Int), Exp: 0, Valid: true}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(wei), Exp: -18, Valid: true}
}

// numericFromRat truncates a rational to 8 fractional digits, the scale of
// the normalized amount columns. A nil input becomes SQL NULL.
func numericFromRat(r *big.Rat) pgtype.Numeric {
	if r == nil {
		return pgtype.Numeric{}
	}
	scaled := new(big.Int).Mul(r.Num(), ratScale8)
	scaled.Quo(scaled, r.Denom())
	return pgtype.Numeric{Int: scaled, Exp: -8, Valid: true}
}

// bigFromNumeric converts a scanned integral numeric back into a big.Int.
func bigFromNumeric(n pgtype.Numeric) *big.Int {
	if !n.Valid || n.Int == nil {
		return nil
	}
	v := new(big.Int).Set(n.Int)
	if n.Exp > 0 {
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil)
		v.Mul(v, mul)
	} else if n.Exp < 0 {
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil)
		v.Quo(v, div)
	}
	return v
}

// WeiToEther converts a wei amount to a float ether value for fiat
// valuation. Precision loss past float64 is acceptable for USD columns.
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Float64()
	return f
}

// NormalizedAmount divides a raw token amount by 10^decimals. Callers pass
// decimals 0 to keep the raw magnitude.
func NormalizedAmount(amount *big.Int, decimals int32) *big.Rat {
	if amount == nil {
		return nil
	}
	if decimals <= 0 {
		return new(big.Rat).SetInt(amount)
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Rat).SetFrac(new(big.Int).Set(amount), denom)
}
