package store

import (
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestNumericFromBig(t *testing.T) {
	n := numericFromBig(big.NewInt(1234))
	if !n.Valid || n.Exp != 0 || n.Int.Int64() != 1234 {
		t.Fatalf("numeric = %+v", n)
	}
	if numericFromBig(nil).Valid {
		t.Fatal("nil big.Int should map to SQL NULL")
	}
}

func TestNumericFromWei(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10) // 1.5 ether
	n := numericFromWei(wei)
	if !n.Valid || n.Exp != -18 {
		t.Fatalf("numeric = %+v", n)
	}
	if n.Int.Cmp(wei) != 0 {
		t.Fatalf("mantissa = %s, want %s", n.Int, wei)
	}
	// Missing value amounts contribute zero, not NULL, so additive upserts
	// never null a counter out.
	zero := numericFromWei(nil)
	if !zero.Valid || zero.Int.Sign() != 0 {
		t.Fatalf("nil wei = %+v, want valid zero", zero)
	}
}

func TestNumericFromRatTruncates(t *testing.T) {
	// 1/3 truncated at 8 fractional digits.
	n := numericFromRat(big.NewRat(1, 3))
	if !n.Valid || n.Exp != -8 {
		t.Fatalf("numeric = %+v", n)
	}
	if n.Int.Int64() != 33333333 {
		t.Fatalf("mantissa = %s, want 33333333", n.Int)
	}
	if numericFromRat(nil).Valid {
		t.Fatal("nil rat should map to SQL NULL")
	}
}

func TestBigFromNumeric(t *testing.T) {
	cases := []struct {
		in   pgtype.Numeric
		want string
	}{
		{pgtype.Numeric{Int: big.NewInt(7), Exp: 0, Valid: true}, "7"},
		{pgtype.Numeric{Int: big.NewInt(7), Exp: 3, Valid: true}, "7000"},
		{pgtype.Numeric{Int: big.NewInt(7123), Exp: -3, Valid: true}, "7"},
	}
	for _, c := range cases {
		if got := bigFromNumeric(c.in); got.String() != c.want {
			t.Fatalf("bigFromNumeric(%v) = %s, want %s", c.in, got, c.want)
		}
	}
	if bigFromNumeric(pgtype.Numeric{}) != nil {
		t.Fatal("invalid numeric should map to nil")
	}
}

func TestWeiToEther(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := WeiToEther(wei); got != 1.5 {
		t.Fatalf("WeiToEther = %v, want 1.5", got)
	}
	if got := WeiToEther(nil); got != 0 {
		t.Fatalf("WeiToEther(nil) = %v", got)
	}
}

func TestNormalizedAmount(t *testing.T) {
	amount, _ := new(big.Int).SetString("1500000", 10)
	r := NormalizedAmount(amount, 6)
	if r.Cmp(big.NewRat(3, 2)) != 0 {
		t.Fatalf("normalized = %s, want 3/2", r)
	}
	// Zero decimals keeps the raw magnitude (ERC-1155 semantics).
	r = NormalizedAmount(big.NewInt(42), 0)
	if r.Cmp(new(big.Rat).SetInt64(42)) != 0 {
		t.Fatalf("normalized = %s, want 42", r)
	}
	if NormalizedAmount(nil, 18) != nil {
		t.Fatal("nil amount should stay nil")
	}
}
