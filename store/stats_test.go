package store

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// recordingDB captures executed statements without a database, so ordering
// and argument properties can be checked directly.
type recordingDB struct {
	sqls []string
	args [][]any
}

func (r *recordingDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sqls = append(r.sqls, sql)
	r.args = append(r.args, args)
	return pgconn.CommandTag{}, nil
}

func (r *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (r *recordingDB) QueryRow(context.Context, string, ...any) pgx.Row       { return nil }

func TestStatsBatchMerges(t *testing.T) {
	b := NewStatsBatch()
	b.Add(AddressDelta{Address: "0xaa", TxCount: 1, EthSentWei: big.NewInt(100), SeenBlock: 10})
	b.Add(AddressDelta{Address: "0xaa", TxCount: 1, EthSentWei: big.NewInt(50), TransfersSent: 2, SeenBlock: 12})
	b.Add(AddressDelta{Address: "0xbb", TxCount: 1, IsContract: true, SeenBlock: 11})
	b.Add(AddressDelta{Address: "", TxCount: 99})

	if b.Len() != 2 {
		t.Fatalf("batch len = %d, want 2", b.Len())
	}
	ordered := b.Ordered()
	aa := ordered[0]
	if aa.Address != "0xaa" {
		t.Fatalf("first ordered address = %s", aa.Address)
	}
	if aa.TxCount != 2 || aa.TransfersSent != 2 || aa.SeenBlock != 12 {
		t.Fatalf("merged delta = %+v", aa)
	}
	if aa.EthSentWei.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("merged eth sent = %s, want 150", aa.EthSentWei)
	}
	if !ordered[1].IsContract {
		t.Fatal("contract flag lost in merge")
	}
}

func TestStatsBatchAddDoesNotAliasCaller(t *testing.T) {
	wei := big.NewInt(100)
	b := NewStatsBatch()
	b.Add(AddressDelta{Address: "0xaa", EthSentWei: wei})
	wei.SetInt64(999)
	if got := b.Ordered()[0].EthSentWei; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("batch aliased caller's big.Int: %s", got)
	}
}

// Stats upserts for the addresses touched in one transaction must hit the
// database in lexicographic address order, whatever order the deltas arrived
// in. Two workers upserting a pair of addresses in opposite orders would
// otherwise deadlock.
func TestFlushStatsLexicographicOrder(t *testing.T) {
	addrs := []string{"0xff", "0x0a", "0xcc", "0x01", "0xab"}
	b := NewStatsBatch()
	for _, a := range addrs {
		b.Add(AddressDelta{Address: a, TxCount: 1})
	}

	db := new(recordingDB)
	if err := flushStats(context.Background(), db, b); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(db.args) != len(addrs) {
		t.Fatalf("statement count = %d, want %d", len(db.args), len(addrs))
	}
	var emitted []string
	for _, args := range db.args {
		emitted = append(emitted, args[0].(string))
	}
	if !sort.StringsAreSorted(emitted) {
		t.Fatalf("stats statements out of order: %v", emitted)
	}
}

// The full log write set also keeps its stats tail sorted, with the event
// rows in front of it.
func TestApplyLogWritesStatementOrder(t *testing.T) {
	w := &LogWrites{
		Transfers: []Transfer{{TxHash: "0x1", LogIndex: 1, TokenAddress: "0xt", TokenType: TokenERC20, From: "0xfe", To: "0x02"}},
		Stats: []AddressDelta{
			{Address: "0xfe", TransfersSent: 1},
			{Address: "0x02", TransfersReceived: 1},
		},
	}
	db := new(recordingDB)
	if err := applyLogWrites(context.Background(), db, w); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(db.sqls) != 3 {
		t.Fatalf("statement count = %d, want 3", len(db.sqls))
	}
	if !strings.Contains(db.sqls[0], "INSERT INTO transfers") {
		t.Fatalf("first statement = %s", db.sqls[0])
	}
	if got := db.args[1][0].(string); got != "0x02" {
		t.Fatalf("first stats address = %s, want 0x02", got)
	}
	if got := db.args[2][0].(string); got != "0xfe" {
		t.Fatalf("second stats address = %s, want 0xfe", got)
	}
}

func TestUpsertStatsSQLIsAdditive(t *testing.T) {
	for _, col := range []string{"tx_count", "eth_sent", "eth_received", "contract_deployments", "token_transfers_sent", "token_transfers_received"} {
		want := col + " = address_stats." + col + " + EXCLUDED." + col
		if !strings.Contains(upsertAddressStatsSQL, want) {
			t.Fatalf("upsert SQL does not compose %s additively", col)
		}
	}
	if !strings.Contains(upsertAddressStatsSQL, "LEAST(address_stats.first_seen_block") {
		t.Fatal("first_seen_block not kept minimal")
	}
	if !strings.Contains(upsertAddressStatsSQL, "GREATEST(address_stats.last_seen_block") {
		t.Fatal("last_seen_block not kept maximal")
	}
}
