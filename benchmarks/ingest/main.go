// ingest measures the CPU-bound primitives on the indexing hot path:
// job payload decoding, keccak topic hashing, address statistics merging
// and amount normalization. Run it when touching any of those to see
// what a worker can sustain per core.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
)

type result struct {
	name  string
	perUS float64
	perS  float64
}

func bench(n int, fn func()) time.Duration {
	start := time.Now()
	for i := 0; i < n; i++ {
		fn()
	}
	return time.Since(start)
}

func perOpUS(d time.Duration, n int) float64 {
	return float64(d.Microseconds()) / float64(n)
}

func perSecOps(d time.Duration, n int) float64 {
	return float64(n) / d.Seconds()
}

func logJobPayload() []byte {
	job := queue.LogJob{
		JobType:          queue.KindLog,
		Address:          "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		BlockNumber:      19000000,
		BlockTimestamp:   1700000000,
		LogIndex:         5,
		TransactionIndex: 3,
		BlockHash:        "0x" + strings.Repeat("ab", 32),
		TransactionHash:  "0x" + strings.Repeat("cd", 32),
		Data:             "0x" + strings.Repeat("00", 31) + "0a",
		Topics: []string{
			"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
			"0x" + strings.Repeat("00", 12) + strings.Repeat("01", 20),
			"0x" + strings.Repeat("00", 12) + strings.Repeat("02", 20),
		},
		Status: "new",
	}
	payload, err := json.Marshal(&job)
	if err != nil {
		panic(err)
	}
	return payload
}

func main() {
	ops := flag.Int("ops", 200000, "operations per benchmark")
	flag.Parse()
	if *ops <= 0 {
		panic("ops must be > 0")
	}

	out := make([]result, 0, 4)

	// Log job JSON decode, the per-event queue overhead.
	{
		payload := logJobPayload()
		d := bench(*ops, func() {
			if _, err := queue.Decode(payload); err != nil {
				panic(err)
			}
		})
		out = append(out, result{"logjob decode", perOpUS(d, *ops), perSecOps(d, *ops)})
	}

	// Topic hashing, the dispatch key derivation.
	{
		sig := []byte("Transfer(address,address,uint256)")
		d := bench(*ops, func() {
			crypto.Keccak256(sig)
		})
		out = append(out, result{"keccak topic", perOpUS(d, *ops), perSecOps(d, *ops)})
	}

	// Address statistics merge across a block's worth of deltas.
	{
		wei := big.NewInt(1500000000000000000)
		d := bench(*ops/100, func() {
			batch := store.NewStatsBatch()
			for i := 0; i < 200; i++ {
				batch.Add(store.AddressDelta{
					Address:    fmt.Sprintf("0x%040x", i%50),
					TxCount:    1,
					EthSentWei: wei,
					SeenBlock:  19000000,
				})
			}
			batch.Ordered()
		})
		out = append(out, result{"stats merge x200", perOpUS(d, *ops/100), perSecOps(d, *ops/100)})
	}

	// Amount normalization for an 18-decimals transfer.
	{
		amount, _ := new(big.Int).SetString("123456789012345678901", 10)
		d := bench(*ops, func() {
			store.NormalizedAmount(amount, 18)
		})
		out = append(out, result{"normalize 18dp", perOpUS(d, *ops), perSecOps(d, *ops)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].perUS < out[j].perUS })

	fmt.Printf("%-20s %12s %14s\n", "benchmark", "us/op", "ops/s")
	for _, r := range out {
		fmt.Printf("%-20s %12.3f %14.0f\n", r.name, r.perUS, r.perS)
	}
}
