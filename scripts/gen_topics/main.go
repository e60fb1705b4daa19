// gen_topics prints the keccak256 topic hash for each event signature the
// log worker dispatches on, as a Go const block ready to paste into
// logproc/topics.go. Extra signatures can be passed as arguments.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type event struct {
	name      string
	signature string
}

var events = []event{
	{"TransferTopic", "Transfer(address,address,uint256)"},
	{"ApprovalTopic", "Approval(address,address,uint256)"},
	{"TransferSingleTopic", "TransferSingle(address,address,address,uint256,uint256)"},
	{"TransferBatchTopic", "TransferBatch(address,address,address,uint256[],uint256[])"},
	{"SwapV2Topic", "Swap(address,uint256,uint256,uint256,uint256,address)"},
	{"SwapV3Topic", "Swap(address,address,int256,int256,uint160,uint128,int24)"},
}

func topicHash(signature string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(signature)))
}

func main() {
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintln(os.Stderr, "usage: gen_topics [signature ...]")
			os.Exit(1)
		}
		events = append(events, event{"CustomTopic", arg})
	}

	fmt.Println("const (")
	for _, ev := range events {
		fmt.Printf("\t// %s\n", ev.signature)
		fmt.Printf("\t%s = %q\n", ev.name, topicHash(ev.signature))
	}
	fmt.Println(")")
}
