package main

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/ethidx/backfill"
	"github.com/tos-network/ethidx/cmd/utils"
	"github.com/tos-network/ethidx/internal/flags"
)

var (
	backfillCommand = &cli.Command{
		Action:    backfillRun,
		Name:      "backfill",
		Usage:     "Queue a historical block range and its event logs",
		ArgsUsage: " ",
		Flags: flags.Merge(baseFlags,
			[]cli.Flag{
				utils.EthHTTPFlag,
				utils.StartBlockFlag,
				utils.EndBlockFlag,
				utils.BatchSizeFlag,
				utils.RPSFlag,
			},
			utils.RedisFlags),
		Description: `
Backfill queues one job per block in the range, then scans the range for
event logs with eth_getLogs in shrinking windows and queues one job per
log. The report is printed as JSON; a failure report names the block the
scan stopped at so the run can be resumed from there.`,
	}
	queueBlocksCommand = &cli.Command{
		Action:    queueBlocks,
		Name:      "queue-blocks",
		Usage:     "Queue a block range without scanning logs",
		ArgsUsage: " ",
		Flags: flags.Merge(baseFlags,
			[]cli.Flag{utils.StartBlockFlag, utils.EndBlockFlag},
			utils.RedisFlags),
		Description: `
Queue-blocks pushes one block job per block in the range and nothing
else. Use it to re-run block processing when logs are already indexed.`,
	}
)

func backfillRun(ctx *cli.Context) error {
	cfg := prepare(ctx)
	root, stop := interruptContext()
	defer stop()

	chain := dialChain(&cfg)
	defer chain.Close()
	q := openQueue(&cfg)
	defer q.Close()

	var (
		start = ctx.Uint64(utils.StartBlockFlag.Name)
		end   = ctx.Uint64(utils.EndBlockFlag.Name)
		batch = ctx.Int(utils.BatchSizeFlag.Name)
	)
	report, err := backfill.New(cfg.Backfill, chain, q).Run(root, start, end, batch)
	if report != nil {
		out, merr := json.MarshalIndent(report, "", "  ")
		if merr == nil {
			fmt.Println(string(out))
		}
	}
	return err
}

func queueBlocks(ctx *cli.Context) error {
	cfg := prepare(ctx)
	root, stop := interruptContext()
	defer stop()

	q := openQueue(&cfg)
	defer q.Close()

	var (
		start = ctx.Uint64(utils.StartBlockFlag.Name)
		end   = ctx.Uint64(utils.EndBlockFlag.Name)
	)
	// QueueBlocks never reads the chain, so no RPC client is needed.
	queued, err := backfill.New(cfg.Backfill, nil, q).QueueBlocks(root, start, end)
	if err != nil {
		return err
	}
	log.Info("Blocks queued", "start", start, "end", end, "queued", queued)
	return nil
}
