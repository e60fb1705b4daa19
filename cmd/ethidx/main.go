// ethidx is the command suite of the Ethereum indexer: queue-fed block
// and log workers, chain-head pollers, the backfill planner, the NFT
// metadata fetcher and the admin API, one subcommand each so every role
// can be scaled independently.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tos-network/ethidx/cmd/utils"
	"github.com/tos-network/ethidx/internal/flags"
)

const clientIdentifier = "ethidx"

var (
	// Git SHA1 commit hash of the release (set via linker flags)
	gitCommit = ""
	gitDate   = ""

	app = flags.NewApp(gitCommit, gitDate, "the Ethereum indexing suite")
)

// baseFlags are accepted by every command.
var baseFlags = flags.Merge(
	[]cli.Flag{utils.ConfigFileFlag},
	utils.LoggingFlags,
	utils.MetricsFlags,
)

func init() {
	app.Commands = []*cli.Command{
		blockWorkerCommand,
		logWorkerCommand,
		headPollerCommand,
		logPollerCommand,
		nftFetcherCommand,
		apiCommand,
		backfillCommand,
		queueBlocksCommand,
		dumpConfigCommand,
		versionCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))
}

// allFlags is every non-required flag, so dumpconfig can capture any
// override in its output.
func allFlags() []cli.Flag {
	return flags.Merge(
		baseFlags,
		[]cli.Flag{utils.EthHTTPFlag, utils.EthWSFlag},
		utils.PostgresFlags,
		utils.RedisFlags,
		[]cli.Flag{
			utils.WorkersFlag,
			utils.BatchSizeFlag,
			utils.RPSFlag,
			utils.NftBatchFlag,
			utils.NftIntervalFlag,
			utils.APIPortFlag,
		},
	)
}

// prepare bootstraps logging and metrics, then layers the configuration
// for the command about to run.
func prepare(ctx *cli.Context) ethidxConfig {
	utils.SetupLogging(ctx)
	utils.SetupMetrics(ctx)
	return makeConfig(ctx)
}

// interruptContext is cancelled on SIGINT or SIGTERM, letting services
// finish the job in flight before exiting.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
