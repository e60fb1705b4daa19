package main

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/ethidx/api"
	"github.com/tos-network/ethidx/backfill"
	"github.com/tos-network/ethidx/blockproc"
	"github.com/tos-network/ethidx/cmd/utils"
	"github.com/tos-network/ethidx/dex"
	"github.com/tos-network/ethidx/ethrpc"
	"github.com/tos-network/ethidx/internal/flags"
	"github.com/tos-network/ethidx/internal/hostid"
	"github.com/tos-network/ethidx/logproc"
	"github.com/tos-network/ethidx/nftmeta"
	"github.com/tos-network/ethidx/poller"
	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
	"github.com/tos-network/ethidx/token"
)

var (
	blockWorkerCommand = &cli.Command{
		Action: blockWorker,
		Name:   "block-worker",
		Usage:  "Consume block jobs into Postgres",
		Flags: flags.Merge(baseFlags,
			[]cli.Flag{utils.EthHTTPFlag, utils.WorkersFlag},
			utils.PostgresFlags,
			utils.RedisFlags),
		Description: `
The block worker pops jobs from the blocks queue, fetches each block over
JSON-RPC and writes the block, its transactions, contract deployments and
address statistics in a single database transaction. Processing is
idempotent, so any number of instances can share the queue.`,
	}
	logWorkerCommand = &cli.Command{
		Action: logWorker,
		Name:   "log-worker",
		Usage:  "Consume event log jobs into Postgres",
		Flags: flags.Merge(baseFlags,
			[]cli.Flag{utils.EthHTTPFlag},
			utils.PostgresFlags,
			utils.RedisFlags),
		Description: `
The log worker pops jobs from the logs queue and decodes ERC-20/721/1155
transfers, approvals and DEX swaps, resolving token metadata and pool
pairs over JSON-RPC as needed. Processing is idempotent, so any number
of instances can share the queue.`,
	}
	headPollerCommand = &cli.Command{
		Action: headPoller,
		Name:   "head-poller",
		Usage:  "Subscribe to new chain heads and queue block jobs",
		Flags: flags.Merge(baseFlags,
			[]cli.Flag{utils.EthWSFlag},
			utils.RedisFlags),
		Description: `
The head poller holds an eth_subscribe newHeads subscription and pushes
one block job per head. Run exactly one instance per queue.`,
	}
	logPollerCommand = &cli.Command{
		Action: logPoller,
		Name:   "log-poller",
		Usage:  "Subscribe to new event logs and queue log jobs",
		Flags: flags.Merge(baseFlags,
			[]cli.Flag{utils.EthWSFlag, utils.EthHTTPFlag},
			utils.RedisFlags),
		Description: `
The log poller holds an unfiltered eth_subscribe logs subscription and
pushes one log job per event, resolving block timestamps over the HTTP
endpoint. Run exactly one instance per queue.`,
	}
	nftFetcherCommand = &cli.Command{
		Action: nftFetcher,
		Name:   "nft-fetcher",
		Usage:  "Resolve off-chain metadata for discovered NFTs",
		Flags: flags.Merge(baseFlags,
			[]cli.Flag{utils.EthHTTPFlag, utils.NftBatchFlag, utils.NftIntervalFlag},
			utils.PostgresFlags),
		Description: `
The NFT fetcher sweeps tokens discovered by the log worker, calls
tokenURI/uri on chain and fetches the JSON document over IPFS gateways,
data URIs or plain HTTP. Failed tokens are retried after a cool-off.`,
	}
	apiCommand = &cli.Command{
		Action: apiServer,
		Name:   "api",
		Usage:  "Serve the admin REST API",
		Flags: flags.Merge(baseFlags,
			[]cli.Flag{utils.EthHTTPFlag, utils.APIPortFlag, utils.APINoAuthFlag, utils.BatchSizeFlag, utils.RPSFlag},
			utils.PostgresFlags,
			utils.RedisFlags),
		Description: `
The admin API exposes health, backfill submission, plain block-range
queueing and dead-letter redrive. Mutating endpoints require an X-API-Key
matching an active row in the admins table unless --api.noauth is set.`,
	}
)

func dialChain(cfg *ethidxConfig) *ethrpc.Client {
	chain, err := ethrpc.Dial(cfg.Eth.URL)
	if err != nil {
		utils.Fatalf("Failed to dial Ethereum node %s: %v", cfg.Eth.URL, err)
	}
	return chain
}

func openStore(ctx context.Context, cfg *ethidxConfig) *store.Store {
	st, err := store.New(ctx, cfg.Postgres)
	if err != nil {
		utils.Fatalf("Failed to open Postgres: %v", err)
	}
	return st
}

func openQueue(cfg *ethidxConfig) *queue.Manager {
	q, err := queue.New(cfg.Redis)
	if err != nil {
		utils.Fatalf("Failed to connect to Redis %s: %v", cfg.Redis.Addr, err)
	}
	return q
}

func blockWorker(ctx *cli.Context) error {
	cfg := prepare(ctx)
	root, stop := interruptContext()
	defer stop()

	chain := dialChain(&cfg)
	defer chain.Close()
	st := openStore(root, &cfg)
	defer st.Close()
	q := openQueue(&cfg)
	defer q.Close()

	workerID := hostid.New()
	price := token.NewPriceOracle(q.Client(), "", 0)
	log.Info("Starting block worker", "id", workerID, "workers", cfg.Worker.Workers)
	return blockproc.New(cfg.Worker, q, chain, st, price, workerID).Run(root)
}

func logWorker(ctx *cli.Context) error {
	cfg := prepare(ctx)
	root, stop := interruptContext()
	defer stop()

	chain := dialChain(&cfg)
	defer chain.Close()
	st := openStore(root, &cfg)
	defer st.Close()
	q := openQueue(&cfg)
	defer q.Close()

	workerID := hostid.New()
	tokens := token.NewService(chain, st)
	pools := dex.NewResolver(chain)
	log.Info("Starting log worker", "id", workerID)
	return logproc.New(q, st, tokens, pools, workerID).Run(root)
}

func headPoller(ctx *cli.Context) error {
	cfg := prepare(ctx)
	root, stop := interruptContext()
	defer stop()

	q := openQueue(&cfg)
	defer q.Close()

	return poller.NewHeadPoller(cfg.pollerConfig(), q).Run(root)
}

func logPoller(ctx *cli.Context) error {
	cfg := prepare(ctx)
	root, stop := interruptContext()
	defer stop()

	chain := dialChain(&cfg)
	defer chain.Close()
	q := openQueue(&cfg)
	defer q.Close()

	return poller.NewLogPoller(cfg.pollerConfig(), q, chain).Run(root)
}

func nftFetcher(ctx *cli.Context) error {
	cfg := prepare(ctx)
	root, stop := interruptContext()
	defer stop()

	chain := dialChain(&cfg)
	defer chain.Close()
	st := openStore(root, &cfg)
	defer st.Close()

	return nftmeta.New(cfg.Nft, chain, st).Run(root)
}

func apiServer(ctx *cli.Context) error {
	cfg := prepare(ctx)
	root, stop := interruptContext()
	defer stop()

	chain := dialChain(&cfg)
	defer chain.Close()
	st := openStore(root, &cfg)
	defer st.Close()
	q := openQueue(&cfg)
	defer q.Close()

	planner := backfill.New(cfg.Backfill, chain, q)
	var auth api.Authenticator
	if !ctx.Bool(utils.APINoAuthFlag.Name) {
		auth = st
	} else {
		log.Warn("API key check disabled")
	}
	return api.New(cfg.API, planner, st, q, auth).Run(root)
}
