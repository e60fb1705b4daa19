// Package utils contains the flag definitions and setup helpers shared by
// the ethidx commands.
package utils

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
	"github.com/ethereum/go-ethereum/metrics/influxdb"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/ethidx/api"
	"github.com/tos-network/ethidx/backfill"
	"github.com/tos-network/ethidx/blockproc"
	"github.com/tos-network/ethidx/internal/flags"
	"github.com/tos-network/ethidx/nftmeta"
	"github.com/tos-network/ethidx/store"
)

// These are all the command line flags we support.
// If you add to this list, please remember to include the
// flag in the appropriate command definition.
//
// The flags are defined here so their names and help texts
// are the same for all commands.

var (
	// General settings
	ConfigFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: flags.MiscCategory,
	}

	// Ethereum node settings
	EthHTTPFlag = &cli.StringFlag{
		Name:     "eth.url",
		Usage:    "HTTP JSON-RPC endpoint of the Ethereum node",
		Value:    "http://127.0.0.1:8545",
		EnvVars:  []string{"ETH_HTTP_URL"},
		Category: flags.EthCategory,
	}
	EthWSFlag = &cli.StringFlag{
		Name:     "eth.ws",
		Usage:    "WebSocket JSON-RPC endpoint used by the pollers",
		Value:    "ws://127.0.0.1:8546",
		EnvVars:  []string{"ETH_WS_URL"},
		Category: flags.EthCategory,
	}

	// Postgres settings
	PostgresHostFlag = &cli.StringFlag{
		Name:     "pg.host",
		Usage:    "Postgres server host",
		Value:    store.DefaultConfig.Host,
		EnvVars:  []string{"POSTGRES_HOST"},
		Category: flags.PostgresCategory,
	}
	PostgresPortFlag = &cli.IntFlag{
		Name:     "pg.port",
		Usage:    "Postgres server port",
		Value:    store.DefaultConfig.Port,
		EnvVars:  []string{"POSTGRES_PORT"},
		Category: flags.PostgresCategory,
	}
	PostgresDBFlag = &cli.StringFlag{
		Name:     "pg.db",
		Usage:    "Postgres database name",
		Value:    store.DefaultConfig.Database,
		EnvVars:  []string{"POSTGRES_DB"},
		Category: flags.PostgresCategory,
	}
	PostgresUserFlag = &cli.StringFlag{
		Name:     "pg.user",
		Usage:    "Postgres user",
		Value:    store.DefaultConfig.User,
		EnvVars:  []string{"POSTGRES_USER"},
		Category: flags.PostgresCategory,
	}
	PostgresPasswordFlag = &cli.StringFlag{
		Name:     "pg.password",
		Usage:    "Postgres password",
		EnvVars:  []string{"POSTGRES_PASSWORD"},
		Category: flags.PostgresCategory,
	}
	PostgresMaxConnsFlag = &cli.IntFlag{
		Name:     "pg.maxconns",
		Usage:    "Maximum connections held by the Postgres pool",
		Value:    int(store.DefaultConfig.MaxConns),
		Category: flags.PostgresCategory,
	}

	// Redis settings
	RedisHostFlag = &cli.StringFlag{
		Name:     "redis.host",
		Usage:    "Redis server host",
		Value:    "127.0.0.1",
		EnvVars:  []string{"REDIS_HOST"},
		Category: flags.RedisCategory,
	}
	RedisPortFlag = &cli.IntFlag{
		Name:     "redis.port",
		Usage:    "Redis server port",
		Value:    6379,
		EnvVars:  []string{"REDIS_PORT"},
		Category: flags.RedisCategory,
	}
	RedisPasswordFlag = &cli.StringFlag{
		Name:     "redis.password",
		Usage:    "Redis password",
		EnvVars:  []string{"REDIS_PASSWORD"},
		Category: flags.RedisCategory,
	}
	RedisDBFlag = &cli.IntFlag{
		Name:     "redis.db",
		Usage:    "Redis database number",
		Category: flags.RedisCategory,
	}

	// Worker settings
	WorkersFlag = &cli.IntFlag{
		Name:     "workers",
		Usage:    "Concurrent transaction parsers per block job",
		Value:    blockproc.DefaultConfig.Workers,
		Category: flags.WorkerCategory,
	}

	// Backfill settings
	StartBlockFlag = &cli.Uint64Flag{
		Name:     "start",
		Usage:    "First block of the range (inclusive)",
		Required: true,
		Category: flags.BackfillCategory,
	}
	EndBlockFlag = &cli.Uint64Flag{
		Name:     "end",
		Usage:    "Last block of the range (inclusive)",
		Required: true,
		Category: flags.BackfillCategory,
	}
	BatchSizeFlag = &cli.IntFlag{
		Name:     "batch",
		Usage:    "Blocks per getLogs window",
		Value:    backfill.DefaultConfig.BatchSize,
		Category: flags.BackfillCategory,
	}
	RPSFlag = &cli.Float64Flag{
		Name:     "rps",
		Usage:    "Request rate limit against the Ethereum node (0 = unlimited)",
		Value:    backfill.DefaultConfig.RPS,
		Category: flags.BackfillCategory,
	}

	// NFT metadata settings
	NftBatchFlag = &cli.IntFlag{
		Name:     "nft.batch",
		Usage:    "Unfetched tokens resolved per sweep",
		Value:    nftmeta.DefaultConfig.BatchSize,
		Category: flags.NftCategory,
	}
	NftIntervalFlag = &cli.DurationFlag{
		Name:     "nft.interval",
		Usage:    "Delay between metadata sweeps",
		Value:    nftmeta.DefaultConfig.Interval,
		Category: flags.NftCategory,
	}

	// Admin API settings
	APIPortFlag = &cli.IntFlag{
		Name:     "api.port",
		Usage:    "Admin API listening port",
		Value:    api.DefaultConfig.Port,
		EnvVars:  []string{"API_PORT"},
		Category: flags.APICategory,
	}
	APINoAuthFlag = &cli.BoolFlag{
		Name:     "api.noauth",
		Usage:    "Disable the X-API-Key check on mutating endpoints",
		Category: flags.APICategory,
	}

	// Logging settings
	VerbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: flags.LoggingCategory,
	}

	// Metrics flags
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and reporting",
		Category: flags.MetricsCategory,
	}
	MetricsHTTPFlag = &cli.StringFlag{
		Name:     "metrics.addr",
		Usage:    "Enable stand-alone metrics HTTP server listening interface",
		Value:    metrics.DefaultConfig.HTTP,
		Category: flags.MetricsCategory,
	}
	MetricsPortFlag = &cli.IntFlag{
		Name:     "metrics.port",
		Usage:    "Metrics HTTP server listening port",
		Value:    metrics.DefaultConfig.Port,
		Category: flags.MetricsCategory,
	}
	MetricsEnableInfluxDBFlag = &cli.BoolFlag{
		Name:     "metrics.influxdb",
		Usage:    "Enable metrics export/push to an external InfluxDB database",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBEndpointFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.endpoint",
		Usage:    "InfluxDB API endpoint to report metrics to",
		Value:    metrics.DefaultConfig.InfluxDBEndpoint,
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBDatabaseFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.database",
		Usage:    "InfluxDB database name to push reported metrics to",
		Value:    "ethidx",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBUsernameFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.username",
		Usage:    "Username to authorize access to the database",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBPasswordFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.password",
		Usage:    "Password to authorize access to the database",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBTagsFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.tags",
		Usage:    "Comma-separated InfluxDB tags (key/values) attached to all measurements",
		Value:    metrics.DefaultConfig.InfluxDBTags,
		Category: flags.MetricsCategory,
	}
	MetricsEnableInfluxDBV2Flag = &cli.BoolFlag{
		Name:     "metrics.influxdbv2",
		Usage:    "Enable metrics export/push to an external InfluxDB v2 database",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBTokenFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.token",
		Usage:    "Token to authorize access to the database (v2 only)",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBBucketFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.bucket",
		Usage:    "InfluxDB bucket name to push reported metrics to (v2 only)",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBOrganizationFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.organization",
		Usage:    "InfluxDB organization name (v2 only)",
		Category: flags.MetricsCategory,
	}
)

// Flag groups attached to the commands that need them.
var (
	PostgresFlags = []cli.Flag{
		PostgresHostFlag,
		PostgresPortFlag,
		PostgresDBFlag,
		PostgresUserFlag,
		PostgresPasswordFlag,
		PostgresMaxConnsFlag,
	}
	RedisFlags = []cli.Flag{
		RedisHostFlag,
		RedisPortFlag,
		RedisPasswordFlag,
		RedisDBFlag,
	}
	LoggingFlags = []cli.Flag{
		VerbosityFlag,
	}
	MetricsFlags = []cli.Flag{
		MetricsEnabledFlag,
		MetricsHTTPFlag,
		MetricsPortFlag,
		MetricsEnableInfluxDBFlag,
		MetricsInfluxDBEndpointFlag,
		MetricsInfluxDBDatabaseFlag,
		MetricsInfluxDBUsernameFlag,
		MetricsInfluxDBPasswordFlag,
		MetricsInfluxDBTagsFlag,
		MetricsEnableInfluxDBV2Flag,
		MetricsInfluxDBTokenFlag,
		MetricsInfluxDBBucketFlag,
		MetricsInfluxDBOrganizationFlag,
	}
)

// Fatalf formats a message to standard error and exits the program.
// The message is also printed to standard output if standard error
// is redirected to a different file.
func Fatalf(format string, args ...interface{}) {
	w := io.MultiWriter(os.Stdout, os.Stderr)
	if runtime.GOOS == "windows" {
		// The SameFile check below doesn't work on Windows.
		// stdout is unlikely to get redirected though, so just print there.
		w = os.Stdout
	} else {
		outf, _ := os.Stdout.Stat()
		errf, _ := os.Stderr.Stat()
		if outf != nil && errf != nil && os.SameFile(outf, errf) {
			w = os.Stderr
		}
	}
	fmt.Fprintf(w, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}

// SetupLogging installs the root log handler with the verbosity selected
// on the command line, colorized when stderr is a terminal.
func SetupLogging(ctx *cli.Context) {
	output := io.Writer(os.Stderr)
	usecolor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	level := log.FromLegacyLevel(ctx.Int(VerbosityFlag.Name))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(output, level, usecolor)))
}

// SetupMetrics starts the configured metrics exporters. Collection itself
// is enabled by the metrics package when --metrics is on the command line.
func SetupMetrics(ctx *cli.Context) {
	if !metrics.Enabled {
		return
	}
	log.Info("Enabling metrics collection")

	var (
		enableExport   = ctx.Bool(MetricsEnableInfluxDBFlag.Name)
		enableExportV2 = ctx.Bool(MetricsEnableInfluxDBV2Flag.Name)
	)
	if enableExport && enableExportV2 {
		Fatalf("Flags --%s and --%s are mutually exclusive",
			MetricsEnableInfluxDBFlag.Name, MetricsEnableInfluxDBV2Flag.Name)
	}

	var (
		endpoint = ctx.String(MetricsInfluxDBEndpointFlag.Name)
		database = ctx.String(MetricsInfluxDBDatabaseFlag.Name)
		username = ctx.String(MetricsInfluxDBUsernameFlag.Name)
		password = ctx.String(MetricsInfluxDBPasswordFlag.Name)

		token        = ctx.String(MetricsInfluxDBTokenFlag.Name)
		bucket       = ctx.String(MetricsInfluxDBBucketFlag.Name)
		organization = ctx.String(MetricsInfluxDBOrganizationFlag.Name)
	)
	if enableExport {
		tagsMap := SplitTagsFlag(ctx.String(MetricsInfluxDBTagsFlag.Name))
		log.Info("Enabling metrics export to InfluxDB")
		go influxdb.InfluxDBWithTags(metrics.DefaultRegistry, 10*time.Second, endpoint, database, username, password, "ethidx.", tagsMap)
	} else if enableExportV2 {
		tagsMap := SplitTagsFlag(ctx.String(MetricsInfluxDBTagsFlag.Name))
		log.Info("Enabling metrics export to InfluxDB (v2)")
		go influxdb.InfluxDBV2WithTags(metrics.DefaultRegistry, 10*time.Second, endpoint, token, bucket, organization, "ethidx.", tagsMap)
	}

	if ctx.IsSet(MetricsHTTPFlag.Name) || ctx.IsSet(MetricsPortFlag.Name) {
		address := fmt.Sprintf("%s:%d", ctx.String(MetricsHTTPFlag.Name), ctx.Int(MetricsPortFlag.Name))
		log.Info("Enabling stand-alone metrics HTTP endpoint", "address", address)
		exp.Setup(address)
	}

	go metrics.CollectProcessMetrics(3 * time.Second)
}

// SplitTagsFlag parses a comma-separated list of key=value pairs.
func SplitTagsFlag(tagsFlag string) map[string]string {
	tags := strings.Split(tagsFlag, ",")
	tagsMap := map[string]string{}

	for _, t := range tags {
		if t != "" {
			kv := strings.Split(t, "=")
			if len(kv) == 2 {
				tagsMap[kv[0]] = kv[1]
			}
		}
	}
	return tagsMap
}
