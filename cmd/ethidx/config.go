package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/ethidx/api"
	"github.com/tos-network/ethidx/backfill"
	"github.com/tos-network/ethidx/blockproc"
	"github.com/tos-network/ethidx/cmd/utils"
	"github.com/tos-network/ethidx/nftmeta"
	"github.com/tos-network/ethidx/poller"
	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see %s for available fields", rt.PkgPath())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type ethConfig struct {
	// URL is the HTTP JSON-RPC endpoint used by workers and the planner.
	URL string `toml:",omitempty"`

	// WS is the WebSocket endpoint used by the pollers when Poller.URL
	// is not set explicitly.
	WS string `toml:",omitempty"`
}

type ethidxConfig struct {
	Eth      ethConfig
	Postgres store.Config
	Redis    queue.Config
	Worker   blockproc.Config
	Backfill backfill.Config
	Poller   poller.Config
	Nft      nftmeta.Config
	API      api.Config
	Metrics  metrics.Config
}

func defaultConfig() ethidxConfig {
	return ethidxConfig{
		Eth: ethConfig{
			URL: utils.EthHTTPFlag.Value,
			WS:  utils.EthWSFlag.Value,
		},
		Postgres: store.DefaultConfig,
		Redis:    queue.DefaultConfig,
		Worker:   blockproc.DefaultConfig,
		Backfill: backfill.DefaultConfig,
		Poller:   poller.DefaultConfig,
		Nft:      nftmeta.DefaultConfig,
		API:      api.DefaultConfig,
		Metrics:  metrics.DefaultConfig,
	}
}

func loadConfig(file string, cfg *ethidxConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig layers the effective configuration: package defaults, then
// the TOML file, then command line flags and environment variables.
func makeConfig(ctx *cli.Context) ethidxConfig {
	cfg := defaultConfig()
	if file := ctx.String(utils.ConfigFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			utils.Fatalf("%v", err)
		}
	}
	applyFlags(ctx, &cfg)
	return cfg
}

func applyFlags(ctx *cli.Context, cfg *ethidxConfig) {
	if ctx.IsSet(utils.EthHTTPFlag.Name) {
		cfg.Eth.URL = ctx.String(utils.EthHTTPFlag.Name)
	}
	if ctx.IsSet(utils.EthWSFlag.Name) {
		cfg.Eth.WS = ctx.String(utils.EthWSFlag.Name)
	}
	if ctx.IsSet(utils.PostgresHostFlag.Name) {
		cfg.Postgres.Host = ctx.String(utils.PostgresHostFlag.Name)
	}
	if ctx.IsSet(utils.PostgresPortFlag.Name) {
		cfg.Postgres.Port = ctx.Int(utils.PostgresPortFlag.Name)
	}
	if ctx.IsSet(utils.PostgresDBFlag.Name) {
		cfg.Postgres.Database = ctx.String(utils.PostgresDBFlag.Name)
	}
	if ctx.IsSet(utils.PostgresUserFlag.Name) {
		cfg.Postgres.User = ctx.String(utils.PostgresUserFlag.Name)
	}
	if ctx.IsSet(utils.PostgresPasswordFlag.Name) {
		cfg.Postgres.Password = ctx.String(utils.PostgresPasswordFlag.Name)
	}
	if ctx.IsSet(utils.PostgresMaxConnsFlag.Name) {
		cfg.Postgres.MaxConns = int32(ctx.Int(utils.PostgresMaxConnsFlag.Name))
	}
	if ctx.IsSet(utils.RedisHostFlag.Name) || ctx.IsSet(utils.RedisPortFlag.Name) {
		host, port := "127.0.0.1", 6379
		if ctx.IsSet(utils.RedisHostFlag.Name) {
			host = ctx.String(utils.RedisHostFlag.Name)
		}
		if ctx.IsSet(utils.RedisPortFlag.Name) {
			port = ctx.Int(utils.RedisPortFlag.Name)
		}
		cfg.Redis.Addr = fmt.Sprintf("%s:%d", host, port)
	}
	if ctx.IsSet(utils.RedisPasswordFlag.Name) {
		cfg.Redis.Password = ctx.String(utils.RedisPasswordFlag.Name)
	}
	if ctx.IsSet(utils.RedisDBFlag.Name) {
		cfg.Redis.DB = ctx.Int(utils.RedisDBFlag.Name)
	}
	if ctx.IsSet(utils.WorkersFlag.Name) {
		cfg.Worker.Workers = ctx.Int(utils.WorkersFlag.Name)
	}
	if ctx.IsSet(utils.BatchSizeFlag.Name) {
		cfg.Backfill.BatchSize = ctx.Int(utils.BatchSizeFlag.Name)
	}
	if ctx.IsSet(utils.RPSFlag.Name) {
		cfg.Backfill.RPS = ctx.Float64(utils.RPSFlag.Name)
	}
	if ctx.IsSet(utils.NftBatchFlag.Name) {
		cfg.Nft.BatchSize = ctx.Int(utils.NftBatchFlag.Name)
	}
	if ctx.IsSet(utils.NftIntervalFlag.Name) {
		cfg.Nft.Interval = ctx.Duration(utils.NftIntervalFlag.Name)
	}
	if ctx.IsSet(utils.APIPortFlag.Name) {
		cfg.API.Port = ctx.Int(utils.APIPortFlag.Name)
	}
	applyMetricConfig(ctx, cfg)
}

// applyMetricConfig records the metrics flags in the config so dumpconfig
// captures them; SetupMetrics reads the flags directly at startup.
func applyMetricConfig(ctx *cli.Context, cfg *ethidxConfig) {
	if ctx.IsSet(utils.MetricsEnabledFlag.Name) {
		cfg.Metrics.Enabled = ctx.Bool(utils.MetricsEnabledFlag.Name)
	}
	if ctx.IsSet(utils.MetricsHTTPFlag.Name) {
		cfg.Metrics.HTTP = ctx.String(utils.MetricsHTTPFlag.Name)
	}
	if ctx.IsSet(utils.MetricsPortFlag.Name) {
		cfg.Metrics.Port = ctx.Int(utils.MetricsPortFlag.Name)
	}
	if ctx.IsSet(utils.MetricsEnableInfluxDBFlag.Name) {
		cfg.Metrics.EnableInfluxDB = ctx.Bool(utils.MetricsEnableInfluxDBFlag.Name)
	}
	if ctx.IsSet(utils.MetricsInfluxDBEndpointFlag.Name) {
		cfg.Metrics.InfluxDBEndpoint = ctx.String(utils.MetricsInfluxDBEndpointFlag.Name)
	}
	if ctx.IsSet(utils.MetricsInfluxDBDatabaseFlag.Name) {
		cfg.Metrics.InfluxDBDatabase = ctx.String(utils.MetricsInfluxDBDatabaseFlag.Name)
	}
	if ctx.IsSet(utils.MetricsInfluxDBUsernameFlag.Name) {
		cfg.Metrics.InfluxDBUsername = ctx.String(utils.MetricsInfluxDBUsernameFlag.Name)
	}
	if ctx.IsSet(utils.MetricsInfluxDBPasswordFlag.Name) {
		cfg.Metrics.InfluxDBPassword = ctx.String(utils.MetricsInfluxDBPasswordFlag.Name)
	}
	if ctx.IsSet(utils.MetricsInfluxDBTagsFlag.Name) {
		cfg.Metrics.InfluxDBTags = ctx.String(utils.MetricsInfluxDBTagsFlag.Name)
	}
	if ctx.IsSet(utils.MetricsEnableInfluxDBV2Flag.Name) {
		cfg.Metrics.EnableInfluxDBV2 = ctx.Bool(utils.MetricsEnableInfluxDBV2Flag.Name)
	}
	if ctx.IsSet(utils.MetricsInfluxDBTokenFlag.Name) {
		cfg.Metrics.InfluxDBToken = ctx.String(utils.MetricsInfluxDBTokenFlag.Name)
	}
	if ctx.IsSet(utils.MetricsInfluxDBBucketFlag.Name) {
		cfg.Metrics.InfluxDBBucket = ctx.String(utils.MetricsInfluxDBBucketFlag.Name)
	}
	if ctx.IsSet(utils.MetricsInfluxDBOrganizationFlag.Name) {
		cfg.Metrics.InfluxDBOrganization = ctx.String(utils.MetricsInfluxDBOrganizationFlag.Name)
	}
}

// pollerConfig resolves the effective poller settings, falling back to
// the shared WebSocket endpoint.
func (cfg *ethidxConfig) pollerConfig() poller.Config {
	pcfg := cfg.Poller
	if pcfg.URL == "" {
		pcfg.URL = cfg.Eth.WS
	}
	return pcfg
}

var dumpConfigCommand = &cli.Command{
	Action:    dumpConfig,
	Name:      "dumpconfig",
	Usage:     "Export configuration values in a TOML format",
	ArgsUsage: "<dumpfile (optional)>",
	Flags:     allFlags(),
	Description: `Export configuration values in TOML format (to stdout by default).
The output of this command can be fed back through --config.`,
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg := makeConfig(ctx)
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}

	dump := os.Stdout
	if ctx.NArg() > 0 {
		dump, err = os.OpenFile(ctx.Args().Get(0), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer dump.Close()
	}
	dump.Write(out)
	return nil
}
