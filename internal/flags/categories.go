package flags

import "github.com/urfave/cli/v2"

const (
	EthCategory      = "ETHEREUM NODE"
	PostgresCategory = "POSTGRES"
	RedisCategory    = "REDIS"
	WorkerCategory   = "WORKER"
	BackfillCategory = "BACKFILL"
	NftCategory      = "NFT METADATA"
	APICategory      = "ADMIN API"
	LoggingCategory  = "LOGGING AND DEBUGGING"
	MetricsCategory  = "METRICS AND STATS"
	MiscCategory     = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}
