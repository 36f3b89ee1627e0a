package config

import (
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig       `mapstructure:"server"`
	Database DatabaseConfig     `mapstructure:"database"`
	Redis    RedisConfig        `mapstructure:"redis"`
	JWT      JWTConfig          `mapstructure:"jwt"`
	Lottery  LotteryConfig      `mapstructure:"lottery"`
	Operator OperatorSeedConfig `mapstructure:"operator"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"` // hours
}

// LotteryConfig holds the game parameters. JackpotFeePercent selects the
// payout coefficient table as well: the fee and the table are one knob and
// must never be tuned independently, otherwise reserved exposure no longer
// covers the top tier.
type LotteryConfig struct {
	TicketPrice            int64 `mapstructure:"ticketPrice"`
	JackpotFeePercent      int64 `mapstructure:"jackpotFeePercent"` // 3 or 4
	MaxTicketsPerBet       int   `mapstructure:"maxTicketsPerBet"`
	RequestPeriodSec       int64 `mapstructure:"requestPeriodSec"`
	RecoverTimeoutSec      int64 `mapstructure:"recoverTimeoutSec"`
	MinSubscriptionBalance int64 `mapstructure:"minSubscriptionBalance"`
	OracleRequestCost      int64 `mapstructure:"oracleRequestCost"`
}

type OperatorSeedConfig struct {
	DefaultUsername string `mapstructure:"defaultUsername"`
	DefaultPassword string `mapstructure:"defaultPassword"`
}

var GlobalConfig *Config

func LoadConfig(path string) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	applyLotteryDefaults(&cfg.Lottery)
	if cfg.Lottery.JackpotFeePercent != 3 && cfg.Lottery.JackpotFeePercent != 4 {
		log.Fatalf("lottery.jackpotFeePercent must be 3 or 4, got %d", cfg.Lottery.JackpotFeePercent)
	}

	GlobalConfig = &cfg
}

func applyLotteryDefaults(cfg *LotteryConfig) {
	if cfg.TicketPrice == 0 {
		cfg.TicketPrice = 1000
	}
	if cfg.JackpotFeePercent == 0 {
		cfg.JackpotFeePercent = 4
	}
	if cfg.MaxTicketsPerBet == 0 {
		cfg.MaxTicketsPerBet = 9
	}
	if cfg.RequestPeriodSec == 0 {
		cfg.RequestPeriodSec = 24 * 60 * 60
	}
	if cfg.RecoverTimeoutSec == 0 {
		cfg.RecoverTimeoutSec = 36 * 60 * 60
	}
	if cfg.MinSubscriptionBalance == 0 {
		cfg.MinSubscriptionBalance = 100000
	}
	if cfg.OracleRequestCost == 0 {
		cfg.OracleRequestCost = 100
	}
}
