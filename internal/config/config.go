// Package config loads the service configuration.
//
// Values are layered: built-in defaults, then an optional TOML file, then an
// optional .env file, then RAFFLE_* environment variables. Load does not
// validate; call Validate afterwards.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RAFFLE_"

// Config is the full service configuration.
type Config struct {
	LogLevel string `toml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	Server     ServerConfig     `toml:"server" envPrefix:"SERVER_"`
	Raffle     RaffleConfig     `toml:"raffle"`
	Randomness RandomnessConfig `toml:"randomness" envPrefix:"RANDOMNESS_"`
	Database   DatabaseConfig   `toml:"database" envPrefix:"DATABASE_"`
	Redis      RedisConfig      `toml:"redis" envPrefix:"REDIS_"`
	Archive    ArchiveConfig    `toml:"archive" envPrefix:"ARCHIVE_"`
	Dev        DevConfig        `toml:"dev" envPrefix:"DEV_"`
}

type ServerConfig struct {
	Port            int           `toml:"port" env:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `toml:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration `toml:"idle_timeout" env:"IDLE_TIMEOUT" validate:"gt=0"`
	RequestTimeout  time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	SignatureWindow time.Duration `toml:"signature_window" env:"SIGNATURE_WINDOW" validate:"gt=0"`
}

// RaffleConfig describes one raffle. Amounts are decimal strings.
type RaffleConfig struct {
	Owner     string `toml:"owner" env:"OWNER" validate:"required,eth_addr"`
	Custodian string `toml:"custodian" env:"CUSTODIAN" validate:"required,eth_addr"`

	Start       time.Time     `toml:"start" env:"START" validate:"required"`
	RoundLength time.Duration `toml:"round_length" env:"ROUND_LENGTH" validate:"gt=0"`
	Rounds      int           `toml:"rounds" env:"ROUNDS" validate:"min=1"`

	StakeAmount string `toml:"stake_amount" env:"STAKE_AMOUNT" validate:"required,numeric"`
	BaseAsset   string `toml:"base_asset" env:"BASE_ASSET" validate:"omitempty,eth_addr"`
	Mode        string `toml:"mode" env:"MODE" validate:"oneof=stake entry_fee"`
	RepeatClaim string `toml:"repeat_claim" env:"REPEAT_CLAIM" validate:"oneof=revert noop"`

	WinnersPerRound    int    `toml:"winners_per_round" env:"WINNERS_PER_ROUND" validate:"min=1"`
	RewardAsset        string `toml:"reward_asset" env:"REWARD_ASSET" validate:"omitempty,eth_addr"`
	RewardAmount       string `toml:"reward_amount" env:"REWARD_AMOUNT" validate:"omitempty,numeric"`
	SponsorWinnerCount int    `toml:"sponsor_winner_count" env:"SPONSOR_WINNER_COUNT" validate:"min=0"`

	MaxPerParticipant int `toml:"max_per_participant" env:"MAX_PER_PARTICIPANT" validate:"min=0"`
	MaxPerRound       int `toml:"max_per_round" env:"MAX_PER_ROUND" validate:"min=0"`

	AutoRequest    bool   `toml:"auto_request" env:"AUTO_REQUEST"`
	ReceiptBaseURI string `toml:"receipt_base_uri" env:"RECEIPT_BASE_URI"`
}

// RandomnessConfig selects and sizes the randomness coordinator.
type RandomnessConfig struct {
	Coordinator string        `toml:"coordinator" env:"COORDINATOR" validate:"oneof=local http"`
	GatewayURL  string        `toml:"gateway_url" env:"GATEWAY_URL" validate:"required_if=Coordinator http,omitempty,url"`
	CallbackURL string        `toml:"callback_url" env:"CALLBACK_URL" validate:"omitempty,url"`
	Oracle      string        `toml:"oracle" env:"ORACLE" validate:"required,eth_addr"`
	KeyHash     string        `toml:"key_hash" env:"KEY_HASH" validate:"omitempty,hexadecimal"`
	ScopeMode   string        `toml:"scope_mode" env:"SCOPE_MODE" validate:"oneof=global round"`
	Timeout     time.Duration `toml:"timeout" env:"TIMEOUT" validate:"gt=0"`

	FeeAsset      string `toml:"fee_asset" env:"FEE_ASSET" validate:"omitempty,eth_addr"`
	Fee           string `toml:"fee" env:"FEE" validate:"omitempty,numeric"`
	FeeUSD        string `toml:"fee_usd" env:"FEE_USD" validate:"omitempty,numeric"`
	FeeAssetPrice string `toml:"fee_asset_price_usd" env:"FEE_ASSET_PRICE_USD" validate:"required_with=FeeUSD,omitempty,numeric"`
}

type DatabaseConfig struct {
	URL           string `toml:"url" env:"URL"`
	MaxConns      int32  `toml:"max_conns" env:"MAX_CONNS" validate:"min=0"`
	RunMigrations bool   `toml:"run_migrations" env:"RUN_MIGRATIONS"`
}

type RedisConfig struct {
	URL      string        `toml:"url" env:"URL"`
	CacheTTL time.Duration `toml:"cache_ttl" env:"CACHE_TTL" validate:"gte=0"`
	Lock     bool          `toml:"lock" env:"LOCK"`
}

// ArchiveConfig points draw snapshots at an S3-compatible bucket.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled" env:"ENABLED"`
	Bucket         string `toml:"bucket" env:"BUCKET" validate:"required_if=Enabled true"`
	Prefix         string `toml:"prefix" env:"PREFIX"`
	Region         string `toml:"region" env:"REGION"`
	Endpoint       string `toml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	AccessKey      string `toml:"access_key" env:"ACCESS_KEY"`
	SecretKey      string `toml:"secret_key" env:"SECRET_KEY"`
	ForcePathStyle bool   `toml:"force_path_style" env:"FORCE_PATH_STYLE"`
}

// DevConfig enables the local coordinator relay and faucet endpoints and
// seeds balances at startup.
type DevConfig struct {
	Enabled  bool          `toml:"enabled" env:"ENABLED"`
	APIKey   string        `toml:"api_key" env:"API_KEY" validate:"required_if=Enabled true"`
	Balances []SeedBalance `toml:"balances" validate:"dive"`
	Pairs    []SeedPair    `toml:"pairs" validate:"dive"`
}

type SeedBalance struct {
	Asset  string `toml:"asset" validate:"required,eth_addr"`
	Holder string `toml:"holder" validate:"required,eth_addr"`
	Amount string `toml:"amount" validate:"required,numeric"`
}

// SeedPair registers a pool of two assets in the pair registry.
type SeedPair struct {
	A string `toml:"a" validate:"required,eth_addr"`
	B string `toml:"b" validate:"required,eth_addr"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			SignatureWindow: 5 * time.Minute,
		},
		Raffle: RaffleConfig{
			RoundLength:     24 * time.Hour,
			Rounds:          3,
			Mode:            "stake",
			RepeatClaim:     "revert",
			WinnersPerRound: 1,
		},
		Randomness: RandomnessConfig{
			Coordinator: "local",
			ScopeMode:   "global",
			Timeout:     10 * time.Second,
		},
		Redis: RedisConfig{
			CacheTTL: 30 * time.Second,
		},
		Archive: ArchiveConfig{
			Prefix: "raffle/",
		},
	}
}

// Load reads the TOML file at path (skipped when path is empty), a .env file
// in the working directory if present, and RAFFLE_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the raffle section converts
// into engine parameters.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.EngineParams(); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
