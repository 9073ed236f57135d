package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/caesar-terminal/arbiter/internal/adapter"
)

// Config holds all application configuration.
type Config struct {
	Env        string `mapstructure:"env"`
	Instrument string `mapstructure:"instrument"`
	Log        LogConfig
	Bybit      BybitConfig
	DEXnow     DEXnowConfig
	Detector   DetectorConfig
	Engine     EngineConfig
	Redis      RedisConfig
	AWS        AWSConfig
	Metrics    ListenConfig
	Health     ListenConfig
	Report     ReportConfig
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// KeepaliveConfig is shared by both venue sections.
type KeepaliveConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type BybitConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	WSURL   string `mapstructure:"ws_url"`
	Depth   int    `mapstructure:"depth"`
	KeepaliveConfig
}

type DEXnowConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	WSURL         string `mapstructure:"ws_url"`
	RPCURL        string `mapstructure:"rpc_url"`
	Commitment    string `mapstructure:"commitment"`
	AssetDecimals int32  `mapstructure:"asset_decimals"`
	// Accounts maps pair symbol to instrument account public key. In the
	// environment it is written as SOLUSDC=<pubkey>,BTCUSDC=<pubkey>.
	Accounts map[string]string `mapstructure:"accounts"`
	KeepaliveConfig
}

type DetectorConfig struct {
	MaxBookSkew time.Duration `mapstructure:"max_book_skew"`
	MaxBookAge  time.Duration `mapstructure:"max_book_age"`
}

type EngineConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// RedisConfig holds Redis connection settings. PasswordCiphertext, when
// set, is a base64 KMS ciphertext and takes precedence over Password.
type RedisConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Addr               string `mapstructure:"addr"`
	Password           string `mapstructure:"password"`
	PasswordCiphertext string `mapstructure:"password_ciphertext"`
	DB                 int    `mapstructure:"db"`
}

type AWSConfig struct {
	Region             string `mapstructure:"region"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
}

// ListenConfig is an optional listener; an empty Addr disables it.
type ListenConfig struct {
	Addr string `mapstructure:"addr"`
}

// ReportConfig limits opportunity log lines per second.
type ReportConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// Load reads configuration from environment variables prefixed with
// ARBITER_, after loading .env from the working directory when present.
func Load() (*Config, error) {
	return LoadWithEnvFile(".env")
}

// LoadWithEnvFile is Load with an explicit dotenv path. Variables already
// set in the environment win over the file.
func LoadWithEnvFile(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("instrument", "SOLUSDC")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)

	// Venue defaults
	v.SetDefault("bybit.enabled", true)
	v.SetDefault("bybit.ws_url", "wss://stream.bybit.com/v5/public/spot")
	v.SetDefault("bybit.depth", 50)
	v.SetDefault("bybit.ping_interval", "1s")
	v.SetDefault("bybit.pong_timeout", "5s")
	v.SetDefault("bybit.reconnect_delay", "1s")

	v.SetDefault("dexnow.enabled", true)
	v.SetDefault("dexnow.ws_url", "wss://api.mainnet-beta.solana.com")
	v.SetDefault("dexnow.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("dexnow.commitment", "confirmed")
	v.SetDefault("dexnow.asset_decimals", 9)
	v.SetDefault("dexnow.ping_interval", "1s")
	v.SetDefault("dexnow.pong_timeout", "5s")
	v.SetDefault("dexnow.reconnect_delay", "1s")

	// Detection defaults
	v.SetDefault("detector.max_book_skew", "500ms")
	v.SetDefault("detector.max_book_age", "300ms")
	v.SetDefault("engine.buffer_size", 100)

	// Sink defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("health.addr", ":9091")
	v.SetDefault("report.rate", 1.0)
	v.SetDefault("report.burst", 5)

	accounts, err := parseAccounts(v.GetString("dexnow.accounts"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:        v.GetString("env"),
		Instrument: v.GetString("instrument"),
	}

	cfg.Log = LogConfig{
		Level:      v.GetString("log.level"),
		Format:     v.GetString("log.format"),
		File:       v.GetString("log.file"),
		MaxSizeMB:  v.GetInt("log.max_size_mb"),
		MaxBackups: v.GetInt("log.max_backups"),
	}

	cfg.Bybit = BybitConfig{
		Enabled:         v.GetBool("bybit.enabled"),
		WSURL:           v.GetString("bybit.ws_url"),
		Depth:           v.GetInt("bybit.depth"),
		KeepaliveConfig: keepalive(v, "bybit"),
	}

	cfg.DEXnow = DEXnowConfig{
		Enabled:         v.GetBool("dexnow.enabled"),
		WSURL:           v.GetString("dexnow.ws_url"),
		RPCURL:          v.GetString("dexnow.rpc_url"),
		Commitment:      v.GetString("dexnow.commitment"),
		AssetDecimals:   v.GetInt32("dexnow.asset_decimals"),
		Accounts:        accounts,
		KeepaliveConfig: keepalive(v, "dexnow"),
	}

	cfg.Detector = DetectorConfig{
		MaxBookSkew: v.GetDuration("detector.max_book_skew"),
		MaxBookAge:  v.GetDuration("detector.max_book_age"),
	}
	cfg.Engine = EngineConfig{BufferSize: v.GetInt("engine.buffer_size")}

	cfg.Redis = RedisConfig{
		Enabled:            v.GetBool("redis.enabled"),
		Addr:               v.GetString("redis.addr"),
		Password:           v.GetString("redis.password"),
		PasswordCiphertext: v.GetString("redis.password_ciphertext"),
		DB:                 v.GetInt("redis.db"),
	}
	cfg.AWS = AWSConfig{
		Region:             v.GetString("aws.region"),
		LocalStackEndpoint: v.GetString("aws.localstack_endpoint"),
	}
	cfg.Metrics = ListenConfig{Addr: v.GetString("metrics.addr")}
	cfg.Health = ListenConfig{Addr: v.GetString("health.addr")}
	cfg.Report = ReportConfig{Rate: v.GetFloat64("report.rate"), Burst: v.GetInt("report.burst")}

	return cfg, nil
}

func keepalive(v *viper.Viper, section string) KeepaliveConfig {
	return KeepaliveConfig{
		PingInterval:   v.GetDuration(section + ".ping_interval"),
		PongTimeout:    v.GetDuration(section + ".pong_timeout"),
		ReconnectDelay: v.GetDuration(section + ".reconnect_delay"),
	}
}

// parseAccounts reads PAIR=key entries separated by commas.
func parseAccounts(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pair, key, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(pair) == "" || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("config: dexnow.accounts: malformed entry %q", entry)
		}
		out[strings.TrimSpace(pair)] = strings.TrimSpace(key)
	}
	return out, nil
}

// Validate checks values Load cannot reject on its own.
func (c *Config) Validate() error {
	pair, err := adapter.ParsePair(c.Instrument)
	if err != nil {
		return fmt.Errorf("config: instrument: %w", err)
	}
	if !c.Bybit.Enabled && !c.DEXnow.Enabled {
		return errors.New("config: no venue enabled")
	}

	if c.Bybit.Enabled {
		switch c.Bybit.Depth {
		case 1, 50, 200, 1000:
		default:
			return fmt.Errorf("config: bybit.depth %d not one of 1, 50, 200, 1000", c.Bybit.Depth)
		}
		if err := c.Bybit.KeepaliveConfig.validate("bybit"); err != nil {
			return err
		}
	}

	if c.DEXnow.Enabled {
		if err := c.DEXnow.KeepaliveConfig.validate("dexnow"); err != nil {
			return err
		}
		if c.DEXnow.AssetDecimals < 0 {
			return fmt.Errorf("config: dexnow.asset_decimals must not be negative")
		}
		found := false
		for k := range c.DEXnow.Accounts {
			if p, err := adapter.ParsePair(k); err == nil && p == pair {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: dexnow.accounts has no account for %s", pair)
		}
	}

	if c.Detector.MaxBookSkew <= 0 || c.Detector.MaxBookAge <= 0 {
		return errors.New("config: detector thresholds must be positive")
	}
	if c.Engine.BufferSize <= 0 {
		return errors.New("config: engine.buffer_size must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("config: redis.addr required when redis is enabled")
	}
	if c.Report.Rate < 0 {
		return errors.New("config: report.rate must not be negative")
	}
	return nil
}

func (k KeepaliveConfig) validate(section string) error {
	if k.PingInterval <= 0 || k.PongTimeout <= 0 || k.ReconnectDelay <= 0 {
		return fmt.Errorf("config: %s keepalive durations must be positive", section)
	}
	if k.PongTimeout < k.PingInterval {
		return fmt.Errorf("config: %s.pong_timeout must be at least ping_interval", section)
	}
	return nil
}
