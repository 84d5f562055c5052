// Package config loads the daemon configuration from a YAML file plus
// LOCATES_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	LogLevel   string `mapstructure:"log_level"`
	ListenAddr string `mapstructure:"listen_addr"`

	Calc struct {
		Shards        int `mapstructure:"shards"`
		BufferSize    int `mapstructure:"buffer_size"`
		ReorderWindow int `mapstructure:"reorder_window"`
	} `mapstructure:"calc"`

	Cache struct {
		Shards    int    `mapstructure:"shards"`
		RedisAddr string `mapstructure:"redis_addr"`
	} `mapstructure:"cache"`

	Kafka struct {
		Brokers        []string `mapstructure:"brokers"`
		EventsTopic    string   `mapstructure:"events_topic"`
		DecisionsTopic string   `mapstructure:"decisions_topic"`
		GroupID        string   `mapstructure:"group_id"`
	} `mapstructure:"kafka"`

	RefData struct {
		PostgresDSN     string        `mapstructure:"postgres_dsn"`
		BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	} `mapstructure:"refdata"`

	Locate struct {
		Freshness         time.Duration `mapstructure:"freshness"`
		EvaluationTimeout time.Duration `mapstructure:"evaluation_timeout"`
		ReviewExpiry      time.Duration `mapstructure:"review_expiry"`
		Retention         time.Duration `mapstructure:"retention"`
	} `mapstructure:"locate"`

	ShortSell struct {
		Budget    time.Duration `mapstructure:"budget"`
		Freshness time.Duration `mapstructure:"freshness"`
	} `mapstructure:"short_sell"`

	JournalDir string `mapstructure:"journal_dir"`
}

// Load reads the config file at path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LOCATES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("calc.shards", 16)
	v.SetDefault("calc.buffer_size", 8192)
	v.SetDefault("calc.reorder_window", 128)

	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.redis_addr", "")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.events_topic", "locates.events")
	v.SetDefault("kafka.decisions_topic", "locates.decisions")
	v.SetDefault("kafka.group_id", "locates-calc")

	v.SetDefault("refdata.postgres_dsn", "")
	v.SetDefault("refdata.breaker_cooldown", 30*time.Second)

	v.SetDefault("locate.freshness", 2*time.Second)
	v.SetDefault("locate.evaluation_timeout", 200*time.Millisecond)
	v.SetDefault("locate.review_expiry", 15*time.Minute)
	v.SetDefault("locate.retention", time.Hour)

	v.SetDefault("short_sell.budget", 150*time.Millisecond)
	v.SetDefault("short_sell.freshness", 2*time.Second)

	v.SetDefault("journal_dir", "")
}
