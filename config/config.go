package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Authority AuthorityConfig `mapstructure:"authority"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Engine    EngineConfig    `mapstructure:"engine"`
}

type ServerConfig struct {
	Port  int  `mapstructure:"port"`
	Debug bool `mapstructure:"debug"`
	// ShellKey authorizes the device shell process to call the bridge.
	// An empty key disables all mutating bridge endpoints.
	ShellKey       string  `mapstructure:"shell_key"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type AuthorityConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Mode string `mapstructure:"mode"` // sqlite | memory
	Path string `mapstructure:"path"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type EngineConfig struct {
	// MinTickInterval bounds the background quest tick from below; the
	// tick otherwise runs at duration/100.
	MinTickInterval    time.Duration `mapstructure:"min_tick_interval"`
	InvitationPollIntv time.Duration `mapstructure:"invitation_poll_interval"`
	RunPollIntv        time.Duration `mapstructure:"run_poll_interval"`
	// ExpiredQuestPolicy decides what happens to an active quest found past
	// its deadline at rehydration: "forgive" clears it silently, "fail"
	// records it as a failed run.
	ExpiredQuestPolicy string `mapstructure:"expired_quest_policy"`
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("authority.timeout", "10s")
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.path", "./data/unquest.db")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("engine.min_tick_interval", "1s")
	v.SetDefault("engine.invitation_poll_interval", "5s")
	v.SetDefault("engine.run_poll_interval", "30s")
	v.SetDefault("engine.expired_quest_policy", "forgive")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
