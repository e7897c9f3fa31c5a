package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
	Sync     Sync     `mapstructure:"sync"`
	Store    Store    `mapstructure:"store"`
	Presence Presence `mapstructure:"presence"`
	Auth     struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Cors struct {
		Enabled bool     `mapstructure:"enabled"`
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
}

type Sync struct {
	// provider | null
	Mode        string        `mapstructure:"mode"`
	QueueSize   int           `mapstructure:"queueSize"`
	Workers     int           `mapstructure:"workers"`
	MaxRetry    int           `mapstructure:"maxRetry"`
	BaseBackoff time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	// secretbox | age
	Cipher         string `mapstructure:"cipher"`
	ScryptLogN     int    `mapstructure:"scryptLogN"`
	MaxConcurrency int    `mapstructure:"maxConcurrency"`
}

type Store struct {
	// memory | redis | kafka | sql | bolt
	Backend string `mapstructure:"backend"`
	Redis   struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		Prefix   string   `mapstructure:"prefix"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	SQL struct {
		PollInterval time.Duration `mapstructure:"pollInterval"`
	} `mapstructure:"sql"`
	Bolt struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"bolt"`
}

type Presence struct {
	// memory | redis
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("log.level", "info")
	v.SetDefault("sync.mode", "provider")
	v.SetDefault("sync.queueSize", 10_000)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.maxRetry", 0)
	v.SetDefault("sync.baseBackoff", 50*time.Millisecond)
	v.SetDefault("sync.maxBackoff", time.Second)
	v.SetDefault("sync.cipher", "secretbox")
	v.SetDefault("sync.scryptLogN", 15)
	v.SetDefault("sync.maxConcurrency", 100)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.prefix", "docsync")
	v.SetDefault("store.kafka.topic", "docsync-graph")
	v.SetDefault("store.sql.pollInterval", time.Second)
	v.SetDefault("store.bolt.path", "docsync.db")
	v.SetDefault("presence.backend", "memory")
	v.SetDefault("presence.ttl", 30*time.Second)
	v.SetDefault("cors.enabled", true)
	v.SetDefault("cors.origins", []string{"*"})
}

// Load 读取 docsyncConfig.yaml。path 非空时只读这个文件；
// 否则兼容从项目根目录或 backend 目录启动，找不到文件时全部使用默认值。
// 环境变量 DOCSYNC_<SECTION>_<KEY> 覆盖文件中的值，例如 DOCSYNC_STORE_BACKEND。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("docsyncConfig")
		v.SetConfigType("yaml")
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
