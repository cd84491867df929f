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
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		// Fanout 打开后多实例之间通过 Redis pub/sub 转发广播
		Fanout bool `mapstructure:"fanout"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queuesize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxretry"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 鉴权服务地址，不带路径；为空时信任 X-User-Id 头（仅限开发）
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Collab struct {
		PresenceTTL          time.Duration `mapstructure:"presencettl"`
		IdleEvictAfter       time.Duration `mapstructure:"idleevictafter"`
		SweepInterval        time.Duration `mapstructure:"sweepinterval"`
		SubmitTimeout        time.Duration `mapstructure:"submittimeout"`
		MaxConcurrentSubmits int           `mapstructure:"maxconcurrentsubmits"`
	} `mapstructure:"collab"`
	Log struct {
		Development bool   `mapstructure:"development"`
		Level       string `mapstructure:"level"`
	} `mapstructure:"log"`
	Cors struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"cors"`
}

// EnvPrefix 环境变量覆盖的前缀，比如 COLLAB_MYSQL_DSN
const EnvPrefix = "COLLAB"

func setDefaults(v *viper.Viper) {
	// AutomaticEnv 只覆盖 viper 已知的键，所以每个键都要有默认值
	v.SetDefault("running.port", 8080)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.fanout", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("auth.path", "")
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queuesize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxretry", 3)
	v.SetDefault("collab.presencettl", 5*time.Minute)
	v.SetDefault("collab.idleevictafter", 5*time.Minute)
	v.SetDefault("collab.sweepinterval", 30*time.Second)
	v.SetDefault("collab.submittimeout", 2*time.Second)
	v.SetDefault("collab.maxconcurrentsubmits", 256)
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.enabled", true)
}

// Load 读取 collabConfig.yaml；paths 为空时兼容从项目根目录或 backend 目录启动。
// 找不到配置文件时只用默认值和环境变量。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	// 列表类型的环境变量用逗号分隔
	cfg.Redis.Addrs = splitList(cfg.Redis.Addrs)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	return cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
