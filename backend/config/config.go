package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "json" / "console"
	} `mapstructure:"log"`
	Database struct {
		Driver string `mapstructure:"driver"` // mysql / postgres / sqlite
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	Cache struct {
		// 缓存的文档数上限，超出后按最近最少使用淘汰；0 表示不限
		Capacity int64 `mapstructure:"capacity"`
	} `mapstructure:"cache"`
	Bus struct {
		Enabled       bool `mapstructure:"enabled"`
		AttachRetries int  `mapstructure:"attachRetries"`
	} `mapstructure:"bus"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret    string        `mapstructure:"secret"`
		VerifyURL string        `mapstructure:"verifyURL"` // 非空时走远程 auth-service 校验
		AccessTTL time.Duration `mapstructure:"accessTTL"`
	} `mapstructure:"auth"`
	Collab struct {
		SaveConcurrency int           `mapstructure:"saveConcurrency"`
		PresenceTTL     time.Duration `mapstructure:"presenceTTL"`
		CursorRPS       float64       `mapstructure:"cursorRPS"`
		SendQueue       int           `mapstructure:"sendQueue"`
		Autosave        string        `mapstructure:"autosave"` // cron 表达式，空表示关闭
		AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	} `mapstructure:"collab"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("cache.capacity", 10_000)
	v.SetDefault("bus.enabled", true)
	v.SetDefault("bus.attachRetries", 3)
	v.SetDefault("kafka.topic", "doc-events")
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("auth.accessTTL", 30*time.Minute)
	v.SetDefault("collab.saveConcurrency", 16)
	v.SetDefault("collab.presenceTTL", 60*time.Second)
	v.SetDefault("collab.cursorRPS", 30)
	v.SetDefault("collab.sendQueue", 64)
	v.SetDefault("collab.allowedOrigins", []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"})
}

// Load 读取 collabConfig.yaml；path 非空时只读该文件。
// 环境变量以 COLLAB_ 为前缀覆盖配置，例如 COLLAB_DATABASE_DSN。
func Load(path string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
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
