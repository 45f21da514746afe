package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Version 是当前构建的生成器版本，写入报告与审计。
const Version = "posture-1.0.0"

// Config 存放应用级配置。默认值面向本地开发环境，可由 .env 与 POSTURE_* 环境变量覆盖。
type Config struct {
	DBPath     string
	PolicyPath string
	ReportDir  string
	ListenAddr string

	Environment string
	LogLevel    string
	LogFormat   string

	NATSURL      string
	NATSSubject  string
	KafkaBrokers []string
	KafkaTopic   string
	RedisURL     string

	SweepTick        time.Duration
	SweepConcurrency int
	PrivacyMode      string
	AutoMigrate      bool
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:           "data/posture.db",
		PolicyPath:       "policies/security_policies.yaml",
		ReportDir:        "data/reports",
		ListenAddr:       ":8080",
		Environment:      "development",
		LogLevel:         "info",
		LogFormat:        "console",
		NATSSubject:      "posture.violations",
		KafkaTopic:       "posture.violations",
		SweepTick:        30 * time.Second,
		SweepConcurrency: 4,
		PrivacyMode:      "off",
		AutoMigrate:      true,
	}
}

// LoadConfig 依次应用默认值、可选的 .env 文件和 POSTURE_* 环境变量。
// envFile 为空时读取工作目录下的 .env；文件不存在不视为错误。
func LoadConfig(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return FromEnv(DefaultConfig(), os.LookupEnv)
}

// FromEnv 把环境变量覆盖到 base 上。lookup 便于测试注入。
func FromEnv(base Config, lookup func(string) (string, bool)) (Config, error) {
	cfg := base
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("POSTURE_DB_PATH", &cfg.DBPath)
	str("POSTURE_POLICY_PATH", &cfg.PolicyPath)
	str("POSTURE_REPORT_DIR", &cfg.ReportDir)
	str("POSTURE_LISTEN_ADDR", &cfg.ListenAddr)
	str("POSTURE_ENV", &cfg.Environment)
	str("POSTURE_LOG_LEVEL", &cfg.LogLevel)
	str("POSTURE_LOG_FORMAT", &cfg.LogFormat)
	str("POSTURE_NATS_URL", &cfg.NATSURL)
	str("POSTURE_NATS_SUBJECT", &cfg.NATSSubject)
	str("POSTURE_KAFKA_TOPIC", &cfg.KafkaTopic)
	str("POSTURE_REDIS_URL", &cfg.RedisURL)
	str("POSTURE_PRIVACY_MODE", &cfg.PrivacyMode)

	if v, ok := lookup("POSTURE_KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	if v, ok := lookup("POSTURE_SWEEP_TICK"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid POSTURE_SWEEP_TICK %q", v)
		}
		cfg.SweepTick = d
	}
	if v, ok := lookup("POSTURE_SWEEP_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid POSTURE_SWEEP_CONCURRENCY %q", v)
		}
		cfg.SweepConcurrency = n
	}
	if v, ok := lookup("POSTURE_AUTO_MIGRATE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid POSTURE_AUTO_MIGRATE %q", v)
		}
		cfg.AutoMigrate = b
	}

	switch cfg.PrivacyMode {
	case "off", "masked":
	default:
		return Config{}, fmt.Errorf("invalid POSTURE_PRIVACY_MODE %q", cfg.PrivacyMode)
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
