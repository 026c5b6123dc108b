// Package config 从环境变量和YAML文件读取运行配置
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"me.sttot/cert-reconciler/src/services"
	"me.sttot/cert-reconciler/src/utils"
)

// Config 是从环境变量读取的全局配置
type Config struct {
	// 证书目标配置保存的Secret
	ConfigSecretName      string
	ConfigSecretNamespace string
	ConfigMapKey          string
	// 运行结果保存的ConfigMap，位于 ConfigSecretNamespace
	StatusConfigMapName string

	// 证书检查周期
	CheckInterval  time.Duration
	RunTimeout     time.Duration
	RolloutTimeout time.Duration

	RenewalWindowDays int
	AcmeShPath        string
	AcmeConfigHome    string
	ReplaceStrategy   services.ReplaceStrategy
	RenewUnparseable  bool

	MetricsAddr   string
	LeaseDuration time.Duration
	Identity      string

	RateLimitBaseDelay time.Duration
	RateLimitMaxDelay  time.Duration
}

// FromEnv 从环境变量获取配置，如果环境变量不存在或无法解析则使用默认值
func FromEnv() *Config {
	strategy, err := services.ParseReplaceStrategy(os.Getenv("SECRET_REPLACE_STRATEGY"))
	if err != nil {
		utils.WarningLog("无法解析SECRET_REPLACE_STRATEGY环境变量, 使用默认值update: %v", err)
		strategy = services.StrategyUpdate
	}

	return &Config{
		ConfigSecretName:      getEnvOrDefault("CONFIG_SECRET_NAME", "autocert-config"),
		ConfigSecretNamespace: getEnvOrDefault("CONFIG_SECRET_NAMESPACE", "default"),
		ConfigMapKey:          getEnvOrDefault("CONFIG_MAP_KEY", "config.yaml"),
		StatusConfigMapName:   getEnvOrDefault("STATUS_CONFIGMAP_NAME", "autocert-status"),

		CheckInterval:  getDurationFromEnv("CHECK_INTERVAL", 24*time.Hour),
		RunTimeout:     getDurationFromEnv("RUN_TIMEOUT", 30*time.Minute),
		RolloutTimeout: getDurationFromEnv("ROLLOUT_TIMEOUT", 5*time.Minute),

		RenewalWindowDays: getIntFromEnv("RENEWAL_WINDOW_DAYS", 30),
		AcmeShPath:        getEnvOrDefault("ACME_SH_PATH", services.DefaultAcmeShPath),
		AcmeConfigHome:    getEnvOrDefault("ACME_CONFIG_HOME", "/acme"),
		ReplaceStrategy:   strategy,
		RenewUnparseable:  getBoolFromEnv("RENEW_UNPARSEABLE", false),

		MetricsAddr:   getEnvOrDefault("METRICS_ADDR", ":8080"),
		LeaseDuration: getDurationFromEnv("LEASE_DURATION", 10*time.Minute),
		Identity:      identity(),

		RateLimitBaseDelay: getDurationFromEnv("RATE_LIMIT_BASE_DELAY", time.Hour),
		RateLimitMaxDelay:  getDurationFromEnv("RATE_LIMIT_MAX_DELAY", 7*24*time.Hour),
	}
}

// getEnvOrDefault 从环境变量获取值，如果不存在则返回默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationFromEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// 尝试解析时间字符串
	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		utils.WarningLog("无法解析%s环境变量 '%s', 使用默认值%s: %v", key, value, defaultValue, err)
		return defaultValue
	}
	return duration
}

func getIntFromEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		utils.WarningLog("无法解析%s环境变量 '%s', 使用默认值%d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getBoolFromEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		utils.WarningLog("无法解析%s环境变量 '%s', 使用默认值%t", key, value, defaultValue)
		return defaultValue
	}
	return b
}

// identity 返回Lease持有者标识，优先使用Pod名称
func identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "cert-reconciler"
}
