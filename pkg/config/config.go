package config

import (
	"log"
	"os"
	"time"

	"CareLink/pkg/logger"
	"CareLink/pkg/util"
)

// EscalationConfig SOS 自动升级的三个计时器
type EscalationConfig struct {
	AutoDelay   time.Duration `env:"SOS_AUTO_ESCALATE_DELAY"`
	Stage1Delay time.Duration `env:"SOS_STAGE1_DELAY"`
	Stage2Delay time.Duration `env:"SOS_STAGE2_DELAY"`
}

// SchemaConfig 描述持久层可能不一致的表结构
type SchemaConfig struct {
	// StatusAliases 逻辑状态 -> 依次尝试的存储值，如 raised -> active,open
	StatusAliases map[string][]string
	// OptionalColumns 写失败时可以丢弃的列
	OptionalColumns []string
}

type PushConfig struct {
	JPushAppKey       string `env:"JPUSH_APP_KEY"`
	JPushMasterSecret string `env:"JPUSH_MASTER_SECRET"`
	JPushEndpoint     string `env:"JPUSH_ENDPOINT"`
	SMSEndpoint       string `env:"SMS_ENDPOINT"`
	SMSToken          string `env:"SMS_TOKEN"`
	SMSSignName       string `env:"SMS_SIGN_NAME"`
	Timeout           time.Duration
	Language          string `env:"NOTIFY_LANGUAGE"`
}

type BridgeConfig struct {
	Driver       string `env:"BRIDGE_DRIVER"` // mqtt | amqp | 空表示关闭
	MQTTBroker   string `env:"MQTT_BROKER"`
	MQTTClientID string `env:"MQTT_CLIENT_ID"`
	MQTTUsername string `env:"MQTT_USERNAME"`
	MQTTPassword string `env:"MQTT_PASSWORD"`
	AMQPURL      string `env:"AMQP_URL"`
	Topic        string `env:"BRIDGE_TOPIC"`
}

type CacheConfig struct {
	Type       string `env:"CACHE_TYPE"` // local | gocache | redis | layered
	RedisAddr  string `env:"REDIS_ADDR"`
	RedisPass  string `env:"REDIS_PASSWORD"`
	RedisDB    int    `env:"REDIS_DB"`
	ProfileTTL time.Duration
}

type Config struct {
	DBDriver           string `env:"DB_DRIVER"`
	DSN                string `env:"DSN"`
	Log                logger.LogConfig
	Addr               string `env:"ADDR"`
	Mode               string `env:"MODE"`
	APIPrefix          string `env:"API_PREFIX"`
	GRPCAddr           string `env:"GRPC_ADDR"`
	RateLimit          string `env:"RATE_LIMIT"` // ulule 格式，如 100-M
	ReconcileSchedule  string `env:"AVAILABILITY_RECONCILE_SCHEDULE"`
	Escalation         EscalationConfig
	Schema             SchemaConfig
	Push               PushConfig
	Bridge             BridgeConfig
	Cache              CacheConfig
}

var GlobalConfig *Config

// 逻辑状态在不同部署下出现过的取值
var defaultStatusAliases = map[string][]string{
	"raised":       {"raised", "active", "open"},
	"acknowledged": {"acknowledged", "accepted", "assigned"},
	"in_progress":  {"in_progress", "active"},
	"escalated":    {"escalated", "active"},
	"resolved":     {"resolved", "closed"},
	"closed":       {"closed", "resolved"},
	"pending":      {"pending", "open"},
	"matched":      {"matched", "claimed", "in_progress"},
	"cancelled":    {"cancelled", "closed"},
}

func DefaultSchema() SchemaConfig {
	aliases := make(map[string][]string, len(defaultStatusAliases))
	for k, v := range defaultStatusAliases {
		aliases[k] = append([]string(nil), v...)
	}
	return SchemaConfig{
		StatusAliases:   aliases,
		OptionalColumns: []string{"escalation_level", "escalation_reason", "escalated_at", "resolution_notes", "location", "acknowledged_at"},
	}
}

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	if err := util.LoadEnv(env); err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	GlobalConfig = &Config{
		DBDriver:          util.GetEnvDefault("DB_DRIVER", "sqlite"),
		DSN:               util.GetEnvDefault("DSN", "file::memory:?cache=shared"),
		Addr:              util.GetEnvDefault("ADDR", ":8080"),
		Mode:              util.GetEnvDefault("MODE", "debug"),
		APIPrefix:         util.GetEnvDefault("API_PREFIX", "/api"),
		GRPCAddr:          util.GetEnv("GRPC_ADDR"),
		RateLimit:         util.GetEnvDefault("RATE_LIMIT", "300-M"),
		ReconcileSchedule: util.GetEnvDefault("AVAILABILITY_RECONCILE_SCHEDULE", "@every 1m"),
		Log: logger.LogConfig{
			Level:      util.GetEnvDefault("LOG_LEVEL", "info"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		Escalation: EscalationConfig{
			AutoDelay:   util.GetDurationEnv("SOS_AUTO_ESCALATE_DELAY", 60*time.Second),
			Stage1Delay: util.GetDurationEnv("SOS_STAGE1_DELAY", 180*time.Second),
			Stage2Delay: util.GetDurationEnv("SOS_STAGE2_DELAY", 420*time.Second),
		},
		Schema: loadSchema(),
		Push: PushConfig{
			JPushAppKey:       util.GetEnv("JPUSH_APP_KEY"),
			JPushMasterSecret: util.GetEnv("JPUSH_MASTER_SECRET"),
			JPushEndpoint:     util.GetEnvDefault("JPUSH_ENDPOINT", "https://api.jpush.cn/v3/push"),
			SMSEndpoint:       util.GetEnv("SMS_ENDPOINT"),
			SMSToken:          util.GetEnv("SMS_TOKEN"),
			SMSSignName:       util.GetEnv("SMS_SIGN_NAME"),
			Timeout:           util.GetDurationEnv("NOTIFY_TIMEOUT", 5*time.Second),
			Language:          util.GetEnvDefault("NOTIFY_LANGUAGE", "en"),
		},
		Bridge: BridgeConfig{
			Driver:       util.GetEnv("BRIDGE_DRIVER"),
			MQTTBroker:   util.GetEnv("MQTT_BROKER"),
			MQTTClientID: util.GetEnvDefault("MQTT_CLIENT_ID", "carelink"),
			MQTTUsername: util.GetEnv("MQTT_USERNAME"),
			MQTTPassword: util.GetEnv("MQTT_PASSWORD"),
			AMQPURL:      util.GetEnv("AMQP_URL"),
			Topic:        util.GetEnvDefault("BRIDGE_TOPIC", "carelink/rooms"),
		},
		Cache: CacheConfig{
			Type:       util.GetEnvDefault("CACHE_TYPE", "local"),
			RedisAddr:  util.GetEnv("REDIS_ADDR"),
			RedisPass:  util.GetEnv("REDIS_PASSWORD"),
			RedisDB:    int(util.GetIntEnv("REDIS_DB")),
			ProfileTTL: util.GetDurationEnv("PROFILE_CACHE_TTL", 5*time.Minute),
		},
	}
	return nil
}

// loadSchema SCHEMA_STATUS_ALIASES 形如 "raised=active|open;resolved=closed"
func loadSchema() SchemaConfig {
	schema := DefaultSchema()
	for _, pair := range util.GetListEnvSep("SCHEMA_STATUS_ALIASES", ";") {
		name, values, ok := util.SplitPair(pair, "=")
		if !ok {
			continue
		}
		aliases := util.SplitList(values, "|")
		if len(aliases) > 0 {
			schema.StatusAliases[name] = aliases
		}
	}
	if cols := util.GetListEnv("SCHEMA_OPTIONAL_COLUMNS"); len(cols) > 0 {
		schema.OptionalColumns = cols
	}
	return schema
}
