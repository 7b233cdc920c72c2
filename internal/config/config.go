package config

import (
	"os"
	"strconv"
	"time"

	"wisefido-canister/common/config"

	"github.com/joho/godotenv"
)

// Config 药罐对账服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 对账服务特定配置
	Canister struct {
		// 乐观并发提交：总尝试次数（含首次），默认 3
		MaxCommitAttempts int
		// 冲突重试的初始退避，每次翻倍；0 表示不退避
		RetryBackoff time.Duration

		// 每块控制板（PCB）负责的槽位数；副控制板读数的槽位号按此偏移
		SlotsPerPCB int
		// rts-required / mvs-filling-required 药罐回推车时使用的抽屉层
		RestingDrawerLevel int
		// 硬件上报的"空槽"RFID 哨兵值
		EmptyRFID string

		// 对账文档 Redis 键前缀，完整键为 prefix + system_id
		DocumentKeyPrefix string

		Streams struct {
			Results       string // 对账结果流，如 "canister:reconcile:results"
			StationEvents string // 工位开/关原始通知流，如 "canister:station:events"
		}

		Topics struct {
			Station string // 工位事件主题，如 "canister/station/+/+/event"
		}
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（.env 文件可选，环境变量优先）
func Load() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "pharmacy")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)
	cfg.Database.ConnMaxLifetime = 30 * time.Minute

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-canister")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.KeepAlive = 30 * time.Second

	cfg.Canister.MaxCommitAttempts = getEnvInt("CANISTER_MAX_COMMIT_ATTEMPTS", 3)
	if cfg.Canister.MaxCommitAttempts <= 0 {
		cfg.Canister.MaxCommitAttempts = 3
	}
	cfg.Canister.RetryBackoff = time.Duration(getEnvInt("CANISTER_RETRY_BACKOFF_MS", 50)) * time.Millisecond
	cfg.Canister.SlotsPerPCB = getEnvInt("CANISTER_SLOTS_PER_PCB", 10)
	cfg.Canister.RestingDrawerLevel = getEnvInt("CANISTER_RESTING_DRAWER_LEVEL", 1)
	cfg.Canister.EmptyRFID = getEnv("CANISTER_EMPTY_RFID", "0")
	cfg.Canister.DocumentKeyPrefix = getEnv("CANISTER_DOCUMENT_PREFIX", "canister:realtime:")
	cfg.Canister.Streams.Results = getEnv("CANISTER_RESULTS_STREAM", "canister:reconcile:results")
	cfg.Canister.Streams.StationEvents = getEnv("CANISTER_STATION_STREAM", "canister:station:events")
	cfg.Canister.Topics.Station = getEnv("CANISTER_TOPIC_STATION", "canister/station/+/+/event")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}
