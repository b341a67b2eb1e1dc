package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"orbit-sitecov/common/config"
	"orbit-sitecov/internal/domain"
)

// 存储后端
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreREST     = "rest"
)

// 变更通知后端
const (
	NotifyMemory = "memory"
	NotifyRedis  = "redis"
	NotifyMQTT   = "mqtt"
)

// Config 站点覆盖服务配置
type Config struct {
	HTTPAddr string

	// StoreBackend memory / postgres / rest
	StoreBackend string
	Database     config.DatabaseConfig
	REST         config.RESTConfig

	Redis config.RedisConfig
	MQTT  config.MQTTConfig

	Notify struct {
		// Backend memory / redis / mqtt
		Backend       string
		Stream        string
		ConsumerGroup string
		ConsumerName  string
	}

	RequiredRoles []string

	Import struct {
		BatchSize  int
		BatchDelay time.Duration
		// MaxUploadBytes HTTP 导入请求体上限
		MaxUploadBytes int64
	}

	Status struct {
		WriteTimeout time.Duration
	}

	Coverage struct {
		// CacheEnabled 需要 Redis
		CacheEnabled bool
		CacheTTL     time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", StoreMemory))

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "sitecov")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.LoadFromEnv("DB")

	cfg.REST.Schema = "public"
	cfg.REST.Timeout = 10 * time.Second
	cfg.REST.LoadFromEnv("REST")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "sitecov-"+hostname)
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "sitecov/changes")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Notify.Backend = strings.ToLower(getEnv("NOTIFY_BACKEND", NotifyMemory))
	cfg.Notify.Stream = getEnv("CHANGE_STREAM", "sitecov:changes")
	// 每个实例需要自己的消费者组才能收到全部变更
	cfg.Notify.ConsumerGroup = getEnv("CHANGE_CONSUMER_GROUP", "sitecov-watcher-"+hostname)
	cfg.Notify.ConsumerName = getEnv("CHANGE_CONSUMER_NAME", hostname)

	cfg.RequiredRoles = parseRoles(getEnv("REQUIRED_ROLES", strings.Join(domain.DefaultRequiredRoles, ",")))

	cfg.Import.BatchSize = getEnvInt("IMPORT_BATCH_SIZE", 10)
	cfg.Import.BatchDelay = time.Duration(getEnvInt("IMPORT_BATCH_DELAY_MS", 100)) * time.Millisecond
	cfg.Import.MaxUploadBytes = int64(getEnvInt("IMPORT_MAX_UPLOAD_MB", 20)) << 20

	cfg.Status.WriteTimeout = time.Duration(getEnvInt("TOGGLE_WRITE_TIMEOUT_SECONDS", 15)) * time.Second

	cfg.Coverage.CacheEnabled = getEnv("COVERAGE_CACHE_ENABLED", "false") == "true"
	cfg.Coverage.CacheTTL = time.Duration(getEnvInt("COVERAGE_CACHE_TTL", 30)) * time.Second

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查后端选择与依赖项
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StorePostgres:
	case StoreREST:
		if c.REST.BaseURL == "" {
			return fmt.Errorf("REST_URL is required when STORE_BACKEND=rest")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.Notify.Backend {
	case NotifyMemory, NotifyRedis, NotifyMQTT:
	default:
		return fmt.Errorf("unknown NOTIFY_BACKEND %q", c.Notify.Backend)
	}
	if len(c.RequiredRoles) == 0 {
		return fmt.Errorf("REQUIRED_ROLES must not be empty")
	}
	return nil
}

// NeedsRedis 通知或缓存使用 Redis
func (c *Config) NeedsRedis() bool {
	return c.Notify.Backend == NotifyRedis || c.Coverage.CacheEnabled
}

func parseRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = domain.NormalizeRole(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return defaultValue
}
