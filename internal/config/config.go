package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Storage struct {
		Driver string // postgres or memory
	}
	DB struct {
		DSN string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
		RuleTTL  time.Duration
	}
	Kafka struct {
		Brokers          []string
		MeasurementTopic string
		AlertTopic       string
		GroupID          string
	}
	MQTT struct {
		Broker      string
		ClientID    string
		Username    string
		Password    string
		TopicPrefix string
		QoS         byte
	}
	Telegram struct {
		BotToken  string
		ChatIDs   []int64
		RateLimit int
		ServerURL string
	}
	Webhook struct {
		URL     string
		Secret  string
		Timeout time.Duration
	}
	API struct {
		Port     string
		BasePath string
	}
	Notification struct {
		QueueSize    int
		MaxWorkers   int
		Timeout      time.Duration
		MaxAttempts  int
		RetryBackoff time.Duration
		Location     string
	}
	Ingest struct {
		RealertPolicy               string
		ForceFlagRequiresActiveRule bool
		StorageTimeout              time.Duration
	}
	Logging struct {
		Dir    string
		Level  string
		Format string
	}
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	var errs []string

	cfg.Storage.Driver = getEnv("STORAGE_DRIVER", "postgres")
	cfg.DB.DSN = os.Getenv("DB_DSN")

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getInt("REDIS_DB", 0, &errs)
	cfg.Redis.RuleTTL = getDuration("RULE_CACHE_TTL", 5*time.Minute, &errs)

	cfg.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.Kafka.MeasurementTopic = getEnv("KAFKA_MEASUREMENT_TOPIC", "measurements")
	cfg.Kafka.AlertTopic = os.Getenv("KAFKA_ALERT_TOPIC")
	cfg.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", "aquamonitor")

	cfg.MQTT.Broker = os.Getenv("MQTT_BROKER")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "aquamonitor")
	cfg.MQTT.Username = os.Getenv("MQTT_USERNAME")
	cfg.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "aquamonitor")
	cfg.MQTT.QoS = byte(getInt("MQTT_QOS", 1, &errs))

	cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	for _, raw := range splitList(os.Getenv("TELEGRAM_CHAT_IDS")) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("TELEGRAM_CHAT_IDS: invalid chat id %q", raw))
			continue
		}
		cfg.Telegram.ChatIDs = append(cfg.Telegram.ChatIDs, id)
	}
	cfg.Telegram.RateLimit = getInt("TELEGRAM_RATE_LIMIT", 20, &errs)
	cfg.Telegram.ServerURL = os.Getenv("TELEGRAM_SERVER_URL")

	cfg.Webhook.URL = os.Getenv("WEBHOOK_URL")
	cfg.Webhook.Secret = os.Getenv("WEBHOOK_SECRET")
	cfg.Webhook.Timeout = getDuration("WEBHOOK_TIMEOUT", 5*time.Second, &errs)

	cfg.API.Port = getEnv("API_PORT", ":8080")
	cfg.API.BasePath = getEnv("API_BASE_PATH", "/api/v0")

	cfg.Notification.QueueSize = getInt("QUEUE_SIZE", 500, &errs)
	cfg.Notification.MaxWorkers = getInt("MAX_WORKERS", 4, &errs)
	cfg.Notification.Timeout = getDuration("NOTIFY_TIMEOUT", 10*time.Second, &errs)
	cfg.Notification.MaxAttempts = getInt("NOTIFY_MAX_ATTEMPTS", 3, &errs)
	cfg.Notification.RetryBackoff = getDuration("NOTIFY_RETRY_BACKOFF", time.Second, &errs)
	cfg.Notification.Location = getEnv("NOTIFY_TIMEZONE", "America/Bogota")

	cfg.Ingest.RealertPolicy = getEnv("REALERT_POLICY", "reevaluate")
	cfg.Ingest.ForceFlagRequiresActiveRule = getBool("FORCE_FLAG_REQUIRES_ACTIVE_RULE", false, &errs)
	cfg.Ingest.StorageTimeout = getDuration("STORAGE_TIMEOUT", 5*time.Second, &errs)

	cfg.Logging.Dir = getEnv("LOG_DIR", "logs")
	cfg.Logging.Level = getEnv("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnv("LOG_FORMAT", "json")

	// Validate required settings
	missing := []string{}
	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.DB.DSN == "" {
			missing = append(missing, "DB_DSN")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_DRIVER: unsupported driver %q", cfg.Storage.Driver))
	}
	if cfg.Telegram.BotToken != "" && len(cfg.Telegram.ChatIDs) == 0 {
		missing = append(missing, "TELEGRAM_CHAT_IDS")
	}
	if p := cfg.Ingest.RealertPolicy; p != "reevaluate" && p != "suppress" {
		errs = append(errs, fmt.Sprintf("REALERT_POLICY: must be reevaluate or suppress, got %q", p))
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Sprintf("missing required configurations: %v", missing))
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	if cfg.Notification.QueueSize <= 0 {
		cfg.Notification.QueueSize = 500
	}
	if cfg.Notification.MaxWorkers < 0 {
		cfg.Notification.MaxWorkers = 0
	}
	if cfg.Notification.MaxAttempts <= 0 {
		cfg.Notification.MaxAttempts = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int, errs *[]string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, raw))
		return def
	}
	return v
}

func getBool(key string, def bool, errs *[]string) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, raw))
		return def
	}
	return v
}

func getDuration(key string, def time.Duration, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, raw))
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
