package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the bridge configuration.
// Values come from the environment (optionally seeded from a .env file).
type Config struct {
	// Matrix
	SynapseURL   string
	BotUser      string
	BotPassword  string
	BotJWTSecret string // 设置后使用 org.matrix.login.jwt 登录
	MatrixDomain string

	// 接收机与录音目录
	AirbandConfigPath   string
	RecordingsDir       string
	RecordingExtensions []string

	// 流水线行为
	MinAudioDuration     time.Duration
	SkipDisabledChannels bool
	DeleteAfterUpload    bool
	DeleteSkipped        bool
	SettleQuietPeriod    time.Duration
	SettlePollInterval   time.Duration
	MaxConcurrentUploads int
	PublishMaxAttempts   int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RemoteTimeout        time.Duration

	// 包络
	EnvelopeBuckets      int
	EnvelopeWindowFrames int
	EnvelopeNormalize    bool

	// 日志
	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool

	// 状态服务，STATUS_ADDR 为空时不启动
	StatusAddr         string
	StatusUser         string
	StatusPasswordHash string

	// Redis配置，REDIS_HOST 为空时不启用房间缓存
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MySQL 发布台账，DB_HOST 为空时不启用
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// MinIO 归档，MINIO_ENDPOINT 为空时不启用
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
		log.Printf("Invalid integer for %s=%q, using default %d", key, value, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
		log.Printf("Invalid boolean for %s=%q, using default %t", key, value, fallback)
	}
	return fallback
}

// getEnvDuration accepts Go durations ("2s", "750ms"); a bare integer is read in
// the unit given by bareUnit, so MIN_AUDIO_DURATION=2000 means 2000ms.
func getEnvDuration(key string, fallback, bareUnit time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	value = strings.TrimSpace(value)
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(n) * bareUnit
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	log.Printf("Invalid duration for %s=%q, using default %s", key, value, fallback)
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}

func defaultConcurrency() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	return n
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() *Config {
	return &Config{
		SynapseURL:   strings.TrimRight(getEnv("SYNAPSE_URL", ""), "/"),
		BotUser:      getEnv("BOT_USER", ""),
		BotPassword:  os.Getenv("BOT_PASSWORD"),
		BotJWTSecret: os.Getenv("BOT_JWT_SECRET"),
		MatrixDomain: getEnv("MATRIX_DOMAIN", ""),

		AirbandConfigPath:   getEnv("RTL_AIRBAND_CONFIG", "/etc/rtl_airband.conf"),
		RecordingsDir:       getEnv("RECORDINGS_DIR", "/recordings"),
		RecordingExtensions: normalizeExtensions(getEnvList("RECORDING_EXTENSIONS", []string{".mp3", ".wav"})),

		MinAudioDuration:     getEnvDuration("MIN_AUDIO_DURATION", 0, time.Millisecond),
		SkipDisabledChannels: getEnvBool("SKIP_DISABLED_CHANNELS", true),
		DeleteAfterUpload:    getEnvBool("DELETE_AFTER_UPLOAD", true),
		DeleteSkipped:        getEnvBool("DELETE_SKIPPED", false),
		SettleQuietPeriod:    getEnvDuration("SETTLE_QUIET_PERIOD", 2*time.Second, time.Millisecond),
		SettlePollInterval:   getEnvDuration("SETTLE_POLL_INTERVAL", 500*time.Millisecond, time.Millisecond),
		MaxConcurrentUploads: getEnvInt("MAX_CONCURRENT_UPLOADS", defaultConcurrency()),
		PublishMaxAttempts:   getEnvInt("PUBLISH_MAX_ATTEMPTS", 5),
		RetryBaseDelay:       getEnvDuration("RETRY_BASE_DELAY", time.Second, time.Millisecond),
		RetryMaxDelay:        getEnvDuration("RETRY_MAX_DELAY", time.Minute, time.Millisecond),
		RemoteTimeout:        getEnvDuration("REMOTE_TIMEOUT", 30*time.Second, time.Millisecond),

		EnvelopeBuckets:      getEnvInt("ENVELOPE_BUCKETS", 100),
		EnvelopeWindowFrames: getEnvInt("ENVELOPE_WINDOW_FRAMES", 1152),
		EnvelopeNormalize:    getEnvBool("ENVELOPE_NORMALIZE", true),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 30),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),

		StatusAddr:         getEnv("STATUS_ADDR", ""),
		StatusUser:         getEnv("STATUS_USER", "admin"),
		StatusPasswordHash: os.Getenv("STATUS_PASSWORD_HASH"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),     // 默认使用0号数据库

		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "airband"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "airband"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
	}
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

// Validate reports settings the bridge cannot start without.
func (c *Config) Validate() error {
	var missing []string
	if c.SynapseURL == "" {
		missing = append(missing, "SYNAPSE_URL")
	}
	if c.BotUser == "" {
		missing = append(missing, "BOT_USER")
	}
	if c.MatrixDomain == "" {
		missing = append(missing, "MATRIX_DOMAIN")
	}
	if c.BotPassword == "" && c.BotJWTSecret == "" {
		missing = append(missing, "BOT_PASSWORD or BOT_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.PublishMaxAttempts < 1 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be >= 1, got %d", c.PublishMaxAttempts)
	}
	if c.SettlePollInterval <= 0 || c.SettleQuietPeriod <= 0 {
		return fmt.Errorf("SETTLE_POLL_INTERVAL and SETTLE_QUIET_PERIOD must be positive")
	}
	return nil
}

// BotUserID 返回完整的 Matrix 用户 ID，例如 @airband:example.org
func (c *Config) BotUserID() string {
	if strings.HasPrefix(c.BotUser, "@") {
		return c.BotUser
	}
	return fmt.Sprintf("@%s:%s", c.BotUser, c.MatrixDomain)
}

// RedisEnabled 是否配置了 Redis
func (c *Config) RedisEnabled() bool { return c.RedisHost != "" }

// LedgerEnabled 是否配置了 MySQL 发布台账
func (c *Config) LedgerEnabled() bool { return c.DBHost != "" }

// ArchiveEnabled 是否配置了 MinIO 归档
func (c *Config) ArchiveEnabled() bool { return c.MinioEndpoint != "" }
