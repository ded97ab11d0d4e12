package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Upstream booking platform
	BaseURL  string
	LoginURL string

	// Endpoint paths (all defaulted; overridable for campus variants)
	CurrentUserPath string
	VenueListPath   string
	VenueDetailPath string
	OpenDatesPath   string
	SlotQueryPath   string
	OrderPath       string

	// RSA public key (PEM) used for the order envelope sid/tim headers
	OrderPublicKeyPEM string

	// Local state
	ConfigRoot     string
	CredentialPath string
	CredentialTTL  time.Duration
	// Secret enabling at-rest encryption of the credential file; empty = plaintext JSON
	CredentialSecret string
	DataDir          string

	// HTTP behavior
	HTTPTimeout time.Duration
	UserAgent   string

	// Keep-alive loop
	KeepAliveInterval time.Duration

	// Monitor defaults
	MonitorInterval time.Duration
	MaxOrderRetries int

	// Upstream failure classification. Substring match over the server
	// message; configurable because venue names can collide with keywords.
	FailureKeywords   []string
	RateLimitKeywords []string

	// Scheduling
	WarmupOffset  time.Duration
	ScheduleDebug bool // fire warmup+job immediately once, for local verification

	// Notification (OneBot-compatible HTTP endpoint)
	NotifyBaseURL    string
	NotifyGroups     []string
	NotifyUsers      []string
	NotifyRetryCount int
	NotifyRetryDelay time.Duration

	// Captcha solver
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAITimeout     time.Duration
	CaptchaConfidence float64

	// Catalogue and default target
	PresetFile        string // YAML catalogue; empty = PresetJSON or built-ins
	PresetJSON        string
	DefaultTargetJSON string

	// Booking record / event persistence. Empty DSN = file-backed stores.
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime int // minutes
	DBReadTimeout     time.Duration
	DBWriteTimeout    time.Duration

	// Monitoring and logging settings
	LogLevel          string
	LogFormat         string // "json" or "text"
	LogFile           string
	EnableFileLogging bool

	// Health/metrics server
	HealthCheckPort  string
	HealthCheckPath  string
	MetricsEnabled   bool
	MetricsPath      string
	ProfilingEnabled bool
	ProfilingPort    string

	// Environment
	Env string // development, staging, production
}

// Default keyword sets mirror the upstream's Chinese error vocabulary.
var (
	defaultFailureKeywords   = []string{"失败", "错误", "超时", "登录", "权限", "不存在", "已满", "不可用"}
	defaultRateLimitKeywords = []string{"请求过于频繁", "频率"}
)

func Load() *Config {
	configRoot := getEnv("CONFIG_ROOT", defaultConfigRoot())
	dataDir := getEnv("DATA_DIR", filepath.Join(configRoot, "data"))

	httpTimeout, _ := time.ParseDuration(getEnv("HTTP_TIMEOUT", "10s"))
	keepAliveInt, _ := time.ParseDuration(getEnv("KEEPALIVE_INTERVAL", "15m"))
	monitorInt, _ := time.ParseDuration(getEnv("MONITOR_INTERVAL", "30s"))
	credTTL, _ := time.ParseDuration(getEnv("CREDENTIAL_TTL", "4h"))
	warmupSec, _ := strconv.Atoi(getEnv("WARMUP_OFFSET_SECONDS", "3"))
	maxRetries, _ := strconv.Atoi(getEnv("MAX_ORDER_RETRIES", "3"))
	scheduleDebug, _ := strconv.ParseBool(getEnv("SCHEDULE_DEBUG", "false"))

	notifyRetry, _ := strconv.Atoi(getEnv("NOTIFY_RETRY_COUNT", "3"))
	notifyDelay, _ := time.ParseDuration(getEnv("NOTIFY_RETRY_DELAY", "2s"))

	openAITimeoutSec, _ := strconv.Atoi(getEnv("OPENAI_REQUEST_TIMEOUT_SECONDS", "60"))
	captchaConf, _ := strconv.ParseFloat(getEnv("CAPTCHA_CONFIDENCE_THRESHOLD", "0.3"), 64)

	dbMaxOpenConns, _ := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "20"))
	dbMaxIdleConns, _ := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))
	dbConnMaxLifetime, _ := strconv.Atoi(getEnv("DB_CONN_MAX_LIFETIME_MINUTES", "10"))
	dbReadTO, _ := time.ParseDuration(getEnv("DB_READ_TIMEOUT", "8s"))
	dbWriteTO, _ := time.ParseDuration(getEnv("DB_WRITE_TIMEOUT", "6s"))

	enableFileLogging, _ := strconv.ParseBool(getEnv("ENABLE_FILE_LOGGING", "false"))

	env := strings.ToLower(getEnv("ENV", "development"))
	profilingDefault := env == "development" || env == "staging"
	profilingEnabled, _ := strconv.ParseBool(getEnv("PROFILING_ENABLED", strconv.FormatBool(profilingDefault)))
	metricsEnabled, _ := strconv.ParseBool(getEnv("METRICS_ENABLED", "true"))

	cfg := &Config{
		BaseURL:  strings.TrimRight(getEnv("SPORTS_BASE_URL", "https://sports.sjtu.edu.cn"), "/"),
		LoginURL: getEnv("SPORTS_LOGIN_URL", "https://sports.sjtu.edu.cn/pc/#/"),

		CurrentUserPath: getEnv("PATH_CURRENT_USER", "/system/user/currentUser"),
		VenueListPath:   getEnv("PATH_VENUE_LIST", "/venue/venuelist"),
		VenueDetailPath: getEnv("PATH_VENUE_DETAIL", "/venue/queryVenueById"),
		OpenDatesPath:   getEnv("PATH_OPEN_DATES", "/venue/queryServiceTime"),
		SlotQueryPath:   getEnv("PATH_SLOT_QUERY", "/venue/personal/getOrderField"),
		OrderPath:       getEnv("PATH_ORDER", "/venue/personal/orderImmediately"),

		OrderPublicKeyPEM: getEnv("ORDER_RSA_PUBLIC_KEY", ""),

		ConfigRoot:       configRoot,
		CredentialPath:   getEnv("CREDENTIAL_PATH", filepath.Join(configRoot, "credentials.json")),
		CredentialTTL:    credTTL,
		CredentialSecret: getEnv("CREDENTIAL_SECRET", ""),
		DataDir:          dataDir,

		HTTPTimeout: httpTimeout,
		UserAgent: getEnv("HTTP_USER_AGENT",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),

		KeepAliveInterval: keepAliveInt,
		MonitorInterval:   monitorInt,
		MaxOrderRetries:   maxRetries,

		FailureKeywords:   splitList(getEnv("FAILURE_KEYWORDS", ""), defaultFailureKeywords),
		RateLimitKeywords: splitList(getEnv("RATE_LIMIT_KEYWORDS", ""), defaultRateLimitKeywords),

		WarmupOffset:  time.Duration(warmupSec) * time.Second,
		ScheduleDebug: scheduleDebug,

		NotifyBaseURL:    getEnv("NOTIFY_BASE_URL", ""),
		NotifyGroups:     splitList(getEnv("NOTIFY_GROUPS", ""), nil),
		NotifyUsers:      splitList(getEnv("NOTIFY_USERS", ""), nil),
		NotifyRetryCount: notifyRetry,
		NotifyRetryDelay: notifyDelay,

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAITimeout:     time.Duration(openAITimeoutSec) * time.Second,
		CaptchaConfidence: captchaConf,

		PresetFile:        getEnv("PRESET_FILE", ""),
		PresetJSON:        getEnv("PRESET_JSON", ""),
		DefaultTargetJSON: getEnv("DEFAULT_TARGET_JSON", ""),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DBMaxOpenConns:    dbMaxOpenConns,
		DBMaxIdleConns:    dbMaxIdleConns,
		DBConnMaxLifetime: dbConnMaxLifetime,
		DBReadTimeout:     dbReadTO,
		DBWriteTimeout:    dbWriteTO,

		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		LogFile:           getEnv("LOG_FILE", filepath.Join(dataDir, "agent.log")),
		EnableFileLogging: enableFileLogging,

		HealthCheckPort:  getEnv("HEALTH_CHECK_PORT", "8081"),
		HealthCheckPath:  getEnv("HEALTH_CHECK_PATH", "/health"),
		MetricsEnabled:   metricsEnabled,
		MetricsPath:      getEnv("METRICS_PATH", "/metrics"),
		ProfilingEnabled: profilingEnabled,
		ProfilingPort:    getEnv("PROFILING_PORT", "6060"),

		Env: env,
	}

	if cfg.ScheduleDebug {
		log.Printf("[Warning] SCHEDULE_DEBUG is set; scheduled jobs fire immediately once")
	}

	return cfg
}

// JobsDir is where the supervisor keeps its registry and per-job logs.
func (c *Config) JobsDir() string { return filepath.Join(c.DataDir, "jobs") }

// JobsFile is the persisted job registry.
func (c *Config) JobsFile() string { return filepath.Join(c.JobsDir(), "jobs.json") }

func defaultConfigRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sports-agent"
	}
	return filepath.Join(home, ".sports-agent")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string, fallback []string) []string {
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
