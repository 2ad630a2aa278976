package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. DatabaseURL, when set, wins over the DB_* fields.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis config. An unreachable Redis falls back to in-memory state.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config. No queue URL means domain events are handled in-process.
	SQSRegion      string
	SQSQueueURL    string
	SQSDLQURL      string
	SQSMaxReceives int

	// AWS Services
	AWSRegion          string
	SESFromEmail       string
	SNSRegion          string
	SNSFCMPlatformARN  string
	SNSAPNSPlatformARN string
	APNSSandbox        bool

	// APIRateLimit is the number of requests per minute per client.
	APIRateLimit int

	// Notification engine
	BatchWindow           time.Duration
	RateLimitMax          int
	RateLimitWindow       time.Duration
	DeadlineSweepInterval time.Duration
	DayOfSweepInterval    time.Duration
	DigestCheckInterval   time.Duration
	DigestWeekday         time.Weekday
	DigestHour            int
	DigestSlot            time.Duration
	Timezone              string
	DefaultLocale         string
	MarkerTTL             time.Duration
	PushRatePerSec        float64
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "wakeve",
		DBName:    "wakeve",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		SQSMaxReceives: 5,

		AWSRegion: "eu-west-3",

		APIRateLimit: 100,

		BatchWindow:           5 * time.Minute,
		RateLimitMax:          10,
		RateLimitWindow:       time.Hour,
		DeadlineSweepInterval: 15 * time.Minute,
		DayOfSweepInterval:    time.Hour,
		DigestCheckInterval:   24 * time.Hour,
		DigestWeekday:         time.Sunday,
		DigestHour:            18,
		DigestSlot:            2 * time.Hour,
		Timezone:              "Europe/Paris",
		DefaultLocale:         "fr",
		MarkerTTL:             8 * 24 * time.Hour,
		PushRatePerSec:        20,
	}

	if err := intVar("PORT", &cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if err := intVar("DB_PORT", &cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if err := intVar("REDIS_PORT", &cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if err := intVar("REDIS_DB", &cfg.RedisDB); err != nil {
		return nil, err
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SQSDLQURL = os.Getenv("SQS_DLQ_URL")

	if err := intVar("SQS_MAX_RECEIVES", &cfg.SQSMaxReceives); err != nil {
		return nil, err
	}

	// SNS config for push
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	cfg.SNSFCMPlatformARN = os.Getenv("SNS_FCM_PLATFORM_ARN")
	cfg.SNSAPNSPlatformARN = os.Getenv("SNS_APNS_PLATFORM_ARN")

	if sandbox := os.Getenv("APNS_SANDBOX"); sandbox != "" {
		b, err := strconv.ParseBool(sandbox)
		if err != nil {
			return nil, fmt.Errorf("invalid APNS_SANDBOX: %w", err)
		}
		cfg.APNSSandbox = b
	}

	if err := intVar("API_RATE_LIMIT", &cfg.APIRateLimit); err != nil {
		return nil, err
	}

	// Notification engine
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"BATCH_WINDOW", &cfg.BatchWindow},
		{"RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
		{"DEADLINE_SWEEP_INTERVAL", &cfg.DeadlineSweepInterval},
		{"DAY_OF_SWEEP_INTERVAL", &cfg.DayOfSweepInterval},
		{"DIGEST_CHECK_INTERVAL", &cfg.DigestCheckInterval},
		{"DIGEST_SLOT", &cfg.DigestSlot},
		{"MARKER_TTL", &cfg.MarkerTTL},
	}
	for _, d := range durations {
		if err := durationVar(d.name, d.dst); err != nil {
			return nil, err
		}
	}

	if err := intVar("RATE_LIMIT_MAX", &cfg.RateLimitMax); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax <= 0 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_MAX: must be positive, got %d", cfg.RateLimitMax)
	}

	if day := os.Getenv("DIGEST_WEEKDAY"); day != "" {
		wd, err := parseWeekday(day)
		if err != nil {
			return nil, fmt.Errorf("invalid DIGEST_WEEKDAY: %w", err)
		}
		cfg.DigestWeekday = wd
	}

	if err := intVar("DIGEST_HOUR", &cfg.DigestHour); err != nil {
		return nil, err
	}
	if cfg.DigestHour < 0 || cfg.DigestHour > 23 {
		return nil, fmt.Errorf("invalid DIGEST_HOUR: %d is not an hour of the day", cfg.DigestHour)
	}

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		cfg.Timezone = tz
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	if locale := os.Getenv("DEFAULT_LOCALE"); locale != "" {
		cfg.DefaultLocale = locale
	}

	if r := os.Getenv("PUSH_RATE_PER_SEC"); r != "" {
		f, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_RATE_PER_SEC: %w", err)
		}
		cfg.PushRatePerSec = f
	}

	return cfg, nil
}

// Location returns the configured time zone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func intVar(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func durationVar(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: must be positive, got %v", name, d)
	}
	*dst = d
	return nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
