package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"crashout/internal/money"
)

// Config carries every operator-tunable knob. Values are read from the
// environment once at startup; a .env file is honored via godotenv autoload.
type Config struct {
	Port string
	Env  string // "development" or "production"

	// Database
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSchema   string

	// Betting limits, minor units (cents)
	MinBet         money.Amount
	MaxBet         money.Amount
	DefaultBalance money.Amount

	// Fairness
	HouseEdgeBasisPoints int64 // h in [0,1) expressed in basis points
	SeedRevealGrace      time.Duration

	// Round pacing
	CountdownDuration time.Duration
	TickInterval      time.Duration
	PostCrashPause    time.Duration

	// Farming
	FarmingCycle  time.Duration
	FarmingReward money.Amount

	// Daily limit defaults, minor units
	DailyWagerDefault money.Amount
	DailyLossDefault  money.Amount
	DailyGamesDefault int

	// Tokens
	TokenSecret      string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	SessionIdleLimit time.Duration

	// Admin surface
	AdminIPAllowlist        []string
	AdminRegistrationOpen   bool
	AdminRegistrationSecret string

	// CORS
	AllowedOrigins string

	// Telegram authentication
	TelegramBotToken string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Persistence call deadline
	StoreTimeout time.Duration
}

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("APP_ENV", "development"),

		DBHost:     getEnv("CRASHOUT_DB_HOST", "localhost"),
		DBPort:     getEnv("CRASHOUT_DB_PORT", "5432"),
		DBName:     getEnv("CRASHOUT_DB_DATABASE", "crashout"),
		DBUser:     getEnv("CRASHOUT_DB_USERNAME", "postgres"),
		DBPassword: getEnv("CRASHOUT_DB_PASSWORD", "postgres"),
		DBSchema:   getEnv("CRASHOUT_DB_SCHEMA", "public"),

		MinBet:         money.Amount(getEnvAsInt64("MIN_BET", 100)),            // 1.00
		MaxBet:         money.Amount(getEnvAsInt64("MAX_BET", 1000000)),        // 10,000.00
		DefaultBalance: money.Amount(getEnvAsInt64("DEFAULT_BALANCE", 100000)), // 1,000.00

		HouseEdgeBasisPoints: getEnvAsInt64("HOUSE_EDGE_BP", 100), // 1%
		SeedRevealGrace:      getEnvAsDuration("SEED_REVEAL_GRACE", 5*time.Minute),

		CountdownDuration: getEnvAsDuration("COUNTDOWN_DURATION", 5*time.Second),
		TickInterval:      getEnvAsDuration("TICK_INTERVAL", 50*time.Millisecond),
		PostCrashPause:    getEnvAsDuration("POST_CRASH_PAUSE", 3*time.Second),

		FarmingCycle:  getEnvAsDuration("FARMING_CYCLE", 6*time.Hour),
		FarmingReward: money.Amount(getEnvAsInt64("FARMING_REWARD", 6000)),

		DailyWagerDefault: money.Amount(getEnvAsInt64("DAILY_WAGER_DEFAULT", 10000000)),
		DailyLossDefault:  money.Amount(getEnvAsInt64("DAILY_LOSS_DEFAULT", 5000000)),
		DailyGamesDefault: getEnvAsInt("DAILY_GAMES_DEFAULT", 1000),

		TokenSecret:      getEnv("TOKEN_SECRET", "dev-secret-change-me"),
		AccessTokenTTL:   getEnvAsDuration("ACCESS_TOKEN_TTL", 7*24*time.Hour),
		RefreshTokenTTL:  getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		SessionIdleLimit: getEnvAsDuration("SESSION_IDLE_LIMIT", 24*time.Hour),

		AdminIPAllowlist:        splitNonEmpty(getEnv("ADMIN_IP_ALLOWLIST", "")),
		AdminRegistrationOpen:   getEnvAsBool("ADMIN_REGISTRATION_ENABLED", false),
		AdminRegistrationSecret: getEnv("ADMIN_REGISTRATION_KEY", ""),

		AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		RedisAddr:     getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		StoreTimeout: getEnvAsDuration("STORE_TIMEOUT", 30*time.Second),
	}
}

// HouseEdge returns h as a fraction of 1.
func (c *Config) HouseEdge() float64 {
	return float64(c.HouseEdgeBasisPoints) / 10000.0
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
