// config.go
package federation

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes the environment-variable bootstrap that
// cmd/server/main.go previously inlined, following the teacher's
// os.Getenv-plus-trimmed-default style.
type Config struct {
	HTTPAddr string
	TLSCert  string
	TLSKey   string

	RegistryDSN string
	AccountDSN  string
	UserDSN     string

	MasterKey string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string

	QueueBackend  string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string

	ExternalSolverURL string

	RefreshBuffer    time.Duration
	ChannelRenewMargin time.Duration
	ReconcileCron    string
	RenewalCron      string
	HoldSweepCron    string

	WebhookBaseURL string

	JWTSecret string
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// LoadConfig builds a Config from the process environment.
func LoadConfig() *Config {
	return &Config{
		HTTPAddr: getenvDefault("HTTP_ADDR", ":8080"),
		TLSCert:  strings.TrimSpace(os.Getenv("TLS_CERT_FILE")),
		TLSKey:   strings.TrimSpace(os.Getenv("TLS_KEY_FILE")),

		RegistryDSN: getenvDefault("REGISTRY_DSN", "file:registry.db?cache=shared&_fk=1"),
		AccountDSN:  getenvDefault("ACCOUNT_DSN", "file:accounts.db?cache=shared&_fk=1"),
		UserDSN:     getenvDefault("USERGRAPH_DSN", "file:usergraph.db?cache=shared&_fk=1"),

		MasterKey: os.Getenv("MASTER_KEY"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),

		MicrosoftClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
		MicrosoftClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		MicrosoftRedirectURL:  os.Getenv("MICROSOFT_REDIRECT_URL"),

		QueueBackend:  getenvDefault("QUEUE_BACKEND", "memory"),
		RedisAddr:     getenvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		ExternalSolverURL: os.Getenv("EXTERNAL_SOLVER_URL"),

		RefreshBuffer:      getenvDuration("REFRESH_BUFFER", 5*time.Minute),
		ChannelRenewMargin: getenvDuration("CHANNEL_RENEW_MARGIN", 24*time.Hour),
		ReconcileCron:      getenvDefault("RECONCILE_CRON", "0 3 * * *"),
		RenewalCron:        getenvDefault("RENEWAL_CRON", "*/15 * * * *"),
		HoldSweepCron:      getenvDefault("HOLD_SWEEP_CRON", "* * * * *"),

		WebhookBaseURL: os.Getenv("WEBHOOK_BASE_URL"),

		JWTSecret: getenvDefault("JWT_SECRET", "dev-secret-change-me"),
	}
}
