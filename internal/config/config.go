package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every knob of the fulfillment service and its worker.
type Config struct {
	Env           string
	Addr          string
	SQLitePath    string
	PostgresDSN   string
	ArtifactsURL  string
	PublicBaseURL string
	AdminKey      string
	LogFormat     string
	LogLevel      string
	OTLPEndpoint  string
	ServiceName   string
	StoreName     string

	TemporalHost      string
	TemporalNamespace string

	Carrier Carrier
	Payment Payment

	QuoteTimeout   time.Duration
	CarrierTimeout time.Duration
}

// Carrier configures the Melhor Envio integration and the sender address
// printed on every label.
type Carrier struct {
	BaseURL      string
	Token        string
	ClientID     string
	ClientSecret string
	RefreshToken string
	UserAgent    string

	SenderName       string
	SenderPhone      string
	SenderEmail      string
	SenderDocument   string
	SenderStreet     string
	SenderNumber     string
	SenderComplement string
	SenderDistrict   string
	SenderCity       string
	SenderState      string
	SenderPostalCode string
}

// Payment configures the payment provider API and webhook secret.
type Payment struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
}

func Default() Config {
	return Config{
		Env:               "dev",
		Addr:              ":8080",
		SQLitePath:        "fulfillment.db",
		ArtifactsURL:      "file://./artifacts?create_dir=true",
		LogFormat:         "json",
		LogLevel:          "info",
		ServiceName:       "fulfillment",
		StoreName:         "Fulfillment",
		TemporalNamespace: "default",
		Carrier: Carrier{
			BaseURL:   "https://sandbox.melhorenvio.com.br",
			UserAgent: "fulfillment (ops@example.com)",
		},
		Payment: Payment{
			BaseURL: "https://api.mercadopago.com",
		},
		QuoteTimeout:   25 * time.Second,
		CarrierTimeout: 20 * time.Second,
	}
}

// Load reads .env files (never overriding variables already present in the
// process environment) and applies FULFILLMENT_* overrides on top of Default.
func Load(paths ...string) Config {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
	return fromEnv(Default())
}

func fromEnv(c Config) Config {
	str(&c.Env, "FULFILLMENT_ENV")
	str(&c.Addr, "FULFILLMENT_ADDR")
	str(&c.SQLitePath, "FULFILLMENT_SQLITE_PATH")
	str(&c.PostgresDSN, "FULFILLMENT_POSTGRES_DSN")
	str(&c.ArtifactsURL, "FULFILLMENT_ARTIFACTS_URL")
	str(&c.PublicBaseURL, "FULFILLMENT_PUBLIC_BASE_URL")
	str(&c.AdminKey, "FULFILLMENT_ADMIN_KEY")
	str(&c.LogFormat, "LOG_FORMAT")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	str(&c.ServiceName, "SERVICE_NAME")
	str(&c.StoreName, "FULFILLMENT_STORE_NAME")
	str(&c.TemporalHost, "TEMPORAL_HOST")
	str(&c.TemporalNamespace, "TEMPORAL_NAMESPACE")

	str(&c.Carrier.BaseURL, "MELHORENVIO_BASE_URL")
	str(&c.Carrier.Token, "MELHORENVIO_TOKEN")
	str(&c.Carrier.ClientID, "MELHORENVIO_CLIENT_ID")
	str(&c.Carrier.ClientSecret, "MELHORENVIO_CLIENT_SECRET")
	str(&c.Carrier.RefreshToken, "MELHORENVIO_REFRESH_TOKEN")
	str(&c.Carrier.UserAgent, "MELHORENVIO_USER_AGENT")
	str(&c.Carrier.SenderName, "SENDER_NAME")
	str(&c.Carrier.SenderPhone, "SENDER_PHONE")
	str(&c.Carrier.SenderEmail, "SENDER_EMAIL")
	str(&c.Carrier.SenderDocument, "SENDER_DOCUMENT")
	str(&c.Carrier.SenderStreet, "SENDER_STREET")
	str(&c.Carrier.SenderNumber, "SENDER_NUMBER")
	str(&c.Carrier.SenderComplement, "SENDER_COMPLEMENT")
	str(&c.Carrier.SenderDistrict, "SENDER_DISTRICT")
	str(&c.Carrier.SenderCity, "SENDER_CITY")
	str(&c.Carrier.SenderState, "SENDER_STATE")
	str(&c.Carrier.SenderPostalCode, "SENDER_POSTAL_CODE")

	str(&c.Payment.BaseURL, "MERCADOPAGO_BASE_URL")
	str(&c.Payment.AccessToken, "MERCADOPAGO_ACCESS_TOKEN")
	str(&c.Payment.WebhookSecret, "MERCADOPAGO_WEBHOOK_SECRET")

	dur(&c.QuoteTimeout, "FULFILLMENT_QUOTE_TIMEOUT")
	dur(&c.CarrierTimeout, "FULFILLMENT_CARRIER_TIMEOUT")
	return c
}

// RegisterFlags binds the most common knobs to fs. Values already loaded
// from the environment become the flag defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.SQLitePath, "db", c.SQLitePath, "path to the sqlite database file")
	fs.StringVar(&c.PostgresDSN, "postgres", c.PostgresDSN, "PostgreSQL DSN; overrides -db when set")
	fs.StringVar(&c.ArtifactsURL, "artifacts", c.ArtifactsURL, "artifact bucket URL (file://, mem://)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json or console")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&c.TemporalHost, "temporal", c.TemporalHost, "Temporal host:port; empty runs re-fulfillment in-process")
	fs.DurationVar(&c.CarrierTimeout, "carrier-timeout", c.CarrierTimeout, "timeout for each carrier call")
}

// Problems lists configuration gaps an operator must fix. Components built
// from an incomplete configuration refuse to make network calls.
func (c Config) Problems() []string {
	var out []string
	if strings.TrimSpace(c.Carrier.Token) == "" && strings.TrimSpace(c.Carrier.RefreshToken) == "" {
		out = append(out, "carrier credentials missing: set MELHORENVIO_TOKEN or MELHORENVIO_REFRESH_TOKEN")
	}
	if c.Carrier.RefreshToken != "" && (c.Carrier.ClientID == "" || c.Carrier.ClientSecret == "") {
		out = append(out, "carrier oauth refresh requires MELHORENVIO_CLIENT_ID and MELHORENVIO_CLIENT_SECRET")
	}
	if len(onlyDigits(c.Carrier.SenderPostalCode)) != 8 {
		out = append(out, "sender postal code missing or invalid: set SENDER_POSTAL_CODE")
	}
	if strings.TrimSpace(c.Payment.AccessToken) == "" {
		out = append(out, "payment provider access token missing: set MERCADOPAGO_ACCESS_TOKEN")
	}
	if strings.TrimSpace(c.Payment.WebhookSecret) == "" {
		out = append(out, "payment webhook secret missing: set MERCADOPAGO_WEBHOOK_SECRET")
	}
	if strings.TrimSpace(c.AdminKey) == "" {
		out = append(out, "admin key missing: admin endpoints are disabled")
	}
	return out
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func dur(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		*dst = time.Duration(secs) * time.Second
	}
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
