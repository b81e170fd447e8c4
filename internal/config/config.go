package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"cajaflow/backend/internal/domain"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	AutoMigrate   bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
	AuthSecret    string
	ManagerPIN    string
	LogLevel      string
	LogFormat     string
	LogOutput     string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Sales         Sales
}

// Sales answers tax and numbering questions for new documents.
type Sales struct {
	Rate    decimal.Decimal
	Enabled bool
	Series  map[string]string
}

func (s Sales) TaxRate() decimal.Decimal { return s.Rate }
func (s Sales) TaxEnabled() bool         { return s.Enabled }

// SeriesFor returns the voucher series for a document kind, falling back to
// the kind itself.
func (s Sales) SeriesFor(kind string) string {
	if series := strings.TrimSpace(s.Series[kind]); series != "" {
		return series
	}
	return strings.ToUpper(kind)
}

func DefaultSales() Sales {
	return Sales{
		Rate:    decimal.RequireFromString("0.18"),
		Enabled: true,
		Series: map[string]string{
			string(domain.DocumentReceipt):      "B001",
			string(domain.DocumentInvoice):      "F001",
			string(domain.DocumentInternalNote): "NI01",
			domain.SeriesKindCreditNote:         "NC01",
			domain.SeriesKindQuote:              "COT",
		},
	}
}

// Load reads an optional config.yaml from the working directory or
// /etc/cajaflow. Environment variables always win.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cajaflow")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("allowed_origin", "http://127.0.0.1:3000")
	v.SetDefault("redis_db", 0)
	v.SetDefault("lock_ttl_seconds", 15)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_output", "stdout")
	v.SetDefault("http_read_timeout_seconds", 15)
	v.SetDefault("http_write_timeout_seconds", 15)
	v.SetDefault("tax_rate", "0.18")
	v.SetDefault("tax_enabled", true)
	v.SetDefault("auto_migrate", false)
	v.SetDefault("series_receipt", "B001")
	v.SetDefault("series_invoice", "F001")
	v.SetDefault("series_internal_note", "NI01")
	v.SetDefault("series_credit_note", "NC01")
	v.SetDefault("series_quote", "COT")

	taxRate, err := decimal.NewFromString(strings.TrimSpace(v.GetString("tax_rate")))
	if err != nil || taxRate.IsNegative() || taxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("TAX_RATE must be a fraction in [0, 1), got %q", v.GetString("tax_rate"))
	}

	cfg := Config{
		Port:          v.GetString("port"),
		AllowedOrigin: v.GetString("allowed_origin"),
		DatabaseURL:   strings.TrimSpace(v.GetString("database_url")),
		AutoMigrate:   v.GetBool("auto_migrate"),
		RedisAddr:     strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		LockTTL:       seconds(v.GetInt("lock_ttl_seconds"), 15),
		AuthSecret:    strings.TrimSpace(v.GetString("auth_secret")),
		ManagerPIN:    strings.TrimSpace(v.GetString("manager_pin")),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
		LogOutput:     v.GetString("log_output"),
		ReadTimeout:   seconds(v.GetInt("http_read_timeout_seconds"), 15),
		WriteTimeout:  seconds(v.GetInt("http_write_timeout_seconds"), 15),
		Sales: Sales{
			Rate:    taxRate,
			Enabled: v.GetBool("tax_enabled"),
			Series: map[string]string{
				string(domain.DocumentReceipt):      v.GetString("series_receipt"),
				string(domain.DocumentInvoice):      v.GetString("series_invoice"),
				string(domain.DocumentInternalNote): v.GetString("series_internal_note"),
				domain.SeriesKindCreditNote:         v.GetString("series_credit_note"),
				domain.SeriesKindQuote:              v.GetString("series_quote"),
			},
		},
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func seconds(n int, fallback int) time.Duration {
	if n < 1 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
