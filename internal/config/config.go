package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingSetting marks a required setting that is absent. It is an operator
// fault and must never be reported as a provider or data error.
var ErrMissingSetting = errors.New("required setting not configured")

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type NOWPaymentsConfig struct {
	APIKey    string
	IPNSecret string
	BaseURL   string
	Timeout   time.Duration
	// PriceCurrency is the fiat currency invoices are priced in.
	PriceCurrency string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
}

type Config struct {
	Port          string
	PublicBaseURL string
	LogLevel      string
	Database      DatabaseConfig
	NOWPayments   NOWPaymentsConfig
	Kafka         KafkaConfig
	Breaker       BreakerConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("public_base_url", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("db_driver", "postgres")
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "shop")
	v.SetDefault("db_password", "shop")
	v.SetDefault("db_name", "shop")
	v.SetDefault("db_sslmode", "disable")

	v.SetDefault("nowpayments_api_key", "")
	v.SetDefault("nowpayments_ipn_secret", "")
	v.SetDefault("nowpayments_base_url", "https://api.nowpayments.io/v1")
	v.SetDefault("nowpayments_timeout", "30s")
	v.SetDefault("nowpayments_price_currency", "usd")

	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "payment.status_changed")
	v.SetDefault("kafka_group_id", "shop-api-live-updates")

	v.SetDefault("breaker_max_failures", 5)
	v.SetDefault("breaker_timeout", "30s")
}

// Load builds the configuration from the environment and, when CONFIG_FILE is
// set, from that file. Environment variables win over file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:          v.GetString("port"),
		PublicBaseURL: strings.TrimRight(v.GetString("public_base_url"), "/"),
		LogLevel:      v.GetString("log_level"),
		Database: DatabaseConfig{
			Driver:   v.GetString("db_driver"),
			Host:     v.GetString("db_host"),
			Port:     v.GetString("db_port"),
			User:     v.GetString("db_user"),
			Password: v.GetString("db_password"),
			Name:     v.GetString("db_name"),
			SSLMode:  v.GetString("db_sslmode"),
		},
		NOWPayments: NOWPaymentsConfig{
			APIKey:        v.GetString("nowpayments_api_key"),
			IPNSecret:     v.GetString("nowpayments_ipn_secret"),
			BaseURL:       strings.TrimRight(v.GetString("nowpayments_base_url"), "/"),
			Timeout:       v.GetDuration("nowpayments_timeout"),
			PriceCurrency: v.GetString("nowpayments_price_currency"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka_brokers")),
			Topic:   v.GetString("kafka_topic"),
			GroupID: v.GetString("kafka_group_id"),
		},
		Breaker: BreakerConfig{
			MaxFailures: v.GetInt("breaker_max_failures"),
			Timeout:     v.GetDuration("breaker_timeout"),
		},
	}
}

// Validate reports every missing required setting in a single error wrapping ErrMissingSetting.
func (c *Config) Validate() error {
	var missing []string
	if c.NOWPayments.APIKey == "" {
		missing = append(missing, "NOWPAYMENTS_API_KEY")
	}
	if c.NOWPayments.IPNSecret == "" {
		missing = append(missing, "NOWPAYMENTS_IPN_SECRET")
	}
	if c.NOWPayments.BaseURL == "" {
		missing = append(missing, "NOWPAYMENTS_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.NOWPayments.Timeout <= 0 {
		return fmt.Errorf("NOWPAYMENTS_TIMEOUT must be positive, got %s", c.NOWPayments.Timeout)
	}
	return nil
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
