// Package config loads and validates the executor's configuration: a
// single YAML file with environment-variable overrides for secrets.
// Grounded on 0xtitan6-polymarket-mm/internal/config/config.go's
// Load(path)/Validate() shape and env-override convention, adapted from
// Polymarket's POLY_* prefix to EXECUTOR_*.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// decimalDecodeHookFunc lets viper unmarshal a YAML string field (e.g.
// "1.0") directly into a shopspring/decimal.Decimal struct field; the
// mapstructure used by viper has no decimal awareness by default.
func decimalDecodeHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			s, _ := data.(string)
			if s == "" {
				return decimal.Decimal{}, nil
			}
			return decimal.NewFromString(s)
		case reflect.Float64:
			return decimal.NewFromFloat(data.(float64)), nil
		case reflect.Int:
			return decimal.NewFromInt(int64(data.(int))), nil
		default:
			return data, nil
		}
	}
}

// Config is the top-level executor configuration.
type Config struct {
	Executor ExecutorConfig `mapstructure:"executor"`
	Control  ControlConfig  `mapstructure:"control"`
	Ingress  IngressConfig  `mapstructure:"ingress"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Safety   types.SafetyLimits `mapstructure:"safety"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// ExecutorConfig identifies this executor instance to the control plane.
type ExecutorConfig struct {
	Name          string `mapstructure:"name"`
	Platform      string `mapstructure:"platform"`
	BrokerServer  string `mapstructure:"broker_server"`
	AccountNumber string `mapstructure:"account_number"`
	APIKey        string `mapstructure:"api_key"`
	SecretKey     string `mapstructure:"secret_key"`
}

// ControlConfig configures the outbound Control Client.
type ControlConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// IngressConfig configures the Push Ingress websocket client.
type IngressConfig struct {
	URL          string        `mapstructure:"url"`
	Topic        string        `mapstructure:"topic"`
	Credential   string        `mapstructure:"credential"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// BrokerConfig configures the Broker Transport's local socket pair.
type BrokerConfig struct {
	Network       string        `mapstructure:"network"`
	RPCAddress    string        `mapstructure:"rpc_address"`
	StreamAddress string        `mapstructure:"stream_address"`
	RPCTimeout    time.Duration `mapstructure:"rpc_timeout"`
}

// LoggingConfig controls the zap logger's verbosity and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PersistenceConfig locates the embedded sqlite datastore.
type PersistenceConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads config from a YAML file, then applies EXECUTOR_* env var
// overrides for the two secret fields and the credential bearer token.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXECUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalDecodeHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("EXECUTOR_SECRET_KEY"); key != "" {
		cfg.Executor.SecretKey = key
	}
	if key := os.Getenv("EXECUTOR_API_KEY"); key != "" {
		cfg.Executor.APIKey = key
	}
	if cred := os.Getenv("EXECUTOR_PUSH_CREDENTIAL"); cred != "" {
		cfg.Ingress.Credential = cred
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, matching
// 0xtitan6's Validate() shape of one early-return fmt.Errorf per field.
func (c *Config) Validate() error {
	if c.Executor.Name == "" {
		return fmt.Errorf("executor.name is required")
	}
	if c.Executor.Platform == "" {
		return fmt.Errorf("executor.platform is required")
	}
	if c.Control.BaseURL == "" {
		return fmt.Errorf("control.base_url is required")
	}
	if c.Ingress.URL == "" {
		return fmt.Errorf("ingress.url is required")
	}
	if c.Broker.RPCAddress == "" {
		return fmt.Errorf("broker.rpc_address is required")
	}
	if c.Broker.StreamAddress == "" {
		return fmt.Errorf("broker.stream_address is required")
	}
	if c.Broker.Network == "" {
		c.Broker.Network = "unix"
	}
	if c.Safety.MaxOpenPositions <= 0 {
		return fmt.Errorf("safety.max_open_positions must be > 0")
	}
	if c.Safety.MaxLotSize.IsZero() || c.Safety.MaxLotSize.IsNegative() {
		return fmt.Errorf("safety.max_lot_size must be > 0")
	}
	if c.Safety.MaxDailyLoss.IsZero() && c.Safety.MaxDailyLossPct.IsZero() {
		return fmt.Errorf("at least one of safety.max_daily_loss or safety.max_daily_loss_pct is required")
	}
	if c.Safety.CorrelationLookbackBars <= 0 {
		c.Safety.CorrelationLookbackBars = 100 // spec.md §9 open-question default
	}
	if c.Persistence.Path == "" {
		return fmt.Errorf("persistence.path is required")
	}
	return nil
}
