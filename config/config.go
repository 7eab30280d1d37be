package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the engine reads at boot. Values are loaded from
// a YAML file; DATABASE_URL from the environment wins over the file.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	HTTP      HTTPConfig      `yaml:"http"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Auth      AuthConfig      `yaml:"auth"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// Duration wraps time.Duration so YAML files can use Go duration strings
// ("72h", "15m") or plain nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("config: duration must be a string or integer, got %T", raw)
	}
	return nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ExchangeConfig tunes hour validation and the confirmation reconciler.
// Hour values are plain decimals in the file (e.g. 0.5) and are converted to
// fixed-point at wiring time.
type ExchangeConfig struct {
	// Tolerance is the maximum divergence between the two hour confirmations
	// before the exchange is disputed.
	Tolerance float64 `yaml:"tolerance"`
	// Granularity is the minimum hour increment; confirmations and the
	// averaged final hours are multiples of it.
	Granularity float64 `yaml:"granularity"`
	// MaxHours bounds a single exchange.
	MaxHours float64 `yaml:"max_hours"`
	// RequestTTL is how long an exchange may sit without party action in any
	// pre-confirmation state before the sweep expires it.
	RequestTTL Duration `yaml:"request_ttl"`
	// ConfirmDeadline is how long an exchange may sit in pending_confirmation
	// before the sweep force-settles it.
	ConfirmDeadline Duration `yaml:"confirm_deadline"`
	// MaxHoursWithoutApproval routes larger proposals through a broker even
	// when the listing itself is low risk.
	MaxHoursWithoutApproval float64 `yaml:"max_hours_without_approval"`
}

// LedgerConfig selects the balance floor policy.
type LedgerConfig struct {
	// AllowNegative permits balances below zero down to Floor. When false the
	// floor is zero regardless of Floor.
	AllowNegative bool    `yaml:"allow_negative"`
	Floor         float64 `yaml:"floor"`
}

type SchedulerConfig struct {
	// SweepSpec is a cron expression (with seconds) for the expiry sweep.
	SweepSpec string `yaml:"sweep_spec"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Exchange: ExchangeConfig{
			Tolerance:               0.5,
			Granularity:             0.1,
			MaxHours:                24,
			RequestTTL:              Duration(7 * 24 * time.Hour),
			ConfirmDeadline:         Duration(72 * time.Hour),
			MaxHoursWithoutApproval: 8,
		},
		Ledger: LedgerConfig{
			AllowNegative: true,
			Floor:         -10,
		},
		Scheduler: SchedulerConfig{
			SweepSpec: "0 */5 * * * *",
		},
	}
}

// Load reads the YAML file at path, layering it over Default. An empty path
// returns the defaults; DATABASE_URL in the environment overrides the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Exchange.Granularity <= 0 {
		return fmt.Errorf("config: granularity must be positive")
	}
	if c.Exchange.Tolerance < 0 {
		return fmt.Errorf("config: tolerance must not be negative")
	}
	if c.Exchange.MaxHours <= 0 {
		return fmt.Errorf("config: max_hours must be positive")
	}
	if c.Exchange.RequestTTL <= 0 || c.Exchange.ConfirmDeadline <= 0 {
		return fmt.Errorf("config: ttl values must be positive")
	}
	if !c.Ledger.AllowNegative && c.Ledger.Floor < 0 {
		return fmt.Errorf("config: negative floor requires allow_negative")
	}
	return nil
}
