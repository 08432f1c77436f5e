package ledgerx

import (
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr            string        `yaml:"addr" validate:"required"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		// ConnStr selects PostgreSQL. Empty runs the in-memory store.
		ConnStr     string        `yaml:"conn_str"`
		LockTimeout time.Duration `yaml:"lock_timeout" validate:"gt=0"`
		NodeID      int64         `yaml:"node_id" validate:"gte=0,lte=1023"`
	} `yaml:"database"`
	IBAN struct {
		Country     string `yaml:"country" validate:"required,eq=DE"`
		BankCode    string `yaml:"bank_code" validate:"required,len=8,numeric"`
		MaxAttempts int    `yaml:"max_attempts" validate:"gte=1,lte=100"`
	} `yaml:"iban"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" validate:"required,min=16"`
		Realm     string `yaml:"realm" validate:"required"`
	} `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Breaker BreakerConfig `yaml:"breaker"`

	// Customers are seeded by cmd/seeder for local setups.
	Customers []Customer `yaml:"customers" validate:"dive"`
}

type LimitsConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	CreateAccount  int64         `yaml:"create_account" validate:"gte=0"`
	Deposit        int64         `yaml:"deposit" validate:"gte=0"`
	Withdraw       int64         `yaml:"withdraw" validate:"gte=0"`
	Read           int64         `yaml:"read" validate:"gte=0"`
	Statement      int64         `yaml:"statement" validate:"gte=0"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig decodes YAML from r, fills defaults and validates the result.
func LoadConfig(r io.Reader) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Database.LockTimeout == 0 {
		c.Database.LockTimeout = 3 * time.Second
	}
	if c.IBAN.Country == "" {
		c.IBAN.Country = "DE"
	}
	if c.IBAN.MaxAttempts == 0 {
		c.IBAN.MaxAttempts = 5
	}
	if c.Limits.AcquireTimeout == 0 {
		c.Limits.AcquireTimeout = 500 * time.Millisecond
	}
	for _, w := range []*int64{&c.Limits.CreateAccount, &c.Limits.Deposit, &c.Limits.Withdraw, &c.Limits.Read, &c.Limits.Statement} {
		if *w == 0 {
			*w = 64
		}
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 4
	}
	if c.Breaker.Interval == 0 {
		c.Breaker.Interval = time.Minute
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 10 * time.Second
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
