package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read once from the environment.
type Config struct {
	HTTPAddr           string   `env:"WARDEN_HTTP_ADDR" envDefault:":9000"`
	RedisURL           string   `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	DatabaseDriver     string   `env:"WARDEN_DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL        string   `env:"WARDEN_DATABASE_URL" envDefault:"file:warden.db?_pragma=busy_timeout(5000)"`
	RelyingPartiesFile string   `env:"WARDEN_RELYING_PARTIES_FILE"`
	StrictOrigins      bool     `env:"WARDEN_STRICT_ORIGINS" envDefault:"false"`
	TokenKey           string   `env:"WARDEN_TOKEN_KEY"`                          // hex P-256 scalar; generated when empty
	AdminIdentifiers   []string `env:"WARDEN_ADMIN_IDENTIFIERS" envSeparator:","` // rp_id/identifier pairs
	TrustedProxies     []string `env:"WARDEN_TRUSTED_PROXIES" envSeparator:","`
	LogLevel           string   `env:"WARDEN_LOG_LEVEL" envDefault:"info"`
	LogDevelopment     bool     `env:"WARDEN_LOG_DEVELOPMENT" envDefault:"false"`
	EventTopic         string   `env:"WARDEN_EVENT_TOPIC" envDefault:"warden.transactions"`

	Sessions  Sessions  `envPrefix:"WARDEN_"`
	RateLimit RateLimit `envPrefix:"WARDEN_RATE_LIMIT_"`
	Ledger    Ledger    `envPrefix:"WARDEN_LEDGER_"`
}

// Sessions holds ceremony and token lifetimes.
type Sessions struct {
	ChallengeTTL time.Duration `env:"CHALLENGE_TTL" envDefault:"5m"`
	AccessTTL    time.Duration `env:"ACCESS_TTL" envDefault:"5m"`
	RefreshTTL   time.Duration `env:"REFRESH_TTL" envDefault:"120h"`
	PendingTTL   time.Duration `env:"PENDING_TTL" envDefault:"24h"`
}

// RateLimit is the attempt policy shared by every rate limited action.
type RateLimit struct {
	Threshold int           `env:"THRESHOLD" envDefault:"5"`
	Window    time.Duration `env:"WINDOW" envDefault:"1m"`
	Block     time.Duration `env:"BLOCK" envDefault:"15m"`
}

// Ledger configures the EVM chain and the contracts the service drives.
type Ledger struct {
	RPCURL           string        `env:"RPC_URL" envDefault:"http://localhost:8545"`
	ChainID          int64         `env:"CHAIN_ID" envDefault:"1337"`
	RelayerKey       string        `env:"RELAYER_KEY"`
	WalletFactory    string        `env:"WALLET_FACTORY" envDefault:"0x0000000000000000000000000000000000000000"`
	WalletInitHash   string        `env:"WALLET_INIT_CODE_HASH" envDefault:"0x0000000000000000000000000000000000000000000000000000000000000000"`
	ApprovalRegistry string        `env:"APPROVAL_REGISTRY" envDefault:"0x0000000000000000000000000000000000000000"`
	DomainName       string        `env:"DOMAIN_NAME" envDefault:"PasskeyWallet"`
	DomainVersion    string        `env:"DOMAIN_VERSION" envDefault:"1"`
	OperationTTL     time.Duration `env:"OPERATION_TTL" envDefault:"10m"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	PollAttempts     int           `env:"POLL_ATTEMPTS" envDefault:"30"`
	SendAttempts     uint          `env:"SEND_ATTEMPTS" envDefault:"5"`
	SendBackoff      time.Duration `env:"SEND_BACKOFF" envDefault:"500ms"`
	GasMultiplier    float64       `env:"GAS_MULTIPLIER" envDefault:"1.2"`
}

// Admin is an identity allowed to approve any wallet. It only applies to
// sessions of an allow-listed relying party.
type Admin struct {
	RPID       string
	Identifier string
}

// Admins parses AdminIdentifiers, each written as rp_id/identifier.
func (c Config) Admins() ([]Admin, error) {
	admins := make([]Admin, 0, len(c.AdminIdentifiers))
	for _, raw := range c.AdminIdentifiers {
		rpID, identifier, ok := strings.Cut(strings.TrimSpace(raw), "/")
		if !ok || rpID == "" || identifier == "" {
			return nil, fmt.Errorf("admin %q must be written as rp_id/identifier", raw)
		}
		admins = append(admins, Admin{RPID: strings.ToLower(rpID), Identifier: identifier})
	}
	return admins, nil
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	switch {
	case c.RateLimit.Threshold < 1:
		return fmt.Errorf("rate limit threshold must be positive")
	case c.RateLimit.Window <= 0 || c.RateLimit.Block <= 0:
		return fmt.Errorf("rate limit window and block must be positive")
	case c.Sessions.ChallengeTTL <= 0:
		return fmt.Errorf("challenge ttl must be positive")
	case c.Ledger.PollAttempts < 1:
		return fmt.Errorf("ledger poll attempts must be positive")
	case c.Ledger.SendAttempts < 1:
		return fmt.Errorf("ledger send attempts must be positive")
	case c.Ledger.GasMultiplier < 1:
		return fmt.Errorf("ledger gas multiplier must be at least 1")
	}
	if _, err := c.Admins(); err != nil {
		return err
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	return nil
}
