package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
)

type Config struct {
	Port         int    `env:"PORT,default=3000"`
	MasterSecret string `env:"MASTER_SECRET,required"`
	GinMode      string `env:"GIN_MODE,default=release"`
	TLSCertFile  string `env:"TLS_CERT_FILE"`
	TLSKeyFile   string `env:"TLS_KEY_FILE"`

	TokenIssuer string        `env:"TOKEN_ISSUER,default=cloud-relay"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY,default=168h"`
	// JWKSURL enables RS256/ES256 tokens signed by an external key set.
	JWKSURL string `env:"JWKS_URL"`

	NodeID           string        `env:"NODE_ID"`
	RedisURL         string        `env:"REDIS_URL"`
	BusChannelPrefix string        `env:"BUS_CHANNEL_PREFIX,default=relay:"`
	RelayTimeout     time.Duration `env:"RELAY_TIMEOUT,default=30s"`
	AckTimeout       time.Duration `env:"ACK_TIMEOUT,default=20s"`
	HandshakeGrace   time.Duration `env:"HANDSHAKE_GRACE,default=90s"`

	StateFile        string `env:"STATE_FILE"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`
	LogFormat        string `env:"LOG_FORMAT,default=json"`
	WebhookRateLimit int    `env:"WEBHOOK_RATE_LIMIT,default=120"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: invalid PORT")
	}
	if c.MasterSecret == "" {
		return errors.New("config: MASTER_SECRET is required")
	}
	if c.TokenExpiry <= 0 {
		return errors.New("config: invalid TOKEN_EXPIRY")
	}
	if c.RelayTimeout <= 0 {
		return errors.New("config: invalid RELAY_TIMEOUT")
	}
	if c.AckTimeout <= 0 || c.AckTimeout > c.RelayTimeout {
		return errors.New("config: ACK_TIMEOUT must be positive and not exceed RELAY_TIMEOUT")
	}
	if c.HandshakeGrace <= 0 {
		return errors.New("config: invalid HANDSHAKE_GRACE")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("config: invalid LOG_FORMAT %q", c.LogFormat)
	}
	if c.WebhookRateLimit <= 0 {
		return errors.New("config: invalid WEBHOOK_RATE_LIMIT")
	}
	return nil
}

func defaultNodeID() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "node"
	}
	return h + "-" + uuid.NewString()
}
