package config

import (
	"errors"
	"fmt"
	"time"

	"alatele/internal/auth"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Stub runs an in-memory backend inside the daemon instead of dialing
	// BACKEND_URL.
	Stub       bool   `envconfig:"STUB" default:"false"`
	BackendURL string `envconfig:"BACKEND_URL"`

	AuthMode       string `envconfig:"AUTH_MODE" default:"guest"`
	// Shells export USERNAME for the OS login, hence the prefix.
	Username       string `envconfig:"ALATELE_USERNAME"`
	Password       string `envconfig:"ALATELE_PASSWORD"`
	DisplayName    string `envconfig:"DISPLAY_NAME"`
	FederatedToken string `envconfig:"FEDERATED_TOKEN"`

	APIAddr   string `envconfig:"API_ADDR" default:"localhost:8080"`
	AdminAddr string `envconfig:"ADMIN_ADDR" default:"localhost:8081"`

	CacheDB   string `envconfig:"CACHE_DB" default:"alatele.db"`
	BlobsPath string `envconfig:"BLOBS_PATH" default:"blobs"`

	PollInterval          time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`
	ConversationsInterval time.Duration `envconfig:"CONVERSATIONS_INTERVAL" default:"3s"`
	SendTimeout           time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	RequestTimeout        time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	ProfileTTL            time.Duration `envconfig:"PROFILE_TTL" default:"5m"`

	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `envconfig:"VAPID_SUBSCRIBER"`
}

// Load reads the configuration from the environment. In cliMode only the
// settings chatctl needs are validated.
func Load(cliMode bool) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.APIAddr == "" {
		return errors.New("API_ADDR is required")
	}
	if cliMode {
		return nil
	}

	if !c.Stub && c.BackendURL == "" {
		return errors.New("BACKEND_URL is required unless STUB is set")
	}

	mode, err := auth.ParseMode(c.AuthMode)
	if err != nil {
		return fmt.Errorf("AUTH_MODE: %w", err)
	}
	switch mode {
	case auth.ModeAdmin:
		if c.Username == "" || c.Password == "" {
			return errors.New("ALATELE_USERNAME and ALATELE_PASSWORD are required for admin mode")
		}
	case auth.ModeGuest:
		if c.Username == "" {
			return errors.New("ALATELE_USERNAME is required for guest mode")
		}
	case auth.ModeFederated:
		if c.FederatedToken == "" {
			return errors.New("FEDERATED_TOKEN is required for federated mode")
		}
	}

	if c.PollInterval <= 0 || c.ConversationsInterval <= 0 {
		return errors.New("POLL_INTERVAL and CONVERSATIONS_INTERVAL must be greater than 0")
	}
	if c.SendTimeout <= 0 {
		return errors.New("SEND_TIMEOUT must be greater than 0")
	}
	if c.ProfileTTL <= 0 {
		return errors.New("PROFILE_TTL must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.VAPIDPublicKey != "" && c.VAPIDSubscriber == "" {
		return errors.New("VAPID_SUBSCRIBER is required when push notifications are enabled")
	}

	return nil
}

// Credentials returns what the daemon signs in with.
func (c *Config) Credentials() auth.Credentials {
	mode, _ := auth.ParseMode(c.AuthMode)
	return auth.Credentials{
		Mode:        mode,
		Username:    c.Username,
		Password:    c.Password,
		DisplayName: c.DisplayName,
		Token:       c.FederatedToken,
	}
}
