package config

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPPort    string `envconfig:"HTTP_PORT" default:"8080" json:"http_port" validate:"required,numeric"`
	HTTPSPort   string `envconfig:"HTTPS_PORT" default:"8443" json:"https_port" validate:"required,numeric"`
	Domain      string `envconfig:"DOMAIN" json:"domain"`
	HTTPOnly    bool   `envconfig:"HTTP_ONLY" default:"true" json:"http_only"`
	FrontendURI string `envconfig:"FRONTEND_URI" json:"frontend_uri" validate:"omitempty,url"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" json:"log_level" validate:"oneof=debug info warn error"`

	StoreDriver  string `envconfig:"STORE_DRIVER" default:"sqlite" json:"store_driver" validate:"oneof=sqlite postgres badger"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"chat.db" json:"database_path" validate:"required_if=StoreDriver sqlite"`
	DatabaseURL  string `envconfig:"DATABASE_URL" json:"database_url" validate:"required_if=StoreDriver postgres"`
	BadgerPath   string `envconfig:"BADGER_PATH" default:"chat.badger" json:"badger_path" validate:"required_if=StoreDriver badger"`

	SendBuffer      int     `envconfig:"SEND_BUFFER" default:"64" json:"send_buffer" validate:"min=1"`
	MaxMessageBytes int64   `envconfig:"MAX_MESSAGE_BYTES" default:"10485760" json:"max_message_bytes" validate:"min=1024"`
	EventsPerSecond float64 `envconfig:"EVENTS_PER_SECOND" default:"50" json:"events_per_second" validate:"gt=0"`
	EventsBurst     int     `envconfig:"EVENTS_BURST" default:"100" json:"events_burst" validate:"min=1"`

	CallRingTimeout     time.Duration `envconfig:"CALL_RING_TIMEOUT" default:"60s" json:"-" validate:"min=0"`
	MaxQueuedCandidates int           `envconfig:"MAX_QUEUED_CANDIDATES" default:"128" json:"max_queued_candidates" validate:"min=1"`

	// TicketSecret signs room tickets. Never read from config.json.
	TicketSecret string        `envconfig:"TICKET_SECRET" json:"-"`
	TicketTTL    time.Duration `envconfig:"TICKET_TTL" default:"24h" json:"-" validate:"gt=0"`

	TURNEnabled  bool   `envconfig:"TURN_ENABLED" default:"false" json:"turn_enabled"`
	TURNPort     int    `envconfig:"TURN_PORT" default:"3478" json:"turn_port" validate:"min=1,max=65535"`
	TURNRealm    string `envconfig:"TURN_REALM" default:"pinroom" json:"turn_realm" validate:"required"`
	TURNPublicIP string `envconfig:"TURN_PUBLIC_IP" json:"turn_public_ip" validate:"omitempty,ip"`

	// KeysDir holds generated secrets. Defaults to keys/ next to the binary.
	KeysDir string `envconfig:"KEYS_DIR" json:"-"`
	// ConfigFile overrides the config.json location.
	ConfigFile string `envconfig:"CONFIG_FILE" json:"-"`
}

// Overrides carries command-line flags. Nil fields leave the loaded value
// untouched.
type Overrides struct {
	HTTPOnly    *bool
	FrontendURI *string
	LogLevel    *string
}

// Load reads .env files, the environment, config.json and finally the
// command-line overrides, then validates the result.
func Load(o Overrides) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	configPath := cfg.ConfigFile
	if configPath == "" {
		configPath = filepath.Join(executableDir(), "config.json")
	}
	if loaded, err := loadJSON(configPath, &cfg); err != nil {
		return nil, err
	} else if loaded {
		fmt.Println("NOTE: Custom configuration loaded from", configPath)
	}

	if o.HTTPOnly != nil {
		cfg.HTTPOnly = *o.HTTPOnly
	}
	if o.FrontendURI != nil && *o.FrontendURI != "" {
		cfg.FrontendURI = *o.FrontendURI
	}
	if o.LogLevel != nil && *o.LogLevel != "" {
		cfg.LogLevel = *o.LogLevel
	}

	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(executableDir(), "keys")
	}
	if cfg.TicketSecret == "" {
		cfg.TicketSecret = loadOrGenerateSecret(cfg.KeysDir, "ticket-secret.key")
	}
	if !cfg.HTTPOnly && cfg.Domain == "" {
		cfg.Domain = loadOrPromptDomain()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.HTTPOnly && c.Domain == "" {
		return errors.New("invalid config: DOMAIN is required unless HTTP_ONLY is set")
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StorePath is the sqlite file or badger directory for the configured driver.
func (c *Config) StorePath() string {
	if c.StoreDriver == "badger" {
		return c.BadgerPath
	}
	return c.DatabasePath
}

// SaveJSON writes the file-backed part of the configuration. Secrets and
// durations are not written.
func (c *Config) SaveJSON(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config.json: %w", err)
	}
	return nil
}

func loadJSON(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

func executableDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateSecret(keysDir, name string) string {
	secretFile := filepath.Join(keysDir, name)

	if secretData, err := os.ReadFile(secretFile); err == nil {
		secret := strings.TrimSpace(string(secretData))
		if secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err == nil {
			fmt.Printf("Ticket secret saved to: %s\n", secretFile)
		} else {
			fmt.Printf("Warning: Failed to save ticket secret to disk: %v\n", err)
			fmt.Println("Secret will be regenerated on next restart unless set via TICKET_SECRET environment variable")
		}
	}

	return secret
}

func loadOrPromptDomain() string {
	certsDir := filepath.Join(executableDir(), "certs")
	domainFile := filepath.Join(certsDir, "domain.txt")
	if domainData, err := os.ReadFile(domainFile); err == nil {
		domain := strings.TrimSpace(string(domainData))
		if domain != "" {
			return domain
		}
	}

	fmt.Println("\n=== Domain Configuration ===")
	fmt.Println("No domain configured. Please enter your domain name for Let's Encrypt SSL certificate.")
	fmt.Println("Note: ports 80 and 443 must be reachable from the internet.")
	fmt.Print("Domain: ")

	reader := bufio.NewReader(os.Stdin)
	domain, err := reader.ReadString('\n')
	if err != nil {
		fmt.Printf("Error reading domain: %v\n", err)
		return ""
	}

	domain = strings.TrimSpace(domain)
	if domain == "" {
		return ""
	}

	if err := os.MkdirAll(certsDir, 0700); err == nil {
		if err := os.WriteFile(domainFile, []byte(domain), 0600); err == nil {
			fmt.Printf("Domain saved to: %s\n", domainFile)
		}
	}

	return domain
}
