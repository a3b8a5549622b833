package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

// Configuration holds everything needed to start the server.
type Configuration struct {
	Address     string   `env:"ADDRESS" envDefault:":8080"`
	AppEnv      string   `env:"APP_ENV" envDefault:"development"`
	GinMode     string   `env:"GIN_MODE" envDefault:"debug"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5500,http://127.0.0.1:5500"`

	StoreBackend     string        `env:"STORE_BACKEND" envDefault:"memory"`
	MongoURI         string        `env:"MONGODB_URI"`
	MongoDatabase    string        `env:"MONGODB_DATABASE" envDefault:"campuscruiser"`
	SubscriberBuffer int           `env:"SUBSCRIBER_BUFFER" envDefault:"64"`
	StoreTimeout     time.Duration `env:"STORE_TIMEOUT" envDefault:"10s"`

	JWTSecret     string        `env:"JWT_SECRET,required"`
	JWTTTL        time.Duration `env:"JWT_TTL" envDefault:"24h"`
	AdminAccounts string        `env:"ADMIN_ACCOUNTS"`

	FirebaseProjectID       string   `env:"FIREBASE_PROJECT_ID"`
	FirebaseCredentialsPath string   `env:"FIREBASE_CREDENTIALS_PATH"`
	FirebaseAdminUIDs       []string `env:"FIREBASE_ADMIN_UIDS" envSeparator:","`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:admin@campuscruiser.app"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogOutput string `env:"LOG_OUTPUT" envDefault:"stdout"`
	LogPath   string `env:"LOG_PATH" envDefault:"logs"`
}

// Load reads the given .env files (or config/env/<APP_ENV>.env when none are
// given and it exists), then parses the process environment. Variables
// already set in the environment win over file values.
func Load(files ...string) (*Configuration, error) {
	if len(files) == 0 {
		if path := envFilePath(); path != "" {
			files = []string{path}
		}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg, err := env.ParseAs[Configuration]()
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Configuration) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory:
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGODB_URI is required when STORE_BACKEND=mongo"))
		}
		if c.MongoDatabase == "" {
			errs = append(errs, errors.New("MONGODB_DATABASE is required when STORE_BACKEND=mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("SUBSCRIBER_BUFFER must be at least 1"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together"))
	}
	if c.FirebaseCredentialsPath != "" && c.FirebaseProjectID == "" {
		errs = append(errs, errors.New("FIREBASE_PROJECT_ID is required with FIREBASE_CREDENTIALS_PATH"))
	}
	switch strings.ToLower(c.LogOutput) {
	case "stdout", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_OUTPUT %q", c.LogOutput))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Configuration) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Configuration) FirebaseEnabled() bool {
	return c.FirebaseProjectID != ""
}

// envFilePath walks up from the working directory looking for config/env.
func envFilePath() string {
	name := os.Getenv("APP_ENV")
	if name == "" {
		name = "development"
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "config", "env", name+".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
