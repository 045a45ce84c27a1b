package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the service configuration, loaded from environment
// variables with an optional .env file.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	// MaxBookDepth caps the depth of L2 book snapshots.
	MaxBookDepth int `env:"MAX_BOOK_DEPTH" envDefault:"25"`
	// MaxTradeHistory caps the trade history page size.
	MaxTradeHistory int `env:"MAX_TRADE_HISTORY" envDefault:"100"`

	// DefaultQuote is the settlement currency for instruments listed
	// without an explicit quote.
	DefaultQuote string `env:"DEFAULT_QUOTE" envDefault:"USD"`

	// AdminName is the admin account bootstrapped at startup.
	AdminName string `env:"ADMIN_NAME" envDefault:"admin"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
