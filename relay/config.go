// Package relay implements the append-only mutation store and HTTP/WS
// surface that clouds replicate against.
package relay

import (
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"vaultsync/pkg/config"
	"vaultsync/pkg/utils"
)

// Config is the subset of the shared config relevant to the relay binary.
type Config struct {
	Listen string
	DBPath string
}

// LoadConfig loads a .env file if present and then the shared
// viper-backed config, returning just the relay-relevant fields.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("no .env file loaded")
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return Config{}, utils.Wrap(err, "load relay config")
	}
	if err := config.ApplyLogging(cfg); err != nil {
		return Config{}, utils.Wrap(err, "configure relay logging")
	}
	return Config{Listen: cfg.Relay.Listen, DBPath: cfg.Relay.DBPath}, nil
}
