package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.address", ":3841")
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.connectionLimit.maxPerIP", 32)
	v.SetDefault("server.upgradeRate.perSecond", 10.0)
	v.SetDefault("server.upgradeRate.burst", 20)
	v.SetDefault("transport.heartbeatInterval", "25s")
	v.SetDefault("transport.heartbeatTimeout", "20s")
	v.SetDefault("transport.maxMessageBytes", 65536)
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.channel", "sockethub:broadcast")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("SOCKETHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
