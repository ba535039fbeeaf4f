package config

import "time"

type Config struct {
	LogLevel  string          `mapstructure:"logLevel"`
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Broker    BrokerConfig    `mapstructure:"broker"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	// AllowedOrigins is matched against the Origin header during the
	// WebSocket handshake. "*" disables the check entirely.
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
	API             APIConfig             `mapstructure:"api"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	UpgradeRate     UpgradeRateConfig     `mapstructure:"upgradeRate"`
}

// APIConfig covers the ingress HTTP surface. An empty JWTSecret leaves the
// /api endpoints open; operators running the hub on a shared network should
// set one.
type APIConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int `mapstructure:"maxPerIP"`
}

type UpgradeRateConfig struct {
	PerSecond float64 `mapstructure:"perSecond"`
	Burst     int     `mapstructure:"burst"`
}

type TransportConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeatTimeout"`
	MaxMessageBytes   int64         `mapstructure:"maxMessageBytes"`
	SendBuffer        int           `mapstructure:"sendBuffer"`
}

// BrokerConfig configures the cross-instance relay. An empty URL disables
// clustering and the hub runs single-instance.
type BrokerConfig struct {
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}
