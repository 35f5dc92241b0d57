package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override the config file.
const (
	EnvAccessToken = "MAPBOX_ACCESS_TOKEN"
	EnvDatabaseDSN = "JALAN_DATABASE_DSN"
	EnvAMQPURL     = "JALAN_AMQP_URL"
)

// Config holds all user-facing configuration for jalan-map.
type Config struct {
	Data   DataConfig   `toml:"data"`
	Server ServerConfig `toml:"server"`
	Map    MapConfig    `toml:"map"`
	Feed   FeedConfig   `toml:"feed"`
}

type DataConfig struct {
	Dir    string `toml:"dir"`
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	// SubmitRate is report submissions per second allowed per client IP.
	SubmitRate  float64 `toml:"submit_rate"`
	SubmitBurst int     `toml:"submit_burst"`
}

type MapConfig struct {
	AccessToken    string  `toml:"access_token"`
	StyleURL       string  `toml:"style_url"`
	DefaultLng     float64 `toml:"default_lng"`
	DefaultLat     float64 `toml:"default_lat"`
	DefaultZoom    float64 `toml:"default_zoom"`
	Classification string  `toml:"classification"`
}

// FeedConfig configures the optional AMQP relay for insert notifications.
// An empty AMQPURL keeps notifications in-process.
type FeedConfig struct {
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

// Defaults returns a Config populated with built-in default values.
func Defaults() *Config {
	return &Config{
		Data:   DataConfig{Dir: "data", Driver: "duckdb"},
		Server: ServerConfig{Host: "localhost", Port: 8080, AllowedOrigins: []string{"*"}, SubmitRate: 0.2, SubmitBurst: 3},
		Map: MapConfig{
			StyleURL:       "mapbox://styles/mapbox/streets-v12",
			DefaultLng:     -74.5,
			DefaultLat:     40,
			DefaultZoom:    9,
			Classification: "exact",
		},
		Feed: FeedConfig{Exchange: "jalan.reports"},
	}
}

// Load reads a TOML config file. If the file does not exist, built-in
// defaults are used. A .env file next to the working directory is loaded
// first, then environment variables override secrets and connection strings.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAccessToken); v != "" {
		c.Map.AccessToken = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Data.DSN = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.Feed.AMQPURL = v
	}
}

// Validate checks values that would otherwise fail later in confusing ways.
func (c *Config) Validate() error {
	switch c.Data.Driver {
	case "", "duckdb":
	case "mysql":
		if c.Data.DSN == "" {
			return fmt.Errorf("data.driver mysql needs data.dsn or %s", EnvDatabaseDSN)
		}
	default:
		return fmt.Errorf("unknown data.driver %q", c.Data.Driver)
	}
	switch c.Map.Classification {
	case "", "exact", "substring", "legacy":
	default:
		return fmt.Errorf("unknown map.classification %q", c.Map.Classification)
	}
	if c.Map.DefaultLng < -180 || c.Map.DefaultLng > 180 || c.Map.DefaultLat < -90 || c.Map.DefaultLat > 90 {
		return fmt.Errorf("map default center (%v, %v) out of range", c.Map.DefaultLng, c.Map.DefaultLat)
	}
	if c.Server.SubmitRate <= 0 {
		return errors.New("server.submit_rate must be positive")
	}
	return nil
}
