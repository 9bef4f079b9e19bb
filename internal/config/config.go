// Package config assembles the server configuration from defaults, an optional
// JSON file, environment variables and command line flags, in that order of
// increasing priority, and validates the result.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	env "github.com/caarlos0/env/v6"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the server.
type Config struct {
	RunAddr                  string        `env:"SERVER_ADDRESS" validate:"hostname_port"`
	GRPCRunAddr              string        `env:"GRPC_SERVER_ADDRESS" validate:"omitempty,hostname_port"`
	LogLevel                 string        `env:"LOG_LEVEL" validate:"loglevel"`
	DBFileName               string        `env:"FILE_STORAGE_PATH" validate:"omitempty,storagepath"`
	DatabaseDSN              string        `env:"DATABASE_DSN"`
	DBConnectionTimeout      time.Duration `env:"DB_CONNECTION_TIMEOUT" validate:"gt=0"`
	JWTSigningSecretKey      string        `env:"JWT_SIGNING_SECRET_KEY" validate:"required,base64url"`
	JWTIssuer                string        `env:"JWT_ISSUER" validate:"required"`
	JWTAudience              string        `env:"JWT_AUDIENCE" validate:"required"`
	TokenTTL                 time.Duration `env:"TOKEN_TTL" validate:"gt=0"`
	TrustedSubnet            string        `env:"TRUSTED_SUBNET" validate:"omitempty,cidr"`
	TrustProxyHeaders        bool          `env:"TRUST_PROXY_HEADERS"`
	ChannelCapacity          int           `env:"CHANNEL_CAPACITY" validate:"gt=0"`
	DelayBetweenQueueFetches time.Duration `env:"DELAY_BETWEEN_QUEUE_FETCHES" validate:"gt=0"`
	MetricsExporter          string        `env:"METRICS_EXPORTER" validate:"oneof=prometheus stdout otlp none"`
	TracesExporter           string        `env:"TRACES_EXPORTER" validate:"oneof=stdout otlp none"`
	ConfigFile               string        `env:"CONFIG"`
}

// jsonConfig mirrors Config with durations written as strings ("10s").
type jsonConfig struct {
	RunAddr                  string `json:"server_address"`
	GRPCRunAddr              string `json:"grpc_server_address"`
	LogLevel                 string `json:"log_level"`
	DBFileName               string `json:"file_storage_path"`
	DatabaseDSN              string `json:"database_dsn"`
	DBConnectionTimeout      string `json:"db_connection_timeout"`
	JWTSigningSecretKey      string `json:"jwt_signing_secret_key"`
	JWTIssuer                string `json:"jwt_issuer"`
	JWTAudience              string `json:"jwt_audience"`
	TokenTTL                 string `json:"token_ttl"`
	TrustedSubnet            string `json:"trusted_subnet"`
	TrustProxyHeaders        bool   `json:"trust_proxy_headers"`
	ChannelCapacity          int    `json:"channel_capacity"`
	DelayBetweenQueueFetches string `json:"delay_between_queue_fetches"`
	MetricsExporter          string `json:"metrics_exporter"`
	TracesExporter           string `json:"traces_exporter"`
}

const signingKeySize = 32

var defaultConfig = Config{
	RunAddr:                  ":8080",
	GRPCRunAddr:              "",
	LogLevel:                 "info",
	DBFileName:               "",
	DatabaseDSN:              "",
	DBConnectionTimeout:      10 * time.Second,
	JWTSigningSecretKey:      "",
	JWTIssuer:                "danki",
	JWTAudience:              "danki-users",
	TokenTTL:                 24 * time.Hour,
	TrustedSubnet:            "",
	TrustProxyHeaders:        false,
	ChannelCapacity:          1024,
	DelayBetweenQueueFetches: 5 * time.Second,
	MetricsExporter:          "prometheus",
	TracesExporter:           "none",
}

// InitOption configures New.
type InitOption func(*initOptions)

type initOptions struct {
	disableFlagsParsing bool
	args                []string
}

// WithDisableFlagsParsing skips the command line entirely.
func WithDisableFlagsParsing(disableFlagsParsing bool) InitOption {
	return func(options *initOptions) {
		options.disableFlagsParsing = disableFlagsParsing
	}
}

// WithArgs replaces os.Args[1:] as the source of flags.
func WithArgs(args []string) InitOption {
	return func(options *initOptions) {
		options.args = args
	}
}

func validateStoragePath(fieldLevel validator.FieldLevel) bool {
	path := fieldLevel.Field().String()
	info, err := os.Stat(path)
	if err != nil {
		return os.IsNotExist(err)
	}

	return !info.IsDir()
}

func validateLogLevel(fieldLevel validator.FieldLevel) bool {
	value := fieldLevel.Field().String()

	allowedLogLevels := map[string]bool{
		"debug":  true,
		"info":   true,
		"warn":   true,
		"error":  true,
		"dpanic": true,
		"panic":  true,
		"fatal":  true,
	}

	return allowedLogLevels[value]
}

func (c *Config) validate() error {
	validate := validator.New()

	err := validate.RegisterValidation("loglevel", validateLogLevel)
	if err != nil {
		return err
	}

	err = validate.RegisterValidation("storagepath", validateStoragePath)
	if err != nil {
		return err
	}

	return validate.Struct(c)
}

// New builds the configuration. Priority: flags > environment > JSON file > defaults.
func New(optionsProto ...InitOption) (*Config, error) {
	options := &initOptions{
		disableFlagsParsing: false,
		args:                nil,
	}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}
	if options.args == nil && len(os.Args) > 1 {
		options.args = os.Args[1:]
	}

	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Unable to load .env file: %v", err)
	}

	values := &Config{}
	applyDefaults(values, defaultConfig)

	var flagValues Config
	var fs *flag.FlagSet
	if !options.disableFlagsParsing {
		fs = newFlagSet(&flagValues)
		if err := fs.Parse(options.args); err != nil {
			return nil, fmt.Errorf("in internal/config/config.go/New(): error while `fs.Parse()` calling: %w", err)
		}
	}

	var valuesFromEnv Config
	if err := env.Parse(&valuesFromEnv); err != nil {
		return nil, fmt.Errorf("in internal/config/config.go/New(): error while `env.Parse()` calling: %w", err)
	}

	configFile := valuesFromEnv.ConfigFile
	if fs != nil && isFlagSet(fs, "c") {
		configFile = flagValues.ConfigFile
	}
	if configFile != "" {
		fromJSON, err := loadJSON(configFile)
		if err != nil {
			return nil, err
		}
		applyDefaults(values, *fromJSON)
		values.ConfigFile = configFile
	}

	applyDefaults(values, valuesFromEnv)

	if fs != nil {
		applyFlags(values, &flagValues, fs)
	}

	if values.JWTSigningSecretKey == "" {
		values.JWTSigningSecretKey, err = randomSigningKey()
		if err != nil {
			return nil, err
		}
		log.Printf("JWT_SIGNING_SECRET_KEY is not set, tokens are signed with a random key and will not survive a restart")
	}

	if err := values.validate(); err != nil {
		return nil, err
	}

	return values, nil
}

// randomSigningKey returns 32 random bytes in base64url.
func randomSigningKey() (string, error) {
	key := make([]byte, signingKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("in internal/config/config.go/randomSigningKey(): error while `rand.Read()` calling: %w", err)
	}

	return base64.URLEncoding.EncodeToString(key), nil
}

func newFlagSet(target *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("danki", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&target.RunAddr, "a", defaultConfig.RunAddr, "address and port to run the HTTP server")
	fs.StringVar(&target.GRPCRunAddr, "g", defaultConfig.GRPCRunAddr, "address and port to run the gRPC server, empty disables it")
	fs.StringVar(&target.LogLevel, "l", defaultConfig.LogLevel, "logger level")
	fs.StringVar(&target.DBFileName, "f", defaultConfig.DBFileName, "JSON file name with database")
	fs.StringVar(&target.DatabaseDSN, "d", defaultConfig.DatabaseDSN, "A string with the database connection details")
	fs.StringVar(&target.JWTSigningSecretKey, "k", defaultConfig.JWTSigningSecretKey, "base64url encoded JWT signing key")
	fs.DurationVar(&target.TokenTTL, "ttl", defaultConfig.TokenTTL, "issued token lifetime")
	fs.StringVar(&target.TrustedSubnet, "t", defaultConfig.TrustedSubnet, "CIDR allowed to read internal stats")
	fs.BoolVar(&target.TrustProxyHeaders, "trust-proxy", defaultConfig.TrustProxyHeaders, "take the client IP from X-Real-IP/X-Forwarded-For, only behind a proxy that sets them")
	fs.StringVar(&target.MetricsExporter, "m", defaultConfig.MetricsExporter, "metrics exporter: prometheus|stdout|otlp|none")
	fs.StringVar(&target.TracesExporter, "tr", defaultConfig.TracesExporter, "traces exporter: stdout|otlp|none")
	fs.StringVar(&target.ConfigFile, "c", "", "path to a JSON config file")

	return fs
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})

	return found
}

func applyFlags(dst, src *Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			dst.RunAddr = src.RunAddr
		case "g":
			dst.GRPCRunAddr = src.GRPCRunAddr
		case "l":
			dst.LogLevel = src.LogLevel
		case "f":
			dst.DBFileName = src.DBFileName
		case "d":
			dst.DatabaseDSN = src.DatabaseDSN
		case "k":
			dst.JWTSigningSecretKey = src.JWTSigningSecretKey
		case "ttl":
			dst.TokenTTL = src.TokenTTL
		case "t":
			dst.TrustedSubnet = src.TrustedSubnet
		case "trust-proxy":
			dst.TrustProxyHeaders = src.TrustProxyHeaders
		case "m":
			dst.MetricsExporter = src.MetricsExporter
		case "tr":
			dst.TracesExporter = src.TracesExporter
		}
	})
}

// applyDefaults copies every non-zero field of src over dst.
func applyDefaults(dst *Config, src Config) {
	if src.RunAddr != "" {
		dst.RunAddr = src.RunAddr
	}
	if src.GRPCRunAddr != "" {
		dst.GRPCRunAddr = src.GRPCRunAddr
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.DBFileName != "" {
		dst.DBFileName = src.DBFileName
	}
	if src.DatabaseDSN != "" {
		dst.DatabaseDSN = src.DatabaseDSN
	}
	if src.DBConnectionTimeout != 0 {
		dst.DBConnectionTimeout = src.DBConnectionTimeout
	}
	if src.JWTSigningSecretKey != "" {
		dst.JWTSigningSecretKey = src.JWTSigningSecretKey
	}
	if src.JWTIssuer != "" {
		dst.JWTIssuer = src.JWTIssuer
	}
	if src.JWTAudience != "" {
		dst.JWTAudience = src.JWTAudience
	}
	if src.TokenTTL != 0 {
		dst.TokenTTL = src.TokenTTL
	}
	if src.TrustedSubnet != "" {
		dst.TrustedSubnet = src.TrustedSubnet
	}
	if src.TrustProxyHeaders {
		dst.TrustProxyHeaders = true
	}
	if src.ChannelCapacity != 0 {
		dst.ChannelCapacity = src.ChannelCapacity
	}
	if src.DelayBetweenQueueFetches != 0 {
		dst.DelayBetweenQueueFetches = src.DelayBetweenQueueFetches
	}
	if src.MetricsExporter != "" {
		dst.MetricsExporter = src.MetricsExporter
	}
	if src.TracesExporter != "" {
		dst.TracesExporter = src.TracesExporter
	}
	if src.ConfigFile != "" {
		dst.ConfigFile = src.ConfigFile
	}
}

func loadJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("in internal/config/config.go/loadJSON(): error while `os.ReadFile()` calling: %w", err)
	}

	var raw jsonConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("in internal/config/config.go/loadJSON(): error while `json.Unmarshal()` calling: %w", err)
	}

	result := &Config{
		RunAddr:             raw.RunAddr,
		GRPCRunAddr:         raw.GRPCRunAddr,
		LogLevel:            raw.LogLevel,
		DBFileName:          raw.DBFileName,
		DatabaseDSN:         raw.DatabaseDSN,
		JWTSigningSecretKey: raw.JWTSigningSecretKey,
		JWTIssuer:           raw.JWTIssuer,
		JWTAudience:         raw.JWTAudience,
		TrustedSubnet:       raw.TrustedSubnet,
		TrustProxyHeaders:   raw.TrustProxyHeaders,
		ChannelCapacity:     raw.ChannelCapacity,
		MetricsExporter:     raw.MetricsExporter,
		TracesExporter:      raw.TracesExporter,
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"db_connection_timeout", raw.DBConnectionTimeout, &result.DBConnectionTimeout},
		{"token_ttl", raw.TokenTTL, &result.TokenTTL},
		{"delay_between_queue_fetches", raw.DelayBetweenQueueFetches, &result.DelayBetweenQueueFetches},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("in internal/config/config.go/loadJSON(): bad %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return result, nil
}
