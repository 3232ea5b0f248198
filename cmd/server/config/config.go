package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SagaConfig holds orchestration tuning.
type SagaConfig struct {
	DefaultCurrency  string
	SweepInterval    time.Duration
	StaleWindow      time.Duration
	RetryMaxAttempts int
	RetryDelay       time.Duration
}

// RedisConfig holds event transport connection and behavior settings.
type RedisConfig struct {
	URL                string
	StreamPrefix       string
	Group              string
	Consumer           string
	StreamMaxLen       int64
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// AdminConfig holds the HTTP address for the admin API.
type AdminConfig struct {
	Addr string
}

// GRPCConfig holds the address of the operational gRPC endpoint.
type GRPCConfig struct {
	Addr string
}

// LoadSaga reads orchestration config from env.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{
		DefaultCurrency: strings.TrimSpace(os.Getenv("SAGA_DEFAULT_CURRENCY")),
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}

	var err error
	if cfg.SweepInterval, err = durationOrDefault("SAGA_SWEEP_INTERVAL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.StaleWindow, err = durationOrDefault("SAGA_STALE_WINDOW", 30*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = intOrDefault("SAGA_RETRY_MAX_ATTEMPTS", 0); err != nil {
		return cfg, err
	}
	if cfg.RetryDelay, err = durationOrDefault("SAGA_RETRY_DELAY", 5*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads event transport config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		StreamPrefix: strings.TrimSpace(os.Getenv("REDIS_STREAM_PREFIX")),
		Group:        strings.TrimSpace(os.Getenv("REDIS_CONSUMER_GROUP")),
		Consumer:     strings.TrimSpace(os.Getenv("REDIS_CONSUMER_NAME")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.StreamMaxLen, err = int64OrDefault("REDIS_STREAM_MAXLEN", 0); err != nil {
		return cfg, err
	}
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckTimeout, err = durationOrDefault("REDIS_HEALTHCHECK_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLS(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadAdmin reads the admin API config from env.
func LoadAdmin() (AdminConfig, error) {
	addr := strings.TrimSpace(os.Getenv("ADMIN_ADDR"))
	if addr == "" {
		addr = ":8080"
	}
	return AdminConfig{Addr: addr}, nil
}

// LoadGRPC reads the operational gRPC config from env.
func LoadGRPC() (GRPCConfig, error) {
	addr := strings.TrimSpace(os.Getenv("GRPC_ADDR"))
	if addr == "" {
		addr = ":50051"
	}
	return GRPCConfig{Addr: addr}, nil
}

func loadRedisTLS() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func requiredString(name string) (string, error) {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func durationOrDefault(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func intOrDefault(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func int64OrDefault(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
