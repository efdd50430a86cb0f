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

// RedisConfig holds Redis connection and behavior settings for the signal
// journal.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	SignalTTL          time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// HTTPConfig holds the public API server settings.
type HTTPConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// SagaConfig holds step execution and runtime knobs.
type SagaConfig struct {
	StepTimeout     time.Duration
	RetryInterval   time.Duration
	MaxAttempts     int
	ReviewDelay     time.Duration
	OrderWorkers    int
	ShippingWorkers int
	RegistryShards  int
	WALPath         string
}

// LoadRedis reads Redis config from env. ok is false when REDIS_URL is unset,
// in which case the caller falls back to the local journal.
func LoadRedis() (cfg RedisConfig, ok bool, err error) {
	cfg.URL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	if cfg.URL == "" {
		return cfg, false, nil
	}
	cfg.Stream = strings.TrimSpace(os.Getenv("REDIS_STREAM"))

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, false, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, false, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, false, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, false, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, false, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, false, err
	}

	if cfg.HealthcheckTimeout, err = durationWithDefault("REDIS_HEALTHCHECK_TIMEOUT", 5*time.Second); err != nil {
		return cfg, false, err
	}
	if cfg.SignalTTL, err = durationWithDefault("REDIS_SIGNAL_TTL", 0); err != nil {
		return cfg, false, err
	}
	if cfg.StreamMaxLen, err = int64WithDefault("REDIS_STREAM_MAXLEN", 0); err != nil {
		return cfg, false, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, false, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, false, err
	}

	return cfg, true, nil
}

// LoadHTTP reads public API server settings from env. Rate limiting is
// disabled unless both knobs are set.
func LoadHTTP() (HTTPConfig, error) {
	cfg := HTTPConfig{
		Addr: stringWithDefault("HTTP_ADDR", ":8080"),
	}

	interval, err := optionalDuration("HTTP_RATE_LIMIT_INTERVAL")
	if err != nil {
		return cfg, err
	}
	burst, err := optionalInt("HTTP_RATE_LIMIT_BURST")
	if err != nil {
		return cfg, err
	}
	if (interval == nil) != (burst == nil) {
		return cfg, errors.New("HTTP_RATE_LIMIT_INTERVAL and HTTP_RATE_LIMIT_BURST must be set together")
	}
	if interval != nil {
		cfg.RateLimitInterval = *interval
		cfg.RateLimitBurst = *burst
	}
	return cfg, nil
}

// LoadObservability reads the metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{Addr: stringWithDefault("OBS_ADDR", ":9091")}, nil
}

// LoadSaga reads the saga runtime knobs from env, applying defaults suitable
// for local runs.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{
		WALPath: strings.TrimSpace(os.Getenv("SAGA_WAL_PATH")),
	}

	var err error
	if cfg.StepTimeout, err = durationWithDefault("SAGA_STEP_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RetryInterval, err = durationWithDefault("SAGA_RETRY_INTERVAL", time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = intWithDefault("SAGA_RETRY_MAX_ATTEMPTS", 0); err != nil {
		return cfg, err
	}
	if cfg.ReviewDelay, err = durationWithDefault("SAGA_REVIEW_DELAY", 3*time.Second); err != nil {
		return cfg, err
	}
	if cfg.OrderWorkers, err = intWithDefault("SAGA_ORDER_WORKERS", 4); err != nil {
		return cfg, err
	}
	if cfg.ShippingWorkers, err = intWithDefault("SAGA_SHIPPING_WORKERS", 4); err != nil {
		return cfg, err
	}
	if cfg.RegistryShards, err = intWithDefault("SAGA_REGISTRY_SHARDS", 8); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
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

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
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

func stringWithDefault(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func durationWithDefault(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return fallback, nil
	}
	return *val, nil
}

func intWithDefault(name string, fallback int) (int, error) {
	val, err := optionalInt(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return fallback, nil
	}
	return *val, nil
}

func int64WithDefault(name string, fallback int64) (int64, error) {
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
