package core

import (
	"crypto/tls"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultInferenceTimeoutSeconds = 60
	DefaultFetchTimeoutSeconds     = 30
	DefaultMinImageDimension       = 100
	DefaultMaxImageDimension       = 2000
	DefaultUpscaleMode             = "quality"
	DefaultModelPath               = "./models/upscaler.yaml"
	DefaultMaxImageBytes           = 50 << 20
	DefaultBrokerAddr              = "127.0.0.1:8787"
	DefaultWorkerAddr              = "127.0.0.1:8788"
	DefaultLogFile                 = "upscaler.log"
)

// Config holds all configuration values
type Config struct {
	// Inference
	InferenceTimeout time.Duration // per-call deadline on the inference channel
	UpscaleMode      string        // passed to the model unchanged
	ModelPath        string        // manifest path or http(s) URL
	ModelSHA256      string        // optional, lowercase hex
	WorkerURL        string        // ws(s) URL of a remote unit; empty runs in-process

	// Candidate selection
	MinImageDimension int
	MaxImageDimension int

	// Acquisition
	BrokerURL            string // privileged fetch service; empty fetches in-process
	FetchTimeout         time.Duration
	MaxImageBytes        int64
	AllowSelfSignedCerts bool

	// Services
	BrokerAddr string
	WorkerAddr string

	// History and logging
	HistoryDB string // sqlite path; empty disables history
	LogFile   string
	DevMode   bool
	LogLevel  string
}

// LoadConfig reads the configuration from the environment. Every setting
// has a default, so an empty environment yields a usable in-process setup.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		UpscaleMode: GetEnvOrDefault("UPSCALE_MODE", DefaultUpscaleMode),
		ModelPath:   GetEnvOrDefault("MODEL_PATH", DefaultModelPath),
		ModelSHA256: strings.ToLower(GetEnvOrDefault("MODEL_SHA256", "")),
		WorkerURL:   GetEnvOrDefault("WORKER_URL", ""),
		BrokerURL:   GetEnvOrDefault("BROKER_URL", ""),
		BrokerAddr:  GetEnvOrDefault("BROKER_ADDR", DefaultBrokerAddr),
		WorkerAddr:  GetEnvOrDefault("WORKER_ADDR", DefaultWorkerAddr),
		HistoryDB:   GetEnvOrDefault("HISTORY_DB", ""),
		LogFile:     GetEnvOrDefault("LOG_FILE", DefaultLogFile),
		LogLevel:    GetEnvOrDefault("LOG_LEVEL", ""),
	}

	var err error
	if cfg.InferenceTimeout, err = ParseSecondsEnv("INFERENCE_TIMEOUT", DefaultInferenceTimeoutSeconds); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = ParseSecondsEnv("FETCH_TIMEOUT", DefaultFetchTimeoutSeconds); err != nil {
		return nil, err
	}
	if cfg.MinImageDimension, err = ParseIntEnv("MIN_IMAGE_DIMENSION", DefaultMinImageDimension); err != nil {
		return nil, err
	}
	if cfg.MaxImageDimension, err = ParseIntEnv("MAX_IMAGE_DIMENSION", DefaultMaxImageDimension); err != nil {
		return nil, err
	}
	if cfg.MaxImageBytes, err = ParseBytesEnv("MAX_IMAGE_BYTES", DefaultMaxImageBytes); err != nil {
		return nil, err
	}
	if cfg.AllowSelfSignedCerts, err = ParseBoolEnv("ALLOW_SELF_SIGNED_CERTS", false); err != nil {
		return nil, err
	}
	if cfg.DevMode, err = ParseBoolEnv("DEV_MODE", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is called by LoadConfig and
// may be called again after flags override fields.
func (c *Config) Validate() error {
	if c.InferenceTimeout <= 0 {
		return ErrInvalidValue("INFERENCE_TIMEOUT", c.InferenceTimeout.String(), "must be positive")
	}
	if c.FetchTimeout <= 0 {
		return ErrInvalidValue("FETCH_TIMEOUT", c.FetchTimeout.String(), "must be positive")
	}
	if c.MinImageDimension < 1 || c.MaxImageDimension < c.MinImageDimension {
		return ErrInvalidRange(c.MinImageDimension, c.MaxImageDimension)
	}
	if c.MaxImageBytes <= 0 {
		return ErrInvalidValue("MAX_IMAGE_BYTES", "0", "must be positive")
	}
	if c.ModelPath == "" {
		return ErrInvalidModel("MODEL_PATH is empty")
	}
	if c.ModelSHA256 != "" {
		if _, err := hex.DecodeString(c.ModelSHA256); err != nil || len(c.ModelSHA256) != 64 {
			return ErrInvalidModel("MODEL_SHA256 must be 64 hex characters")
		}
	}
	if err := checkURL("WORKER_URL", c.WorkerURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("BROKER_URL", c.BrokerURL, "http", "https"); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.BrokerAddr); err != nil {
		return ErrInvalidAddress("BROKER_ADDR", c.BrokerAddr)
	}
	if _, _, err := net.SplitHostPort(c.WorkerAddr); err != nil {
		return ErrInvalidAddress("WORKER_ADDR", c.WorkerAddr)
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL(key, raw, err.Error())
	}
	if u.Host == "" {
		return ErrInvalidURL(key, raw, "missing host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return ErrInvalidURL(key, raw, "scheme must be "+strings.Join(schemes, " or "))
}

// RemoteWorker reports whether inference runs in a separate worker process.
func (c *Config) RemoteWorker() bool {
	return c.WorkerURL != ""
}

// RemoteBroker reports whether privileged fetches go through a broker service.
func (c *Config) RemoteBroker() bool {
	return c.BrokerURL != ""
}

// GetHTTPClient returns an HTTP client configured with TLS settings based on AllowSelfSignedCerts
// This should be used for all HTTP requests to external APIs to ensure TLS configuration is respected
func GetHTTPClient(cfg *Config, timeout time.Duration) *http.Client {
	client := &http.Client{
		Timeout: timeout,
	}

	if cfg != nil && cfg.AllowSelfSignedCerts {
		client.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return client
}

// GetDefaultHTTPClient returns a client using FetchTimeout.
func GetDefaultHTTPClient(cfg *Config) *http.Client {
	timeout := DefaultFetchTimeoutSeconds * time.Second
	if cfg != nil && cfg.FetchTimeout > 0 {
		timeout = cfg.FetchTimeout
	}
	return GetHTTPClient(cfg, timeout)
}
