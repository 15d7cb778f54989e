package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the immutable bootstrap configuration read at startup. Mutable
// operator settings live in the store (see model.Settings); precedence here
// is environment > config file > default.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	InstanceID     string `yaml:"instance_id"`
	HTTPListenAddr string `yaml:"http_listen_addr"`
	// StoreRoot is the certificate store root directory: live records,
	// backups, index, and settings all live under it.
	StoreRoot string `yaml:"store_root"`
	// DiscoveryPath, when set, is scanned for loose certificates to import.
	DiscoveryPath string `yaml:"discovery_path"`
	LogLevel      string `yaml:"log_level"`
	// ACMEDirectoryURL overrides every configured ACME server directory.
	ACMEDirectoryURL string `yaml:"acme_directory_url"`
	// ACMEWebroot serves /.well-known/acme-challenge for http-01 orders.
	ACMEWebroot string `yaml:"acme_webroot"`
	// APIKey guards the HTTP API. Empty disables authentication.
	APIKey string `yaml:"api_key"`
	// MasterSecret derives the vault's at-rest encryption key. When empty the
	// vault refuses persistent entries and keeps passphrases in memory only.
	MasterSecret string `yaml:"master_secret"`
	DockerHost   string `yaml:"docker_host"`
	// DNSHookCommand is executed to publish and remove DNS-01 TXT records.
	DNSHookCommand string `yaml:"dns_hook_command"`
	// HTTPSPort, HTTPSCertPath and HTTPSKeyPath enable the TLS listener.
	HTTPSPort     int    `yaml:"https_port"`
	HTTPSCertPath string `yaml:"https_cert_path"`
	HTTPSKeyPath  string `yaml:"https_key_path"`
	// RenewalWorkers is the size of the renewal worker pool.
	RenewalWorkers int `yaml:"renewal_workers"`
	// S3 backup mirror; disabled unless the endpoint is set.
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
}

// Load reads the optional YAML file named by CERTMGR_CONFIG, then applies
// environment overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("CERTMGR_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ServiceName = getEnv("CERTMGR_SERVICE_NAME", or(cfg.ServiceName, "certmgrd"))
	cfg.InstanceID = getEnv("CERTMGR_INSTANCE_ID", cfg.InstanceID)
	cfg.HTTPListenAddr = getEnv("CERTMGR_HTTP_LISTEN_ADDR", or(cfg.HTTPListenAddr, ":8420"))
	cfg.StoreRoot = getEnv("CERTMGR_STORE_ROOT", or(cfg.StoreRoot, "/var/lib/certmgr"))
	cfg.DiscoveryPath = getEnv("CERTMGR_DISCOVERY_PATH", cfg.DiscoveryPath)
	cfg.LogLevel = getEnv("CERTMGR_LOG_LEVEL", or(cfg.LogLevel, "info"))
	cfg.ACMEDirectoryURL = getEnv("CERTMGR_ACME_DIRECTORY_URL", cfg.ACMEDirectoryURL)
	cfg.ACMEWebroot = getEnv("CERTMGR_ACME_WEBROOT", cfg.ACMEWebroot)
	cfg.APIKey = getEnv("CERTMGR_API_KEY", cfg.APIKey)
	cfg.MasterSecret = getEnv("CERTMGR_MASTER_SECRET", cfg.MasterSecret)
	cfg.DockerHost = getEnv("CERTMGR_DOCKER_HOST", cfg.DockerHost)
	cfg.DNSHookCommand = getEnv("CERTMGR_DNS_HOOK", cfg.DNSHookCommand)
	cfg.HTTPSPort = getEnvInt("CERTMGR_HTTPS_PORT", cfg.HTTPSPort)
	cfg.HTTPSCertPath = getEnv("CERTMGR_HTTPS_CERT", cfg.HTTPSCertPath)
	cfg.HTTPSKeyPath = getEnv("CERTMGR_HTTPS_KEY", cfg.HTTPSKeyPath)
	cfg.RenewalWorkers = getEnvInt("CERTMGR_RENEWAL_WORKERS", cfg.RenewalWorkers)
	if cfg.RenewalWorkers <= 0 {
		cfg.RenewalWorkers = 4
	}
	cfg.S3Endpoint = getEnv("CERTMGR_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Bucket = getEnv("CERTMGR_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("CERTMGR_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("CERTMGR_S3_SECRET_KEY", cfg.S3SecretKey)

	return cfg, nil
}

// Validate checks the fields every deployment needs.
func (c *Config) Validate() error {
	if c.StoreRoot == "" {
		return fmt.Errorf("store root must not be empty")
	}
	if c.S3Endpoint != "" && c.S3Bucket == "" {
		return fmt.Errorf("s3 mirror requires a bucket name")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
