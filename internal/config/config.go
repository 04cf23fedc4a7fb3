package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	Sharing       SharingConfig
	Download      DownloadConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type SharingConfig struct {
	ProfileFile string
	Endpoint    string
	BearerToken string
	Timeout     time.Duration
	UserAgent   string
	// TokenExpiry is set when the token comes from a profile file with an expirationTime.
	TokenExpiry time.Time
}

type DownloadConfig struct {
	Timeout time.Duration
	TempDir string
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DELTASHARE_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DELTASHARE_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "DELTASHARE_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_PROFILE_FILE", &cfg.Sharing.ProfileFile); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_ENDPOINT", &cfg.Sharing.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_BEARER_TOKEN", &cfg.Sharing.BearerToken); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DELTASHARE_HTTP_TIMEOUT", &cfg.Sharing.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_USER_AGENT", &cfg.Sharing.UserAgent); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DELTASHARE_DOWNLOAD_TIMEOUT", &cfg.Download.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_DOWNLOAD_TEMP_DIR", &cfg.Download.TempDir); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_OBJECTSTORE_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DELTASHARE_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASHARE_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DELTASHARE_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DELTASHARE_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "DELTASHARE_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.Sharing.Timeout <= 0 {
		return Config{}, fmt.Errorf("http timeout must be positive")
	}
	return cfg, nil
}

// ResolveSharing fills endpoint and token from the share profile file when they were
// not set explicitly.
func (c Config) ResolveSharing() (SharingConfig, error) {
	sharing := c.Sharing
	if sharing.ProfileFile != "" && (sharing.Endpoint == "" || sharing.BearerToken == "") {
		profile, err := LoadShareProfile(sharing.ProfileFile)
		if err != nil {
			return SharingConfig{}, err
		}
		if sharing.Endpoint == "" {
			sharing.Endpoint = profile.Endpoint
		}
		if sharing.BearerToken == "" {
			sharing.BearerToken = profile.BearerToken
			expiry, err := profile.Expiry()
			if err != nil {
				return SharingConfig{}, err
			}
			sharing.TokenExpiry = expiry
		}
	}
	if strings.TrimSpace(sharing.Endpoint) == "" {
		return SharingConfig{}, fmt.Errorf("sharing endpoint is required (set DELTASHARE_ENDPOINT or DELTASHARE_PROFILE_FILE)")
	}
	return sharing, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "deltasharectl"},
		Sharing: SharingConfig{
			Timeout:   30 * time.Second,
			UserAgent: "deltashare-go/1.0",
		},
		Download: DownloadConfig{
			Timeout: 5 * time.Minute,
			TempDir: "",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "deltashare-exports",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Sharing.Timeout = 5 * time.Second
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Observability.LogJSON = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
