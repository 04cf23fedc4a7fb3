package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const MaxShareCredentialsVersion = 1

// ShareProfile is the credential file handed out by a Delta Sharing provider.
type ShareProfile struct {
	ShareCredentialsVersion int    `mapstructure:"shareCredentialsVersion"`
	Endpoint                string `mapstructure:"endpoint"`
	BearerToken             string `mapstructure:"bearerToken"`
	ExpirationTime          string `mapstructure:"expirationTime"`
}

// Expiry returns the parsed expiration time; the zero time means the token does not expire.
func (p ShareProfile) Expiry() (time.Time, error) {
	raw := strings.TrimSpace(p.ExpirationTime)
	if raw == "" {
		return time.Time{}, nil
	}
	expiry, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expirationTime %q: %w", raw, err)
	}
	return expiry, nil
}

func LoadShareProfile(path string) (ShareProfile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return ShareProfile{}, fmt.Errorf("read share profile %q: %w", path, err)
	}

	var profile ShareProfile
	if err := v.Unmarshal(&profile); err != nil {
		return ShareProfile{}, fmt.Errorf("decode share profile %q: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return ShareProfile{}, fmt.Errorf("share profile %q: %w", path, err)
	}
	profile.Endpoint = strings.TrimSpace(profile.Endpoint)
	return profile, nil
}

func (p ShareProfile) validate() error {
	if p.ShareCredentialsVersion <= 0 {
		return fmt.Errorf("shareCredentialsVersion is required")
	}
	if p.ShareCredentialsVersion > MaxShareCredentialsVersion {
		return fmt.Errorf("shareCredentialsVersion %d is not supported (max %d)", p.ShareCredentialsVersion, MaxShareCredentialsVersion)
	}
	if strings.TrimSpace(p.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if _, err := p.Expiry(); err != nil {
		return err
	}
	return nil
}
