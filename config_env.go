package bastion

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/bastion-auth/bastion/jwt"
)

// ConfigFromEnv loads defaults, overlays any .env files given, then applies
// BASTION_* environment variables. Unset variables leave the default in
// place.
//
//	BASTION_REFRESH_TTL          duration, e.g. "720h"
//	BASTION_ACCESS_TTL           duration, e.g. "15m"
//	BASTION_GRACE_WINDOW         duration
//	BASTION_RETENTION            duration
//	BASTION_MAX_TOKENS_PER_USER  integer
//	BASTION_SIGNING_METHOD       "hs256" or "ed25519"
//	BASTION_SIGNING_KEY          base64 signing key (hs256) / private key (ed25519)
//	BASTION_VERIFY_KEY           base64 public key (ed25519 only)
//	BASTION_ISSUER               issuer claim
//	BASTION_LOCKOUT_THRESHOLD    integer
//	BASTION_LOCKOUT_BASE         duration
//	BASTION_LOCKOUT_MAX          duration
//	BASTION_CLEANUP_INTERVAL     duration
func ConfigFromEnv(envFiles ...string) (Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg := defaultConfig()
	var err error

	if err = envDuration("BASTION_REFRESH_TTL", &cfg.Tokens.RefreshTTL); err != nil {
		return Config{}, err
	}
	if err = envDuration("BASTION_ACCESS_TTL", &cfg.JWT.AccessTTL); err != nil {
		return Config{}, err
	}
	if err = envDuration("BASTION_GRACE_WINDOW", &cfg.Tokens.GraceWindow); err != nil {
		return Config{}, err
	}
	if err = envDuration("BASTION_RETENTION", &cfg.Tokens.Retention); err != nil {
		return Config{}, err
	}
	if err = envInt("BASTION_MAX_TOKENS_PER_USER", &cfg.Tokens.MaxPerUser); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("BASTION_SIGNING_METHOD"); v != "" {
		cfg.JWT.SigningMethod = jwt.SigningMethod(v)
	}
	if err = envKey("BASTION_SIGNING_KEY", &cfg.JWT.PrivateKey); err != nil {
		return Config{}, err
	}
	if err = envKey("BASTION_VERIFY_KEY", &cfg.JWT.PublicKey); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("BASTION_ISSUER"); v != "" {
		cfg.JWT.Issuer = v
	}

	if err = envInt("BASTION_LOCKOUT_THRESHOLD", &cfg.Lockout.Threshold); err != nil {
		return Config{}, err
	}
	if err = envDuration("BASTION_LOCKOUT_BASE", &cfg.Lockout.BaseDuration); err != nil {
		return Config{}, err
	}
	if err = envDuration("BASTION_LOCKOUT_MAX", &cfg.Lockout.MaxDuration); err != nil {
		return Config{}, err
	}
	if err = envDuration("BASTION_CLEANUP_INTERVAL", &cfg.Cleanup.Interval); err != nil {
		return Config{}, err
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envKey(name string, dst *[]byte) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = key
	return nil
}
