// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/storage"
)

// Bootstrap seeds the database from the config file on first run.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	existingUpstreams, err := store.ListUpstreams(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existingUpstreams))
	for _, u := range existingUpstreams {
		seen[u.ID] = true
	}

	for _, u := range cfg.Upstreams {
		if seen[u.ID] {
			continue
		}
		uc := &rpcgate.UpstreamConfig{
			ID:         u.ID,
			Name:       u.Name,
			HTTPURL:    u.HTTPURL,
			WSURL:      u.WSURL,
			Tier:       rpcgate.Tier(u.ResolvedTier()),
			Archive:    u.Archive,
			Weight:     max(1, u.Weight),
			SoftLimit:  u.SoftLimit,
			HardLimit:  u.HardLimit,
			MaxHeadAge: u.MaxHeadAge,
			Enabled:    u.IsEnabled(),
		}
		if u.Auth != nil {
			uc.AuthType = u.Auth.Type
			uc.AuthHeader = u.Auth.Header
			uc.AuthValueEnc = u.Auth.Value // TODO: encrypt at rest before persisting
		}
		if err := store.CreateUpstream(ctx, uc); err != nil {
			return err
		}
		slog.Info("bootstrapped upstream", "id", uc.ID, "name", uc.Name)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := rpcgate.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		key := &rpcgate.AuthKey{
			ID:              uuid.Must(uuid.NewV7()).String(),
			KeyHash:         hash,
			KeyPrefix:       prefix,
			RPM:             k.RPM,
			Burst:           k.Burst,
			MaxConcurrent:   k.MaxConcurrent,
			LogRevertChance: k.LogRevertChance,
			AllowedOrigins:  k.AllowedOrigins,
			CreatedAt:       time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped auth key", "name", k.Name, "prefix", prefix)
	}

	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return rpcgate.AuthKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
