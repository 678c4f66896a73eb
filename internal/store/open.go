package store

import (
	"context"
	"fmt"

	"github.com/termtunnel/termtunnel/internal/authz"
)

const relaySecretKey = "relay_secret"

// Open dispatches to OpenSQLite or OpenMySQL by dbType ("sqlite"/"mysql"),
// matching the validated values in config.Database.Type.
func Open(ctx context.Context, dbType, sqlitePath, mysqlURL string) (Repository, error) {
	switch dbType {
	case "sqlite":
		return OpenSQLite(ctx, sqlitePath)
	case "mysql":
		return OpenMySQL(ctx, mysqlURL)
	default:
		return nil, fmt.Errorf("unrecognized database type %q", dbType)
	}
}

// LoadOrGenerateRelaySecret returns the Relay Secret (§3.1), loading it
// from the relay_config table if present and generating + persisting a
// fresh one on first boot otherwise. Adapted from the teacher's
// GenerateOrLoadSecret (internal/relay/jwt.go), dropping its env-var
// override since the Relay Secret has no operator-facing configuration
// knob in this spec.
func LoadOrGenerateRelaySecret(ctx context.Context, repo Repository) (authz.Secret, error) {
	encoded, ok, err := repo.GetRelayConfig(ctx, relaySecretKey)
	if err != nil {
		return authz.Secret{}, fmt.Errorf("load relay secret: %w", err)
	}
	if ok {
		return authz.DecodeSecret(encoded)
	}

	secret, err := authz.NewSecret()
	if err != nil {
		return authz.Secret{}, err
	}
	if err := repo.SetRelayConfig(ctx, relaySecretKey, authz.EncodeSecret(secret)); err != nil {
		return authz.Secret{}, fmt.Errorf("persist relay secret: %w", err)
	}
	return secret, nil
}
