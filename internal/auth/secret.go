package auth

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const secretFileName = "token_secret"

// loadOrCreateSecret reads the 32-byte signing secret from
// <data_root>/token_secret, generating and persisting it on first start.
// The file is created with owner-only permissions; a pre-existing file
// with wider permissions is used but logged as a warning.
func loadOrCreateSecret(dataRoot string) ([]byte, error) {
	path := filepath.Join(dataRoot, secretFileName)

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.Mode().Perm()&0o077 != 0 {
			log.Warn().Str("path", path).Stringer("mode", info.Mode().Perm()).
				Msg("token secret is readable by other users")
		}
		secret, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read token secret: %w", err)
		}
		if len(secret) != secretLength {
			return nil, fmt.Errorf("token secret at %s has %d bytes, want %d", path, len(secret), secretLength)
		}
		return secret, nil

	case os.IsNotExist(err):
		secret := make([]byte, secretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		if err := os.WriteFile(path, secret, 0o600); err != nil {
			return nil, fmt.Errorf("persist token secret: %w", err)
		}
		log.Info().Str("path", path).Msg("generated new token secret")
		return secret, nil

	default:
		return nil, fmt.Errorf("stat token secret: %w", err)
	}
}

const secretLength = 32
