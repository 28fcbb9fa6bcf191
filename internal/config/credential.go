package config

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

// Credential environment variables, in resolution order.
const (
	EnvCASToken    = "ARENA_CAS_TOKEN"
	EnvCASTokenAlt = "CAS_TOKEN"
)

// ResolveCredential returns the CAS bearer token from the environment,
// loading a project-local .env file first when present. Absence is a
// fatal, operator-facing error.
func ResolveCredential() (string, error) {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	if token := os.Getenv(EnvCASToken); token != "" {
		return token, nil
	}
	if token := os.Getenv(EnvCASTokenAlt); token != "" {
		return token, nil
	}
	return "", core.ErrAuth("no CAS credential: set " + EnvCASToken + " (or " + EnvCASTokenAlt + "), optionally via a project .env file")
}
