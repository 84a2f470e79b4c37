// Package config loads the service's environment variables and its
// embedded, schema-validated policy document (spec.md's ambient
// configuration surface, expanded in SPEC_FULL.md). Connection strings
// and secrets come from the environment per 12-factor convention;
// tunables that operators actually want to review and change together
// live in the CUE policy document instead of scattered env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Env is the process-wide environment configuration, read once at
// startup (spec.md §5 concurrency table + SPEC_FULL.md AMBIENT STACK).
type Env struct {
	DatabaseConnectionString string
	FirebaseAPIKey           string
	ThreadWatcherTimeout     time.Duration
	FCMDispatchChunkSize     int
	ListenAddr               string
	Environment              string // "dev" or "prod"
	ApplicationType          string // build flavor unsent_by_token filters on, spec.md §4.H
}

const (
	defaultThreadWatcherTimeoutSeconds = 60
	defaultFCMDispatchChunkSize        = 16
	defaultListenAddr                  = ":8080"
	defaultApplicationType             = "default"
)

// LoadEnv reads the process environment into an Env, applying the
// spec's documented defaults where a variable is unset.
func LoadEnv() (Env, error) {
	env := Env{
		DatabaseConnectionString: os.Getenv("DATABASE_CONNECTION_STRING"),
		FirebaseAPIKey:           os.Getenv("FIREBASE_API_KEY"),
		ListenAddr:               getOr("KPNC_LISTEN_ADDR", defaultListenAddr),
		Environment:              getOr("KPNC_ENV", "prod"),
		ApplicationType:          getOr("KPNC_APPLICATION_TYPE", defaultApplicationType),
	}
	if env.DatabaseConnectionString == "" {
		return Env{}, fmt.Errorf("config: DATABASE_CONNECTION_STRING is required")
	}

	timeoutSeconds, err := getIntOr("THREAD_WATCHER_TIMEOUT_SECONDS", defaultThreadWatcherTimeoutSeconds)
	if err != nil {
		return Env{}, err
	}
	env.ThreadWatcherTimeout = time.Duration(timeoutSeconds) * time.Second

	chunkSize, err := getIntOr("FCM_DISPATCH_CHUNK_SIZE", defaultFCMDispatchChunkSize)
	if err != nil {
		return Env{}, err
	}
	env.FCMDispatchChunkSize = chunkSize

	return env, nil
}

func getOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}
