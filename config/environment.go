package config

import (
	"fmt"
	"os"
	"strings"
)

const appEnvVar = "APP_ENV"

// Canonical application environment identifiers, resolved from APP_ENV.
const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

// DefaultConfigPath is the configuration file used when no path is given.
const DefaultConfigPath = "config/config.yml"

var environmentAliases = map[string]string{
	"dev":   EnvironmentDevelopment,
	"local": EnvironmentDevelopment,
	"stag":  EnvironmentStaging,
	"prod":  EnvironmentProduction,
}

// AppEnvironment returns the canonical application environment from APP_ENV,
// defaulting to development when unset. Common short forms are normalised so
// callers can rely on a single identifier per environment.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether the environment should be strict about
// configuration problems. Production and staging both qualify.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}

// ResolveConfigPath picks an environment specific configuration file
// (config/config.<env>.yml) when the caller kept the default path and such a
// file exists next to it. An explicit path always wins.
func ResolveConfigPath(path string) string {
	if path == "" {
		path = DefaultConfigPath
	}
	if path != DefaultConfigPath {
		return path
	}

	envPath := fmt.Sprintf("config/config.%s.yml", AppEnvironment())
	if _, err := os.Stat(envPath); err == nil {
		return envPath
	}
	return path
}
