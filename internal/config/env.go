package config

import (
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default} references.
// Unset variables without a default expand to the empty string.
func ExpandEnvWithDefaults(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[3]
	})
}

// LoadDotEnv loads each existing .env file. Variables already present in
// the environment are never overwritten.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("config: failed to load .env")
			continue
		}
		log.Debug().Str("path", p).Msg("config: loaded .env")
	}
}
