package env

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads variables from the given .env files (".env" when none are given)
// without overriding values already present in the environment. A missing
// file is not an error.
func Load(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}

	return godotenv.Load(present...)
}

func GetString(key, fallback string) string {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	return val
}

func GetInt(key string, fallback int) int {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	valInt, err := strconv.Atoi(val)

	if err != nil {
		return fallback
	}
	return valInt
}

func GetBool(key string, fallback bool) bool {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	valBool, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return valBool
}

func GetFloat(key string, fallback float64) float64 {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	valFloat, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return valFloat
}

// GetDuration parses values such as "15m" or "30s".
func GetDuration(key string, fallback time.Duration) time.Duration {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
