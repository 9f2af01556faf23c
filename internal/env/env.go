package env

import (
	"fmt"
	"os"
)

const (
	SupportAPIURL = "SUPPORT_API_URL"
	SupportWSURL  = "SUPPORT_WS_URL"
	ChatRedisURL  = "CHAT_REDIS_URL"
	ChatRedisPass = "CHAT_REDIS_PASS"
	StoreID       = "STORE_ID"
	StoreName     = "STORE_NAME"
)

// Validate checks the variables a binary needs before any component is
// constructed. Library consumers never call it, so importing this package
// has no side effects.
func Validate(required ...string) error {
	for _, key := range required {
		if os.Getenv(key) == "" {
			return fmt.Errorf("env: required environment variable not set: %s", key)
		}
	}
	return nil
}

func Get(key string) string {
	return os.Getenv(key)
}

func GetOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func MustGet(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic("env: required environment variable not set: " + key)
	}
	return val
}
