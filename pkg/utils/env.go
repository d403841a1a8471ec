package utils

import "os"

// Env returns the value of key or def when unset.
func Env(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
