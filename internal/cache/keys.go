package cache

import "fmt"

// RateLimitKey is the counter key for one client within the current window.
func RateLimitKey(client string) string {
	return fmt.Sprintf("jobgate:ratelimit:%s", client)
}
