package common

import "fmt"

const ShortenLogLength = 16

// ShortenLog shortens an address, hash or signature for logging.
func ShortenLog(s string) string {
	cut := ShortenLogLength / 2
	if len(s) <= ShortenLogLength {
		return s
	}
	return fmt.Sprintf("%s...%s", s[:cut], s[len(s)-cut:])
}
