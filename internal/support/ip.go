package support

import (
	"net"
	"regexp"
)

var ipPattern = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b|\b(?:[A-Fa-f0-9]{1,4}:){7}[A-Fa-f0-9]{1,4}\b`)

// FindIP returns the first valid IPv4 or full-form IPv6 address in input, or "".
func FindIP(input string) string {
	for _, candidate := range ipPattern.FindAllString(input, -1) {
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}
	return ""
}
