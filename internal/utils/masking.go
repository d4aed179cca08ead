package utils

import (
	"regexp"
	"strings"
)

// MaskingConfig controls how much of a value MaskString leaves visible.
type MaskingConfig struct {
	ShowFirst int
	ShowLast  int
	MaskChar  rune
	// MinLength is the length below which the whole value is masked.
	MinLength int
}

var (
	postgresPasswordPattern = regexp.MustCompile(`(postgres(?:ql)?://[^:/@]+:)([^@]+)(@)`)
	redisPasswordPattern    = regexp.MustCompile(`(rediss?://)([^:/@]*:)([^@]+)(@)`)
	keywordPasswordPattern  = regexp.MustCompile(`(?i)(password=)(\S+)`)
)

// MaskString masks a string, showing only first and last N characters.
// If the string is shorter than MinLength, it's fully masked.
func MaskString(s string, config MaskingConfig) string {
	if s == "" {
		return ""
	}

	if len(s) < config.MinLength {
		return strings.Repeat(string(config.MaskChar), len(s))
	}

	if config.ShowFirst+config.ShowLast >= len(s) {
		return strings.Repeat(string(config.MaskChar), len(s))
	}

	first := s[:config.ShowFirst]
	last := s[len(s)-config.ShowLast:]
	middleLen := len(s) - config.ShowFirst - config.ShowLast

	return first + strings.Repeat(string(config.MaskChar), middleLen) + last
}

// MaskSecret masks a secret such as the admin API key.
func MaskSecret(secret string) string {
	config := MaskingConfig{
		ShowFirst: 2,
		ShowLast:  2,
		MaskChar:  '*',
		MinLength: 8,
	}
	return MaskString(secret, config)
}

// MaskCode hides a one-time code entirely, keeping only its length.
func MaskCode(code string) string {
	return strings.Repeat("*", len(code))
}

// MaskConnectionString masks passwords in Postgres and Redis DSNs.
func MaskConnectionString(connStr string) string {
	connStr = postgresPasswordPattern.ReplaceAllString(connStr, "${1}***${3}")
	connStr = redisPasswordPattern.ReplaceAllString(connStr, "${1}${2}***${4}")
	connStr = keywordPasswordPattern.ReplaceAllString(connStr, "${1}***")
	return connStr
}
