package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxIDLength = 100

var (
	// UserIDRegex validates user ID format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidateUserID validates the identifiers clients present for themselves
// and their peers.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > maxIDLength {
		return fmt.Errorf("user ID is too long (max %d characters)", maxIDLength)
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateCallID accepts only IDs in the form the registry generates.
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	if _, err := uuid.Parse(callID); err != nil {
		return fmt.Errorf("invalid call ID format: %w", err)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateLimit bounds list sizes taken from query strings.
func ValidateLimit(limit, max int) error {
	if limit < 1 {
		return fmt.Errorf("limit must be at least 1")
	}
	if limit > max {
		return fmt.Errorf("limit is too high (max %d)", max)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(strings.TrimSpace(s))
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
