package model

import "fmt"

// MaxIdentifierLen bounds step and agent identifiers.
const MaxIdentifierLen = 255

// ValidateIdentifier checks that a step or agent id conforms to the allowed
// format: 1-255 ASCII characters, alphanumeric plus dots, hyphens, underscores,
// slashes and @ signs. field names the identifier in error messages.
func ValidateIdentifier(field, id string) error {
	if len(id) == 0 {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > MaxIdentifierLen {
		return fmt.Errorf("%s must be at most %d characters", field, MaxIdentifierLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' && c != '/' {
			return fmt.Errorf("%s contains invalid character at position %d: %q", field, i, c)
		}
	}
	return nil
}
