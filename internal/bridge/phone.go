package bridge

import (
	"fmt"
	"strings"
)

// NormalizeRecipient converts a user-supplied recipient into the platform's
// addressing format. Group jids pass through untouched; everything else is
// reduced to digits, prefixed with the default country code when absent, and
// suffixed with the direct-message domain.
//
//	"11988887777"        → "5511988887777@c.us"  (default country code 55)
//	"+55 11 98888-7777"  → "5511988887777@c.us"
//	"123456-789@g.us"    → "123456-789@g.us"
func NormalizeRecipient(raw, defaultCountryCode string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasSuffix(trimmed, "@g.us") {
		return trimmed, nil
	}
	// Accept numbers already in full form.
	trimmed = strings.TrimSuffix(trimmed, "@c.us")

	var digits strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number := digits.String()
	if number == "" {
		return "", fmt.Errorf("recipient %q contains no digits", raw)
	}
	if !strings.HasPrefix(number, defaultCountryCode) {
		number = defaultCountryCode + number
	}
	return number + "@c.us", nil
}
