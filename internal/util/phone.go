package util

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{2,15}$`)

// NormalizePhone strips the formatting people put into numbers.
// TODO: switch to libphonenumber once contacts carry a region.
func NormalizePhone(p string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(p))
}

// ValidPhone is a loose E.164 check: optional leading +, then 2-15 digits.
func ValidPhone(p string) bool {
	return phonePattern.MatchString(NormalizePhone(p))
}

// WaID converts a phone into the provider's wa_id form (digits only).
func WaID(p string) string {
	return strings.TrimPrefix(NormalizePhone(p), "+")
}
