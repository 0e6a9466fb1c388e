package mfa

import "strings"

// MaskDestination hides most of a phone number or email address so it can
// be shown to a user who has not completed MFA yet.
//
//	+15551234567      -> +1******4567
//	alice@example.com -> a***e@example.com
func MaskDestination(method Method, dest string) string {
	dest = strings.TrimSpace(dest)
	switch method {
	case MethodSMS:
		if len(dest) <= 6 {
			return strings.Repeat("*", len(dest))
		}
		return dest[:2] + strings.Repeat("*", len(dest)-6) + dest[len(dest)-4:]
	case MethodEmail:
		at := strings.LastIndexByte(dest, '@')
		if at <= 0 {
			return "***"
		}
		local, domain := dest[:at], dest[at:]
		if len(local) <= 2 {
			return local[:1] + "***" + domain
		}
		return local[:1] + "***" + local[len(local)-1:] + domain
	}
	return ""
}
