package password

import (
	"strconv"
	"strings"
	"unicode"
)

// Policy describes password complexity requirements.
type Policy struct {
	MinLength      int
	MaxLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSymbol  bool
	RejectIdentity bool
}

// DefaultPolicy returns the policy applied to customer passwords.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:      8,
		MaxLength:      72,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSymbol:  true,
		RejectIdentity: true,
	}
}

// PolicyError lists every rule a password violated. Messages are safe to
// show to the user.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return "password policy violation: " + strings.Join(e.Violations, "; ")
}

// Check validates password against the policy. identities are values the
// password must not contain, such as the email local part. It returns nil
// or a *PolicyError.
func (p Policy) Check(password string, identities ...string) error {
	var violations []string

	n := len([]rune(password))
	if p.MinLength > 0 && n < p.MinLength {
		violations = append(violations, "must be at least "+strconv.Itoa(p.MinLength)+" characters")
	}
	// bcrypt ignores input past 72 bytes.
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		violations = append(violations, "must be at most "+strconv.Itoa(p.MaxLength)+" bytes")
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if p.RequireUpper && !upper {
		violations = append(violations, "must contain an uppercase letter")
	}
	if p.RequireLower && !lower {
		violations = append(violations, "must contain a lowercase letter")
	}
	if p.RequireDigit && !digit {
		violations = append(violations, "must contain a digit")
	}
	if p.RequireSymbol && !symbol {
		violations = append(violations, "must contain a symbol")
	}

	if p.RejectIdentity {
		lowered := strings.ToLower(password)
		for _, id := range identities {
			id = strings.ToLower(strings.TrimSpace(id))
			if at := strings.IndexByte(id, '@'); at >= 0 {
				id = id[:at]
			}
			if len(id) >= 3 && strings.Contains(lowered, id) {
				violations = append(violations, "must not contain your email address")
				break
			}
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &PolicyError{Violations: violations}
}
