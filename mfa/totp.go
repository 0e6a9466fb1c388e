package mfa

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPConfig describes generated authenticator keys.
type TOTPConfig struct {
	Issuer string
	Period uint
	Digits int
	// Skew is the number of steps accepted on either side of now.
	Skew uint
}

// DefaultTOTPConfig returns RFC 6238 defaults: 30 second steps, 6 digits
// and one step of skew.
func DefaultTOTPConfig() TOTPConfig {
	return TOTPConfig{Issuer: "dwayauth", Period: 30, Digits: 6, Skew: 1}
}

func (c TOTPConfig) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    c.Period,
		Digits:    otp.Digits(c.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

func generateTOTPKey(cfg TOTPConfig, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      cfg.Issuer,
		AccountName: account,
		Period:      cfg.Period,
		SecretSize:  20,
		Digits:      otp.Digits(cfg.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// matchTOTP compares code against the steps around now and returns the
// matching step counter. Every candidate step is compared so timing does not
// reveal which one matched.
func matchTOTP(cfg TOTPConfig, secret, code string, now time.Time) (int64, bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != cfg.Digits || !isDigits(code) {
		return 0, false, nil
	}

	period := int64(cfg.Period)
	base := now.Unix() / period
	var matched int64
	found := false
	for step := -int64(cfg.Skew); step <= int64(cfg.Skew); step++ {
		counter := base + step
		if counter < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(counter*period, 0).UTC(), cfg.opts())
		if err != nil {
			return 0, false, err
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched, found = counter, true
		}
	}
	return matched, found, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
