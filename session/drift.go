package session

import (
	"net"
	"strings"
)

// Strictness controls how context drift affects a session.
type Strictness string

const (
	// StrictnessOff skips drift comparison.
	StrictnessOff Strictness = "off"
	// StrictnessWarn raises alerts but never blocks.
	StrictnessWarn Strictness = "warn"
	// StrictnessStandard blocks when the network changes and the device is
	// unknown at the same time. An IP change alone only warns.
	StrictnessStandard Strictness = "standard"
	// StrictnessStrict blocks on any IP or device change.
	StrictnessStrict Strictness = "strict"
)

// Alert is a security signal raised while validating a session.
type Alert string

const (
	AlertSuspiciousIP        Alert = "SUSPICIOUS_IP"
	AlertSuspiciousDevice    Alert = "SUSPICIOUS_DEVICE"
	AlertSuspiciousUserAgent Alert = "SUSPICIOUS_USER_AGENT"
)

// Drift summarises how a request context differs from the stored one.
type Drift struct {
	IPChanged        bool
	NetworkChanged   bool
	DeviceChanged    bool
	DeviceKnown      bool
	UserAgentChanged bool
}

// CompareContext computes the drift of current against the stored session.
// deviceKnown reports whether current's fingerprint was seen before for the
// same user.
func CompareContext(stored *Session, current Context, deviceKnown bool) Drift {
	var d Drift
	if current.IP != "" && stored.IPAddress != "" && current.IP != stored.IPAddress {
		d.IPChanged = true
		d.NetworkChanged = !SameNetwork(stored.IPAddress, current.IP)
	}
	if current.DeviceFingerprint != "" && current.DeviceFingerprint != stored.DeviceFingerprint {
		d.DeviceChanged = true
		d.DeviceKnown = deviceKnown
	}
	if current.UserAgent != "" && stored.UserAgent != "" && current.UserAgent != stored.UserAgent {
		d.UserAgentChanged = true
	}
	return d
}

// Alerts lists the alerts raised by d.
func (d Drift) Alerts() []Alert {
	var out []Alert
	if d.IPChanged {
		out = append(out, AlertSuspiciousIP)
	}
	if d.DeviceChanged {
		out = append(out, AlertSuspiciousDevice)
	}
	if d.UserAgentChanged {
		out = append(out, AlertSuspiciousUserAgent)
	}
	return out
}

// Score converts d into a 0-100 risk contribution.
func (d Drift) Score() uint8 {
	score := 0
	if d.IPChanged {
		score += 15
		if d.NetworkChanged {
			score += 20
		}
	}
	if d.DeviceChanged {
		if d.DeviceKnown {
			score += 10
		} else {
			score += 40
		}
	}
	if d.UserAgentChanged {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return uint8(score)
}

// Blocks reports whether d invalidates the session under s.
func (s Strictness) Blocks(d Drift) bool {
	switch s {
	case StrictnessStrict:
		return d.IPChanged || d.DeviceChanged
	case StrictnessStandard:
		return d.NetworkChanged && d.DeviceChanged && !d.DeviceKnown
	default:
		return false
	}
}

// SameNetwork reports whether a and b share an address family and network:
// the same /24 for IPv4 or /64 for IPv6. Unparseable input is never the same
// network.
func SameNetwork(a, b string) bool {
	ipA := net.ParseIP(strings.TrimSpace(a))
	ipB := net.ParseIP(strings.TrimSpace(b))
	if ipA == nil || ipB == nil {
		return false
	}
	v4A, v4B := ipA.To4(), ipB.To4()
	if (v4A == nil) != (v4B == nil) {
		return false
	}
	if v4A != nil {
		mask := net.CIDRMask(24, 32)
		return v4A.Mask(mask).Equal(v4B.Mask(mask))
	}
	mask := net.CIDRMask(64, 128)
	return ipA.Mask(mask).Equal(ipB.Mask(mask))
}
