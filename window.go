package x402

import "time"

const (
	// ClockSkewBuffer is subtracted from validAfter at creation
	ClockSkewBuffer = 60 * time.Second

	// MaxValidityMinutes caps the lifetime of an authorization at 24 hours
	MaxValidityMinutes = 24 * 60

	// DefaultValidityMinutes applies when an HTTP caller omits validityDuration
	DefaultValidityMinutes = 60
)

// IsWithinValidityWindow reports whether now falls in [validAfter, validBefore).
func IsWithinValidityWindow(validAfter, validBefore, now time.Time) bool {
	return !now.Before(validAfter) && now.Before(validBefore)
}

// validityWindow returns the window for an authorization created at now.
func validityWindow(now time.Time, minutes int) (validAfter, validBefore time.Time) {
	validAfter = now.Add(-ClockSkewBuffer).Truncate(time.Second)
	validBefore = now.Add(time.Duration(minutes) * time.Minute).Truncate(time.Second)
	return validAfter, validBefore
}
