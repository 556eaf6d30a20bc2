package api

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by this package. Callers match with errors.Is.
var (
	// ErrAuth covers every authentication failure: bad region, missing
	// credentials, invalid or expired tokens, handshake rejections.
	ErrAuth = errors.New("authentication failed")

	// ErrCredentials is reported when the vendor rejects the login itself.
	// The vendor no longer reveals whether the email or the password is
	// wrong, so there is a single kind for both. It matches ErrAuth.
	ErrCredentials = fmt.Errorf("invalid login credentials: %w", ErrAuth)

	// ErrConnection covers transport failures and non-2xx responses on
	// already-authenticated requests.
	ErrConnection = errors.New("connection failed")

	// ErrNoDevices is reported when device discovery yields no device
	// matching the requested version filter.
	ErrNoDevices = errors.New("no matching devices")
)

// VendorError carries the status and body of an unexpected vendor response
// so bug reports have something to go on.
type VendorError struct {
	Status int
	Body   string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("unexpected vendor response: status %d: %s", e.Status, e.Body)
}
