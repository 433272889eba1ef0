package httpclient

import "errors"

// Missed is the sentinel error value that marks a beacon API 404 on a
// missed slot/block. It is never propagated as an operational failure --
// callers check for it with IsMissed and treat it as a value, not an error.
var Missed = &missedError{}

type missedError struct{}

func (*missedError) Error() string { return "SLOT_MISSED" }

// IsMissed reports whether err is (or wraps) the Missed sentinel.
func IsMissed(err error) bool {
	return errors.Is(err, Missed)
}
