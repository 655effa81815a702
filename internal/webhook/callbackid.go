package webhook

import (
	"encoding/base64"
	"net/url"

	"github.com/juju/errors"

	"github.com/jsherman999/livefeed/internal/live"
)

// EncodeID derives a subscription id from its callback URL. The id is
// reversible and safe to use as a path segment.
func EncodeID(callbackURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(callbackURL))
}

// DecodeID recovers the callback URL from a subscription id.
func DecodeID(id string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", errors.NotValidf("subscription id %q", id)
	}
	return string(b), nil
}

// ValidateCallback accepts absolute http and https URLs only.
func ValidateCallback(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Annotatef(live.ErrMalformedRegistration, "callback url %q", raw)
	}
	return nil
}
