package live

import "github.com/juju/errors"

const (
	// ErrCheckpointExpired: the supplied cursor is outside the validity window.
	ErrCheckpointExpired = errors.ConstError("checkpoint expired")
	// ErrOutOfOrderPublish: a changes-mode publish went backwards.
	ErrOutOfOrderPublish = errors.ConstError("out of order publish")
	// ErrMalformedRegistration: bad mode/mechanism or unparseable request.
	ErrMalformedRegistration = errors.ConstError("malformed registration")
	// ErrDeliveryFailure: a webhook could not be delivered.
	ErrDeliveryFailure = errors.ConstError("delivery failure")
)

// IsFatal reports whether err is a contract violation that must never be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrOutOfOrderPublish) || errors.Is(err, ErrMalformedRegistration)
}
