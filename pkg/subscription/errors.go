package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidRedirectURL = fmt.Errorf("%w: redirect URL must be absolute http(s) and at most 2048 characters", ErrValidation)

	ErrNotFound       = errors.New("not found")
	ErrPlanNotFound   = fmt.Errorf("subscription plan %w", ErrNotFound)
	ErrNoSubscription = fmt.Errorf("subscription %w", ErrNotFound)
	ErrUserNotFound   = fmt.Errorf("user profile %w", ErrNotFound)

	ErrIneligibleStatus     = errors.New("subscription status does not allow this change")
	ErrSubscriptionCanceled = errors.New("subscription is canceled")

	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrStoreUnavailable   = errors.New("subscription store unavailable")
	ErrMalformedEvent     = errors.New("malformed gateway event")
	ErrInvalidSignature   = errors.New("gateway event signature verification failed")

	// ErrRecordNotFound is returned by Store and EventLog implementations
	// for missing rows. Components translate it to the public taxonomy.
	ErrRecordNotFound = errors.New("record not found")

	ErrInvalidCatalog       = errors.New("invalid plan catalog")
	ErrMissingAPIKey        = errors.New("stripe secret key is required")
	ErrMissingWebhookSecret = errors.New("stripe webhook secret is required")
)

// GatewayError carries the gateway's own error code and message.
// It matches ErrGatewayUnavailable with errors.Is.
type GatewayError struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed: %s (%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Op, msg)
}

func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrGatewayUnavailable}
	}
	return []error{ErrGatewayUnavailable, e.Err}
}

// StatusError is a business-rule rejection that carries the current status.
type StatusError struct {
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (current status: %s)", e.Err, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// RequiresNewSubscription tells the caller to start a fresh checkout instead
// of upgrading.
func (e *StatusError) RequiresNewSubscription() bool {
	return errors.Is(e.Err, ErrSubscriptionCanceled)
}

func storeError(op string, err error) error {
	return errors.Join(ErrStoreUnavailable, fmt.Errorf("%s: %w", op, err))
}

func validationError(err error) error {
	return errors.Join(ErrValidation, err)
}
