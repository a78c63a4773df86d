package billing

import "errors"

// Typed failures surfaced by this package. The webhook maps them onto
// response codes; nothing is swallowed, so Stripe's redelivery acts as the
// retry loop for anything transient.
var (
	// ErrIdentityUnresolved means no strategy could map the event to an
	// internal user. The event is rejected, not dropped, so redelivery gets
	// another chance once the mapping data lands.
	ErrIdentityUnresolved = errors.New("billing: cannot resolve event to an internal user")

	// ErrMalformedPayload means a handled event type did not decode into its
	// expected shape.
	ErrMalformedPayload = errors.New("billing: event payload did not match the expected shape")
)
