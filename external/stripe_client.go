package external

import (
	"github.com/stripe/stripe-go/v82/client"
)

// NewStripeClient returns a configured Stripe API client. The client is
// injected into every component that talks to Stripe so tests can substitute
// a stub backend; nothing in this codebase uses the package-level stripe.Key.
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}
