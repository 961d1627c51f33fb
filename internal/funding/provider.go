package funding

import (
	"context"
	"fmt"
	"net/url"
)

// Provider represents a connector to the external payment processor.
type Provider interface {
	InitializeTransaction(ctx context.Context, input Checkout) (Authorization, error)
}

// Checkout captures the details the processor needs to collect a deposit.
type Checkout struct {
	Reference    string
	Amount       int64
	Currency     string
	WalletNumber string
}

// Authorization is the processor's answer: where to send the payer.
type Authorization struct {
	URL        string
	AccessCode string
}

// StaticProvider simulates the processor by building a checkout URL locally.
type StaticProvider struct {
	CheckoutURL string
}

// InitializeTransaction returns a checkout link that carries the reference.
func (p StaticProvider) InitializeTransaction(_ context.Context, input Checkout) (Authorization, error) {
	base := p.CheckoutURL
	if base == "" {
		base = "https://checkout.example.com/pay"
	}
	u, err := url.Parse(base)
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: checkout url: %v", ErrProvider, err)
	}
	q := u.Query()
	q.Set("reference", input.Reference)
	u.RawQuery = q.Encode()
	return Authorization{URL: u.String(), AccessCode: input.Reference}, nil
}
