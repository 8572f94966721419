package ingestion

import (
	"context"
	"net/http"
)

const AppSecretHeader = "App-Secret"

// Auth attaches the application credential to every outbound call.
type Auth struct {
	secret string
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: secret}
}

func (a *Auth) Name() string { return "auth" }

func (a *Auth) Send(ctx context.Context, b *Batch, next Sender) Result {
	if a.secret == "" {
		return Failure(RejectedPermanently, &ConfigurationError{
			Field:   "app_secret",
			Message: "application secret is not set",
		})
	}
	if b.Header == nil {
		b.Header = make(http.Header)
	}
	b.Header.Set(AppSecretHeader, a.secret)
	return next.Send(ctx, b)
}
