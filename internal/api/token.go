package api

import "context"

// TokenProvider supplies a valid access token for outgoing requests.
// *auth.Manager is the production implementation.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token. Used for tests and for
// ad hoc invocations with an explicit token.
type StaticTokenProvider struct {
	Token string
}

func (s StaticTokenProvider) AccessToken(ctx context.Context) (string, error) {
	return s.Token, nil
}
