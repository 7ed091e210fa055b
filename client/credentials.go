package client

import "context"

// CredentialsProvider supplies the secret sent in response to an auth
// request. It is called once per connection.
type CredentialsProvider interface {
	ProvideCredentials(ctx context.Context) (string, error)
}

type CredentialsFunc func(ctx context.Context) (string, error)

func (f CredentialsFunc) ProvideCredentials(ctx context.Context) (string, error) {
	return f(ctx)
}

// Password is a fixed secret.
type Password string

func (p Password) ProvideCredentials(ctx context.Context) (string, error) {
	return string(p), nil
}
