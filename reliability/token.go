package reliability

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/viant/scy/cred/secret"

	"github.com/mcpway/mcpway"
)

// TokenSupplier produces bearer material for outbound requests; it may
// refresh under the covers. A supplier signalling an authorization failure
// stops further retries.
type TokenSupplier interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

// Token implements TokenSupplier.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// EnvToken reads the token from an environment variable on every call.
type EnvToken string

// Token implements TokenSupplier.
func (t EnvToken) Token(context.Context) (string, error) {
	value := os.Getenv(string(t))
	if value == "" {
		return "", mcpway.NewGatewayError(mcpway.KindAuthorization,
			fmt.Errorf("environment variable %s is empty", string(t)))
	}
	return value, nil
}

// SecretToken resolves bearer material from a scy secret resource, caching
// it for the refresh interval.
type SecretToken struct {
	Resource secret.Resource
	Refresh  time.Duration

	mux     sync.Mutex
	cached  string
	fetched time.Time
	secrets *secret.Service
}

// NewSecretToken creates a supplier reading the given secret resource.
func NewSecretToken(resource secret.Resource, refresh time.Duration) *SecretToken {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	return &SecretToken{Resource: resource, Refresh: refresh, secrets: secret.New()}
}

// Token implements TokenSupplier. The bearer material travels in the
// credential's password field.
func (t *SecretToken) Token(ctx context.Context) (string, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.cached != "" && time.Since(t.fetched) < t.Refresh {
		return t.cached, nil
	}
	cred, err := t.secrets.GetCredentials(ctx, string(t.Resource))
	if err != nil {
		return "", mcpway.NewGatewayError(mcpway.KindAuthorization, err)
	}
	if cred.Password == "" {
		return "", mcpway.NewGatewayError(mcpway.KindAuthorization,
			fmt.Errorf("secret %s holds no bearer material", t.Resource))
	}
	t.cached = cred.Password
	t.fetched = time.Now()
	return t.cached, nil
}

// Bind adapts a TokenSupplier to the per-request func form the adapters take.
func Bind(ctx context.Context, supplier TokenSupplier) func() (string, error) {
	if supplier == nil {
		return nil
	}
	return func() (string, error) {
		return supplier.Token(ctx)
	}
}
