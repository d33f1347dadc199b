package authority

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenSource supplies the bearer token for authority calls. Token
// refresh is owned by an external auth collaborator; the engine only
// consumes whatever the source hands out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, typically injected from config
// or handed over by the shell at startup.
type StaticTokenSource string

func (s StaticTokenSource) Token(_ context.Context) (string, error) {
	return string(s), nil
}

// WarnNearExpiry wraps a TokenSource and logs when the token's JWT exp
// claim is within the given margin. The parse is unverified: the engine
// does not hold the signing secret, it only reads the claim to surface
// refresh problems before they turn into 401s mid-quest.
func WarnNearExpiry(src TokenSource, margin time.Duration, logger *zap.Logger) TokenSource {
	return &expiryWarningSource{src: src, margin: margin, logger: logger}
}

type expiryWarningSource struct {
	src    TokenSource
	margin time.Duration
	logger *zap.Logger
}

func (s *expiryWarningSource) Token(ctx context.Context) (string, error) {
	token, err := s.src.Token(ctx)
	if err != nil {
		return "", err
	}
	if exp, ok := tokenExpiry(token); ok {
		remaining := time.Until(exp)
		if remaining < s.margin {
			s.logger.Warn("authority token close to expiry",
				zap.Duration("remaining", remaining))
		}
	}
	return token, nil
}

func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
