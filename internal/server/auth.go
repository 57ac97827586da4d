package server

import (
	"context"
	"log"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthConfig configures bearer-token checks on Execute. An empty HMACSecret
// disables Execute on the API; NATS is then the only execute ingress.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator verifies HMAC-signed JWTs. The token subject is the one
// sender a caller may submit messages as.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewAuthenticator returns nil when no secret is configured.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil
	}
	leeway := cfg.ClockSkew
	if leeway <= 0 {
		leeway = 2 * time.Minute
	}
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   leeway,
	}
}

var (
	errUnauthenticated = status.Error(codes.Unauthenticated, "missing or invalid bearer token")
	errSenderMismatch  = status.Error(codes.PermissionDenied, "sender does not match the authenticated identity")
	errExecuteDisabled = status.Error(codes.Unimplemented, "execute is not enabled on this API")
)

// authorizationKey is the metadata key for the bearer token. HTTP requests
// carry it over from the Authorization header.
const authorizationKey = "authorization"

// subject returns the verified subject of the bearer token in the incoming
// metadata of ctx.
func (a *Authenticator) subject(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if v := md.Get(authorizationKey); len(v) > 0 {
		header = v[0]
	}
	raw := extractBearer(header)
	if raw == "" {
		return "", errUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		log.Printf("WARN: auth: token rejected: %v", err)
		return "", errUnauthenticated
	}
	if claims.Subject == "" {
		return "", errUnauthenticated
	}
	return claims.Subject, nil
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
