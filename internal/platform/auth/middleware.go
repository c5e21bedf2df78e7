package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const UserIDKey contextKey = "user_id"

const (
	// APIKeyHeader is an alternative to the Authorization header for the
	// static token.
	APIKeyHeader = "X-API-Key"

	// TokenUser is recorded as the caller for requests authenticated by the
	// static token.
	TokenUser = "api-token"

	// DevUser is recorded when no credentials are configured.
	DevUser = "dev-user"
)

// Config holds the accepted credentials. With neither set the middleware
// runs in development pass-through mode.
type Config struct {
	Token string
	// JWTSecret enables HS256 bearer tokens whose subject becomes the user id.
	JWTSecret []byte
}

// Enabled reports whether any credential is configured.
func (c Config) Enabled() bool {
	return c.Token != "" || len(c.JWTSecret) > 0
}

var (
	errMissingCredentials = echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	errInvalidCredentials = echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
)

// Middleware authenticates every request outside the public paths and stores
// the caller under UserIDKey in the request context.
func Middleware(cfg Config, logger zerolog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled() {
		logger.Warn().Msg("no credentials configured, all requests are accepted as " + DevUser)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if AuthSkipper(c) {
				return next(c)
			}

			user := DevUser
			if cfg.Enabled() {
				var err error
				user, err = authenticate(cfg, c.Request())
				if err != nil {
					logger.Debug().Err(err).Str("path", c.Request().URL.Path).Msg("authentication rejected")
					if errors.Is(err, errNoCredentials) {
						return errMissingCredentials
					}
					return errInvalidCredentials
				}
			}

			ctx := context.WithValue(c.Request().Context(), UserIDKey, user)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

var errNoCredentials = errors.New("no credentials presented")

func authenticate(cfg Config, req *http.Request) (string, error) {
	if key := req.Header.Get(APIKeyHeader); key != "" {
		if cfg.Token != "" && tokenEqual(key, cfg.Token) {
			return TokenUser, nil
		}
		return "", errors.New("api key does not match")
	}

	header := req.Header.Get("Authorization")
	if header == "" {
		return "", errNoCredentials
	}
	scheme, credential, ok := strings.Cut(header, " ")
	credential = strings.TrimSpace(credential)
	if !ok || !strings.EqualFold(scheme, "bearer") || credential == "" {
		return "", errors.New("invalid authorization format")
	}

	if cfg.Token != "" && tokenEqual(credential, cfg.Token) {
		return TokenUser, nil
	}
	if len(cfg.JWTSecret) == 0 {
		return "", errors.New("bearer token does not match")
	}
	return ParseToken(cfg.JWTSecret, credential)
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ParseToken validates an HS256 token and returns its subject.
func ParseToken(secret []byte, tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// IssueToken signs an HS256 token for subject that expires after ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}
