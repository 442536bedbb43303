package httpapi

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jkaninda/okapi"

	"github.com/sandboxd/sandboxd/internal/audit"
)

// authenticate validates the bearer credential and stores the mapped
// user ID in the request context. Raw API keys are compared in constant
// time; tokens minted by the token endpoint are verified as HS256 JWTs.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		credential := strings.TrimPrefix(authHeader, "Bearer ")

		userID, method := s.resolveUser(credential)
		if userID == "" {
			if s.config.Metrics != nil {
				s.config.Metrics.AuthAttemptsTotal.WithLabelValues(method, "failure").Inc()
			}
			event := audit.NewEvent("", audit.OpAuth, "", audit.ResultDenied)
			event.Error = "invalid credential"
			s.recordAudit(c.Context(), event)
			return c.AbortUnauthorized("invalid credentials")
		}

		if s.config.Metrics != nil {
			s.config.Metrics.AuthAttemptsTotal.WithLabelValues(method, "success").Inc()
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// rateLimit throttles per user. Runs after authenticate so the user ID
// is always set.
func (s *Server) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if s.limiter != nil {
			if err := s.limiter.Allow(c.GetString("userID")); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		return next(c)
	}
}

// resolveUser maps a credential to a user ID, returning the auth method
// tried. Minted JWTs carry two dots; raw API keys are opaque strings.
func (s *Server) resolveUser(credential string) (userID, method string) {
	if s.config.JWTSecret != "" && strings.Count(credential, ".") == 2 {
		return s.verifyToken(credential), "jwt"
	}
	for key, mapped := range s.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(key)) == 1 {
			userID = mapped
		}
	}
	return userID, "api_key"
}

// verifyToken returns the subject of a valid token, or "".
func (s *Server) verifyToken(tokenString string) string {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return ""
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}

// TokenResponse is the JSON response for POST /api/v1/auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleAuthToken(c *okapi.Context) error {
	userID := c.GetString("userID")

	expiry := s.config.JWTExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	now := time.Now()
	expiresAt := now.Add(expiry)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "sandboxd",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		s.logger.Error("token signing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("token issuance failed")
	}

	s.recordAudit(c.Context(), audit.NewEvent(userID, audit.OpAuth, "token", audit.ResultSuccess))
	return c.OK(TokenResponse{Token: signed, ExpiresAt: expiresAt})
}
