package middleware

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	adapter "github.com/gwatts/gin-adapter"
)

const (
	// Auth0IDKey holds the authenticated subject when it was not taken from a JWT.
	Auth0IDKey = "auth0_id"
	RiderIDKey = "rider_id"
)

// JWT validates Auth0 access tokens issued for audience by domain.
func JWT(domain, audience string) (gin.HandlerFunc, error) {
	issuer, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer url: %w", err)
	}
	provider := jwks.NewCachingProvider(issuer, 5*time.Minute)

	v, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuer.String(),
		[]string{audience},
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("set up jwt validator: %w", err)
	}

	m := jwtmiddleware.New(v.ValidateToken, jwtmiddleware.WithErrorHandler(
		func(w http.ResponseWriter, r *http.Request, err error) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"UNAUTHORIZED","message":"Authentication required"}`))
		},
	))
	return adapter.Wrap(m.CheckJWT), nil
}

// GetAuth0ID extracts the user ID (sub claim) from the JWT token in the Gin context
func GetAuth0ID(c *gin.Context) (string, bool) {
	if id := c.GetString(Auth0IDKey); id != "" {
		return id, true
	}

	// The JWT middleware stores the validated token in the request context
	claims, exists := c.Request.Context().Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	if !exists {
		GetLogger(c).Debug("No user claims found in context")
		return "", false
	}

	return claims.RegisteredClaims.Subject, true
}

func SetAuth0ID(c *gin.Context, id string) {
	c.Set(Auth0IDKey, id)
}

// GetRiderID returns the rider resolved for the authenticated subject.
func GetRiderID(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get(RiderIDKey)
	if !exists {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func SetRiderID(c *gin.Context, id uuid.UUID) {
	c.Set(RiderIDKey, id)
}
