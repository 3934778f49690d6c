package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CybercentreCanada/clue/internal/dispatch"
)

// Anonymous is the quota identity of callers without a readable token.
const Anonymous = "anonymous"

// callerFrom reads the caller's identity from the bearer token. The token
// is validated by the sources it is forwarded to; here its claims are only
// read to key quotas and to narrow what the caller is shown.
func callerFrom(r *http.Request) dispatch.Caller {
	c := dispatch.Caller{User: Anonymous}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return c
	}
	c.Token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if c.Token == "" {
		return c
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return c
	}
	for _, key := range []string{"preferred_username", "upn", "email", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			c.User = v
			break
		}
	}
	if v, ok := claims["classification"].(string); ok {
		c.Clearance = v
	}
	return c
}
