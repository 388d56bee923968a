package relay

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrNotMember    = errors.New("not a member of this project")
)

// MembershipClaims is the token a participant connects with. Projects lists
// the projects the holder is a member of; "*" grants all of them.
type MembershipClaims struct {
	Username string   `json:"username,omitempty"`
	Projects []string `json:"projects"`
	jwt.RegisteredClaims
}

// IssueToken signs a membership token for member. A zero ttl never expires.
func IssueToken(secret []byte, member, username string, projects []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("secret is required")
	}
	claims := MembershipClaims{
		Username: username,
		Projects: projects,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  member,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) authorize(r *http.Request, projectID string) (int, error) {
	if len(s.secret) == 0 {
		return http.StatusOK, nil
	}
	raw := bearerToken(r)
	if raw == "" {
		return http.StatusUnauthorized, ErrMissingToken
	}
	var claims MembershipClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return http.StatusUnauthorized, err
	}
	if !slices.Contains(claims.Projects, projectID) && !slices.Contains(claims.Projects, "*") {
		return http.StatusForbidden, ErrNotMember
	}
	return http.StatusOK, nil
}

// bearerToken reads the Authorization header, falling back to a token query
// parameter for clients that cannot set headers on a websocket handshake.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
