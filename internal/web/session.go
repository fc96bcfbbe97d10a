package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionCookie = "aelita_session"
	stateCookie   = "aelita_oauth_state"
	flashCookie   = "aelita_flash"

	sessionIssuer = "aelita"
	sessionTTL    = 30 * 24 * time.Hour
	stateTTL      = 10 * time.Minute
)

// sessionClaims is the payload of the session cookie; Subject holds the
// principal ID
type sessionClaims struct {
	jwt.RegisteredClaims
}

// sessions issues and verifies signed session cookies
type sessions struct {
	key    []byte
	secure bool
	now    func() time.Time
}

func newSessions(secret string, secure bool) (*sessions, error) {
	if len(secret) < 16 {
		return nil, errors.New("session secret must be at least 16 bytes")
	}
	return &sessions{key: []byte(secret), secure: secure, now: time.Now}, nil
}

func (s *sessions) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(maxAge / time.Second)
	}
	return c
}

// issue binds principalID to the response's session cookie
func (s *sessions) issue(w http.ResponseWriter, principalID int64) error {
	now := s.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   strconv.FormatInt(principalID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	http.SetCookie(w, s.cookie(sessionCookie, signed, sessionTTL))
	return nil
}

// principalID returns the principal bound to the request's session, or 0
func (s *sessions) principalID(r *http.Request) int64 {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return 0
	}

	var claims sessionClaims
	_, err = jwt.ParseWithClaims(c.Value, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return 0
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func (s *sessions) clear(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(sessionCookie, "", -1))
}

// newState stores a fresh OAuth state value and returns it
func (s *sessions) newState(w http.ResponseWriter) string {
	state := uuid.NewString()
	http.SetCookie(w, s.cookie(stateCookie, state, stateTTL))
	return state
}

// checkState consumes the stored OAuth state and compares it to got
func (s *sessions) checkState(w http.ResponseWriter, r *http.Request, got string) bool {
	http.SetCookie(w, s.cookie(stateCookie, "", -1))
	c, err := r.Cookie(stateCookie)
	return err == nil && c.Value != "" && got == c.Value
}

func (s *sessions) setFlash(w http.ResponseWriter, msg string) {
	http.SetCookie(w, s.cookie(flashCookie, url.QueryEscape(msg), time.Minute))
}

// takeFlash returns and clears the pending flash message
func (s *sessions) takeFlash(w http.ResponseWriter, r *http.Request) string {
	c, err := r.Cookie(flashCookie)
	if err != nil || c.Value == "" {
		return ""
	}
	http.SetCookie(w, s.cookie(flashCookie, "", -1))
	msg, err := url.QueryUnescape(c.Value)
	if err != nil {
		return ""
	}
	return msg
}
