// Package identity provides anonymous per-device owner identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/ashureev/ragops-web/internal/domain"
	"github.com/ashureev/ragops-web/internal/store"
)

const (
	OwnerCookieName   = "ragops_owner_id"
	ownerCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const ownerIDKey contextKey = iota

var ownerIDPattern = regexp.MustCompile(`^owner_[a-f0-9]{32}$`)

// OwnerIDFromContext extracts the owner ID from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOwnerID returns a context carrying ownerID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func generateOwnerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate owner id: %w", err)
	}
	return "owner_" + hex.EncodeToString(buf), nil
}

// IsValidOwnerID reports whether id has the shape of a generated owner id.
func IsValidOwnerID(id string) bool {
	return ownerIDPattern.MatchString(id)
}

// ensureOwner records the owner on first sight and refreshes last-seen.
func ensureOwner(ctx context.Context, repo store.Repository, ownerID string) error {
	owner, err := repo.GetOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	now := time.Now()
	if owner == nil {
		owner = &domain.Owner{OwnerID: ownerID, CreatedAt: now}
	}
	owner.LastSeenAt = now
	return repo.UpsertOwner(ctx, owner)
}

func setOwnerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     OwnerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ownerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(ownerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateOwnerID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(OwnerCookieName); err == nil && IsValidOwnerID(c.Value) {
		setOwnerCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateOwnerID()
	if err != nil {
		return "", err
	}
	setOwnerCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the anonymous owner identity. repo may be nil, in which
// case owners are not persisted.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, err := getOrCreateOwnerID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if repo != nil {
				if err := ensureOwner(r.Context(), repo, ownerID); err != nil {
					http.Error(w, `{"error":"failed to initialize owner"}`, http.StatusInternalServerError)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
