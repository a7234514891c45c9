// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session authenticates the browser user of the authorization server
// through a signed session cookie backed by the session store.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

const (
	// DefaultCookieName is the name of the session cookie.
	DefaultCookieName = "authcore.session"
	// DefaultLifetime is the sliding lifetime of a session.
	DefaultLifetime = 10 * time.Hour
)

// Config configures a Manager.
type Config struct {
	CookieName string
	// Secrets sign the cookie. When nil an ephemeral secret is generated and
	// sessions do not survive a restart.
	Secrets  *crypto.HMACSecrets
	Lifetime time.Duration
	// Secure marks the cookie Secure. It should only be off for plain HTTP development setups.
	Secure bool
}

// Manager implements the user/session authentication of the server:
// CurrentUser, SignIn and SignOut.
type Manager struct {
	store   storage.SessionStore
	cookie  string
	secrets *crypto.HMACSecrets
	ttl     time.Duration
	secure  bool
	now     func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store storage.SessionStore, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	m := &Manager{
		store:   store,
		cookie:  cfg.CookieName,
		secrets: cfg.Secrets,
		ttl:     cfg.Lifetime,
		secure:  cfg.Secure,
		now:     time.Now,
	}
	if m.cookie == "" {
		m.cookie = DefaultCookieName
	}
	if m.ttl <= 0 {
		m.ttl = DefaultLifetime
	}
	if m.secrets == nil {
		secret := make([]byte, crypto.MinHMACSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		logger.Warn("no session secret configured, using an ephemeral secret")
		m.secrets = &crypto.HMACSecrets{Current: secret}
	}
	return m, nil
}

// CurrentUser returns the session of the request, or nil when the request is
// anonymous. The session expiry slides forward on use.
func (m *Manager) CurrentUser(ctx context.Context, r *http.Request) (*storage.Session, error) {
	c, err := r.Cookie(m.cookie)
	if err != nil {
		return nil, nil
	}
	id, ok := m.verify(c.Value)
	if !ok {
		logger.Debugw("ignoring session cookie with a bad signature")
		return nil, nil
	}

	now := m.now()
	sess, err := m.store.UpdateSession(ctx, id, func(s *storage.Session) error {
		s.LastSeenAt = now
		s.ExpiresAt = now.Add(m.ttl)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// SignIn starts a new session for subject and sets the session cookie.
func (m *Manager) SignIn(
	ctx context.Context,
	w http.ResponseWriter,
	subject, idp string,
	claims map[string]string,
) (*storage.Session, error) {
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	now := m.now()
	sess := &storage.Session{
		ID:               uuid.NewString(),
		Subject:          subject,
		AuthTime:         now,
		IdentityProvider: idp,
		Claims:           claims,
		LastSeenAt:       now,
		ExpiresAt:        now.Add(m.ttl),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	http.SetCookie(w, m.buildCookie(m.sign(sess.ID), sess.ExpiresAt))
	logger.Debugw("user signed in", "subject", subject, "session_id", sess.ID, "idp", idp)
	return sess, nil
}

// Touch re-issues the session cookie so the browser keeps it as long as the
// stored session lives. Call it after CurrentUser slid the expiry.
func (m *Manager) Touch(w http.ResponseWriter, sess *storage.Session) {
	if w == nil || sess == nil || sess.ID == "" {
		return
	}
	http.SetCookie(w, m.buildCookie(m.sign(sess.ID), sess.ExpiresAt))
}

// SignOut ends the request's session and clears the cookie. It returns the
// ended session, or nil when there was none.
func (m *Manager) SignOut(ctx context.Context, w http.ResponseWriter, r *http.Request) (*storage.Session, error) {
	http.SetCookie(w, m.buildCookie("", time.Unix(0, 0)))

	c, err := r.Cookie(m.cookie)
	if err != nil {
		return nil, nil
	}
	id, ok := m.verify(c.Value)
	if !ok {
		return nil, nil
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	logger.Debugw("user signed out", "subject", sess.Subject, "session_id", sess.ID)
	return sess, nil
}

// AddClient records that clientID obtained a grant through the session.
func (m *Manager) AddClient(ctx context.Context, sess *storage.Session, clientID string) error {
	if sess == nil || sess.ID == "" || clientID == "" {
		return nil
	}
	_, err := m.store.UpdateSession(ctx, sess.ID, func(s *storage.Session) error {
		s.AddClient(clientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record client in session: %w", err)
	}
	return nil
}

func (m *Manager) buildCookie(value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     m.cookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	}
	if value == "" {
		c.MaxAge = -1
	}
	return c
}

// sign returns "id.signature" for id.
func (m *Manager) sign(id string) string {
	return id + "." + mac(m.secrets.Current, id)
}

// verify checks a cookie value against the current and rotated secrets.
func (m *Manager) verify(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	if hmac.Equal([]byte(sig), []byte(mac(m.secrets.Current, id))) {
		return id, true
	}
	for _, old := range m.secrets.Rotated {
		if hmac.Equal([]byte(sig), []byte(mac(old, id))) {
			return id, true
		}
	}
	return "", false
}

func mac(secret []byte, id string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
