// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package interaction pauses authorization requests that need the user to
// log in or consent, and resumes them from the return URL handed to the
// login and consent pages.
package interaction

import (
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/authcore/pkg/logger"
)

// Default endpoint paths a return URL may point to.
const (
	DefaultAuthorizePath         = "/authorize"
	DefaultAuthorizeCallbackPath = "/authorize/callback"
)

// ReturnURLPolicy decides which return URLs are acceptable.
type ReturnURLPolicy struct {
	// Origin is the server's own origin, e.g. "https://idp.example.com".
	Origin string
	// AllowOrigin permits absolute return URLs on Origin. Otherwise only
	// local (path-absolute) URLs are accepted.
	AllowOrigin bool
	// AllowedOrigins are additional origins accepted in absolute URLs.
	AllowedOrigins []string

	AuthorizePath         string
	AuthorizeCallbackPath string
}

func (p *ReturnURLPolicy) paths() (string, string) {
	authorize, callback := p.AuthorizePath, p.AuthorizeCallbackPath
	if authorize == "" {
		authorize = DefaultAuthorizePath
	}
	if callback == "" {
		callback = DefaultAuthorizeCallbackPath
	}
	return authorize, callback
}

func (p *ReturnURLPolicy) originAllowed(origin string) bool {
	if p.AllowOrigin && strings.EqualFold(origin, strings.TrimSuffix(p.Origin, "/")) {
		return true
	}
	return slices.ContainsFunc(p.AllowedOrigins, func(o string) bool {
		return strings.EqualFold(origin, strings.TrimSuffix(o, "/"))
	})
}

// IsValidReturnURL reports whether raw is a same-origin (or allow-listed)
// URL whose path, without query and fragment, is the authorize or authorize
// callback path. It never panics on malformed input.
func (p *ReturnURLPolicy) IsValidReturnURL(raw string) bool {
	if raw == "" {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil {
		logger.Debugw("return URL does not parse", "error", err)
		return false
	}

	if u.Scheme != "" || u.Host != "" || u.Opaque != "" {
		origin := u.Scheme + "://" + u.Host
		if u.Opaque != "" || u.User != nil || !p.originAllowed(origin) {
			logger.Debugw("return URL origin is not allowed", "origin", origin)
			return false
		}
	} else if !isLocalPath(raw) {
		logger.Debugw("return URL is not local")
		return false
	}

	authorize, callback := p.paths()
	if u.Path != authorize && u.Path != callback {
		logger.Debugw("return URL does not point to the authorize endpoint", "path", u.Path)
		return false
	}
	return true
}

// isLocalPath reports whether raw is a path-absolute URL that browsers will
// not treat as protocol-relative.
func isLocalPath(raw string) bool {
	if !strings.HasPrefix(raw, "/") {
		return false
	}
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return false
	}
	return !strings.ContainsAny(raw, "\r\n\t")
}
