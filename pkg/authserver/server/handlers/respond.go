// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	oautherr "github.com/stacklok/authcore/pkg/errors"
	"github.com/stacklok/authcore/pkg/logger"
)

// maxBodySize bounds the JSON bodies accepted from the interaction pages.
const maxBodySize = 64 << 10

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode response",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// noStore marks a response as uncacheable (RFC 6749 section 5.1).
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// writeError writes err as an OAuth error body. Causes are logged, never returned.
func writeError(w http.ResponseWriter, err error) {
	status := oautherr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "error", err)
	} else {
		logger.Debugw("request rejected", "error", err)
	}
	noStore(w)
	writeJSON(w, status, oautherr.ToResponse(err))
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return oautherr.NewInvalidRequestError("failed to read request body", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return oautherr.NewInvalidRequestError("request body is not valid JSON", err)
	}
	return nil
}

// redirectWithParams redirects to target with params merged into its query.
func redirectWithParams(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		writeError(w, oautherr.NewServerError("invalid redirect target", fmt.Errorf("parse %q: %w", target, err)))
		return
	}
	q := u.Query()
	for k, vals := range params {
		for _, v := range vals {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	noStore(w)
	http.Redirect(w, r, u.String(), http.StatusFound)
}
