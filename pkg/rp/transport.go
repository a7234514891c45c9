// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rp

import (
	"crypto/tls"
	"net/http"

	"github.com/stacklok/authcore/pkg/logger"
)

// NewHTTPClient returns a client for back-channel requests. insecure disables
// TLS certificate verification and is meant for local development against
// self-signed certificates only.
func NewHTTPClient(insecure bool) *http.Client {
	if !insecure {
		return &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger.Warn("TLS certificate verification is disabled for the authorization server connection")
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // G402: opt-in for development
	}
	return &http.Client{Timeout: defaultHTTPTimeout, Transport: transport}
}
