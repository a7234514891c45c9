// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/authcore/pkg/authserver/storage"
)

// DefaultLogoutLifetime bounds how long a logout id stays usable.
const DefaultLogoutLifetime = 5 * time.Minute

// LogoutContext describes a pending logout, referenced by a logout id.
type LogoutContext struct {
	Subject   string `json:"subject"`
	SessionID string `json:"session_id,omitempty"`
	// ClientID is the client that initiated the logout, if any.
	ClientID              string   `json:"client_id,omitempty"`
	PostLogoutRedirectURI string   `json:"post_logout_redirect_uri,omitempty"`
	State                 string   `json:"state,omitempty"`
	ClientIDs             []string `json:"client_ids,omitempty"`
	// FrontChannelLogoutURIs are the URIs the user agent should load to
	// sign out of each client of the session.
	FrontChannelLogoutURIs []string `json:"front_channel_logout_uris,omitempty"`
}

// WriteLogoutContext stores lc and returns its logout id.
func WriteLogoutContext(ctx context.Context, messages storage.MessageStore, lc *LogoutContext) (string, error) {
	data, err := json.Marshal(lc)
	if err != nil {
		return "", fmt.Errorf("failed to encode logout context: %w", err)
	}
	id, err := messages.WriteMessage(ctx, data, DefaultLogoutLifetime)
	if err != nil {
		return "", fmt.Errorf("failed to store logout context: %w", err)
	}
	return id, nil
}

// ConsumeLogoutContext returns and removes the logout context of id.
// Unknown or expired ids yield storage.ErrNotFound.
func ConsumeLogoutContext(ctx context.Context, messages storage.MessageStore, id string) (*LogoutContext, error) {
	data, err := messages.ConsumeMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	var lc LogoutContext
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("failed to decode logout context: %w", err)
	}
	return &lc, nil
}
