// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the OAuth 2.0 / OpenID Connect authorization
// server from its parts: the client and resource registry, signing keys,
// storage, the authorization request validator, consent, token issuance,
// token exchange and the interactive login, consent and logout surface.
//
// The server supports:
//   - Authorization Code flow with PKCE (RFC 7636)
//   - Client Credentials and Refresh Token grants, with one-time refresh
//     tokens and family revocation on replay
//   - Token Exchange (RFC 8693) with actor delegation
//   - Resource Indicators (RFC 8707)
//   - OIDC discovery, JWKS with key rotation and front-channel logout
//
// # Usage
//
// The primary entry point is authserver.New, which wires every component from
// a Config. The storage backend is created from the config unless one is
// supplied with WithStorage:
//
//	cfg, err := authserver.LoadConfig("authcore.yaml", viper.GetViper())
//	if err != nil {
//	    return err
//	}
//	srv, err := authserver.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	return srv.Run(ctx, ":5000")
//
// # Configuration
//
// Config is a YAML document. DefaultConfig returns a development setup with
// sample clients, resources and accounts, in-memory storage and generated,
// rotating signing keys. Environment variables prefixed AUTHCORE_ override
// individual settings, and the interaction page URLs also honor IDP_LOGINURL,
// IDP_CONSENTURL and IDP_LOGOUTURL.
package authserver
