// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handlers provides the HTTP surface of the authorization server.
//
// The package exposes:
//   - the authorization endpoint and its resumption callback (/authorize, /authorize/callback)
//   - the JSON endpoints used by the login and consent pages (/login, /consent)
//   - the token and revocation endpoints (/token, /revoke)
//   - logout (/endsession, /logout)
//   - external identity provider login (/external/challenge, /external/callback)
//   - OIDC discovery and JWKS (/.well-known/openid-configuration, /.well-known/jwks.json)
//
// The Handler struct coordinates all handlers and provides route registration
// methods for integrating with chi or standard Go HTTP servers.
package handlers
