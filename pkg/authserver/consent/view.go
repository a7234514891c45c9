// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package consent computes consent screens and records consent decisions.
package consent

import (
	"slices"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/storage"
)

// Offline access presentation.
const (
	OfflineAccessDisplayName = "Offline Access"
	OfflineAccessDescription = "Access to your applications and resources, even when you are offline"
)

// ScopeView is one checkable scope on the consent screen.
type ScopeView struct {
	Value       string `json:"value"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	Emphasize   bool   `json:"emphasize"`
	Required    bool   `json:"required"`
	Checked     bool   `json:"checked"`
	// Resources lists the API resources exposing the scope.
	Resources []string `json:"resources,omitempty"`
}

// ResourceView groups API scope values under the resource that exposes them.
type ResourceView struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Scopes      []string `json:"scopes"`
}

// View is the data needed to render a consent screen.
type View struct {
	ClientID             string         `json:"clientId"`
	ClientName           string         `json:"clientName"`
	ClientURL            string         `json:"clientUrl,omitempty"`
	ClientLogoURL        string         `json:"clientLogoUrl,omitempty"`
	AllowRememberConsent bool           `json:"allowRememberConsent"`
	RememberConsent      bool           `json:"rememberConsent"`
	ReturnURL            string         `json:"returnUrl,omitempty"`
	IdentityScopes       []ScopeView    `json:"identityScopes"`
	APIScopes            []ScopeView    `json:"apiScopes"`
	Resources            []ResourceView `json:"resources,omitempty"`
}

// BuildView computes the consent screen for req. A scope is pre-checked when
// prior grants it or it is required. prior may be nil.
func BuildView(req *authorize.Request, prior *storage.ConsentRecord) *View {
	client := req.Client
	v := &View{
		ClientID:             client.ID,
		ClientName:           firstNonEmpty(client.Name, client.ID),
		ClientURL:            client.URI,
		ClientLogoURL:        client.LogoURI,
		AllowRememberConsent: client.AllowRememberConsent,
		RememberConsent:      true,
		IdentityScopes:       []ScopeView{},
		APIScopes:            []ScopeView{},
	}

	for _, ir := range req.Scopes.IdentityResources {
		v.IdentityScopes = append(v.IdentityScopes, ScopeView{
			Value:       ir.Name,
			DisplayName: firstNonEmpty(ir.DisplayName, ir.Name),
			Description: ir.Description,
			Emphasize:   ir.Emphasize,
			Required:    ir.Required,
			Checked:     ir.Required || prior.Grants(ir.Name),
		})
	}

	apiScopes := map[string]registry.APIScope{}
	for _, s := range req.Scopes.APIScopes {
		apiScopes[s.Name] = s
	}
	exposedBy := map[string][]string{}
	for _, res := range req.Scopes.APIResources {
		rv := ResourceView{Name: res.Name, DisplayName: firstNonEmpty(res.DisplayName, res.Name)}
		for _, name := range res.Scopes {
			exposedBy[name] = append(exposedBy[name], res.Name)
		}
		for _, p := range req.Scopes.Parsed {
			if slices.Contains(res.Scopes, p.Name) {
				rv.Scopes = append(rv.Scopes, p.Raw)
			}
		}
		v.Resources = append(v.Resources, rv)
	}

	for _, p := range req.Scopes.Parsed {
		s, ok := apiScopes[p.Name]
		if !ok {
			continue
		}
		display := firstNonEmpty(s.DisplayName, s.Name)
		if p.Parameter != "" {
			display += ": " + p.Parameter
		}
		v.APIScopes = append(v.APIScopes, ScopeView{
			Value:       p.Raw,
			DisplayName: display,
			Description: s.Description,
			Emphasize:   s.Emphasize,
			Required:    s.Required,
			Checked:     s.Required || prior.Grants(p.Raw),
			Resources:   exposedBy[p.Name],
		})
	}

	if req.Scopes.OfflineAccess && client.AllowOfflineAccess {
		v.APIScopes = append(v.APIScopes, ScopeView{
			Value:       registry.ScopeOfflineAccess,
			DisplayName: OfflineAccessDisplayName,
			Description: OfflineAccessDescription,
			Emphasize:   true,
			Checked:     prior.Grants(registry.ScopeOfflineAccess),
		})
	}
	return v
}

// requiredValues returns the requested values that are always granted.
func requiredValues(req *authorize.Request) []string {
	var out []string
	for _, ir := range req.Scopes.IdentityResources {
		if ir.Required {
			out = append(out, ir.Name)
		}
	}
	required := map[string]bool{}
	for _, s := range req.Scopes.APIScopes {
		if s.Required {
			required[s.Name] = true
		}
	}
	for _, p := range req.Scopes.Parsed {
		if required[p.Name] {
			out = append(out, p.Raw)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
