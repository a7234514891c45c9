// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/stacklok/authcore/pkg/rp"
)

// Environment variables read when the matching flag is not set.
const (
	clientSecretEnvVar = "AUTHCORE_CLIENT_SECRET" //nolint:gosec // G101: variable name, not a credential
	subjectTokenEnvVar = "AUTHCORE_SUBJECT_TOKEN" //nolint:gosec // G101: variable name, not a credential
)

type tokenFlags struct {
	authority    string
	clientID     string
	clientSecret string
	scopes       []string
	resources    []string
	insecure     bool
}

func (f *tokenFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.authority, "authority", "http://localhost:5000", "Base URL of the authorization server")
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "Client identifier")
	cmd.Flags().StringVar(&f.clientSecret, "client-secret", "",
		"Client secret (defaults to $"+clientSecretEnvVar+")")
	cmd.Flags().StringSliceVar(&f.scopes, "scope", nil, "Scopes to request")
	cmd.Flags().StringSliceVar(&f.resources, "resource", nil, "Resource indicators")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "Skip TLS certificate verification (development only)")
	_ = cmd.MarkFlagRequired("client-id")
}

func (f *tokenFlags) client() (*rp.Client, error) {
	secret := f.clientSecret
	if secret == "" {
		secret = os.Getenv(clientSecretEnvVar)
	}
	return rp.New(rp.Config{
		Authority:    f.authority,
		ClientID:     f.clientID,
		ClientSecret: secret,
		HTTPClient:   rp.NewHTTPClient(f.insecure),
	})
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Request tokens from an authorization server",
	}
	cmd.AddCommand(newTokenClientCredentialsCmd())
	cmd.AddCommand(newTokenExchangeCmd())
	return cmd
}

func newTokenClientCredentialsCmd() *cobra.Command {
	var flags tokenFlags

	cmd := &cobra.Command{
		Use:   "client-credentials",
		Short: "Request a token for the client itself",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			tok, err := c.ClientCredentials(cmd.Context(), flags.scopes, flags.resources...)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"access_token": tok.AccessToken,
				"token_type":   tok.TokenType,
				"expiry":       tok.Expiry,
				"scope":        tok.Extra("scope"),
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newTokenExchangeCmd() *cobra.Command {
	var (
		flags        tokenFlags
		subjectToken string
		subjectType  string
		actorToken   string
		audience     string
	)

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange a token for another one (RFC 8693)",
		Long: `Exchange a subject token for a new access token issued to the given client.
Without --subject-token the token is read from $` + subjectTokenEnvVar + `.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subjectToken == "" {
				subjectToken = os.Getenv(subjectTokenEnvVar)
			}
			if subjectToken == "" {
				return errors.New("a subject token is required")
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			resp, err := c.ExchangeToken(cmd.Context(), rp.ExchangeRequest{
				SubjectToken:     subjectToken,
				SubjectTokenType: subjectType,
				ActorToken:       actorToken,
				Audience:         audience,
				Resources:        flags.resources,
				Scopes:           flags.scopes,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&subjectToken, "subject-token", "", "Token to exchange")
	cmd.Flags().StringVar(&subjectType, "subject-token-type", rp.TokenTypeAccessToken, "Type of the subject token")
	cmd.Flags().StringVar(&actorToken, "actor-token", "", "Token of the acting party")
	cmd.Flags().StringVar(&audience, "audience", "", "Target audience")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
