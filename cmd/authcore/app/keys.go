// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
)

const sessionSecretBytes = 32

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys and session secrets",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(newKeysSecretCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		algorithm string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a PEM encoded token signing key",
		Long: `Generate a private key for signing tokens. Place the file in the directory
configured as keys.key_dir and reference it with keys.signing_key_file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := keys.GeneratePrivateKey(algorithm)
			if err != nil {
				return err
			}
			pemBytes, err := crypto.EncodePrivateKeyPEM(key)
			if err != nil {
				return err
			}
			kid, err := crypto.DeriveKeyID(key)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if err := writeSecretFile(output, pemBytes); err != nil {
				return err
			}
			cmd.Printf("Wrote %s key %s to %s\n", algorithm, kid, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", keys.DefaultAlgorithm, "Key algorithm (ES256, ES384 or ES512)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write the key to (default stdout)")
	return cmd
}

func newKeysSecretCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a random secret for signing session cookies",
		Long: `Generate a random secret for session.secret_files. List the newest secret
first; older secrets keep verifying existing cookies until they are removed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := make([]byte, sessionSecretBytes)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("failed to generate secret: %w", err)
			}
			secret := []byte(base64.StdEncoding.EncodeToString(b) + "\n")
			if output == "" {
				_, err := cmd.OutOrStdout().Write(secret)
				return err
			}
			if err := writeSecretFile(output, secret); err != nil {
				return err
			}
			cmd.Printf("Wrote session secret to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write the secret to (default stdout)")
	return cmd
}

func writeSecretFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
