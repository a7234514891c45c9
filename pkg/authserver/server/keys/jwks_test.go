// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/server/keys/mocks"
)

func TestJWKS(t *testing.T) {
	t.Parallel()

	provider := keys.NewGeneratingProvider("ES256")
	set, err := keys.JWKS(context.Background(), provider)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)

	key := set.Keys[0]
	assert.Equal(t, "sig", key.Use)
	assert.Equal(t, "ES256", key.Algorithm)
	assert.True(t, key.IsPublic())

	raw, err := json.Marshal(set)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"d"`, "private material must not be published")
}

func TestJWKS_ProviderError(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	provider := mocks.NewMockKeyProvider(ctrl)
	provider.EXPECT().PublicKeys(gomock.Any()).Return(nil, errors.New("store offline"))

	_, err := keys.JWKS(context.Background(), provider)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store offline")
}
