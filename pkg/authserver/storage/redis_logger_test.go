// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/authcore/pkg/logger"
)

func TestRedisLogger(t *testing.T) { //nolint:paralleltest // replaces the process-wide logger
	prev := logger.Get()
	t.Cleanup(func() { logger.Set(prev) })

	var buf bytes.Buffer
	logger.Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	redisLogger{}.Printf(context.Background(), "sentinel: new master=%q addr=%q", "mymaster", "10.0.0.2:6379")

	out := buf.String()
	assert.Contains(t, out, `sentinel: new master=\"mymaster\"`)
	assert.Contains(t, out, "component=redis")

	buf.Reset()
	logger.Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	redisLogger{}.Printf(context.Background(), "pool event")
	assert.Empty(t, buf.String(), "client internals stay below info")
}
