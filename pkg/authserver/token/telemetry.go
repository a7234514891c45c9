// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	oautherr "github.com/stacklok/authcore/pkg/errors"
)

// instrumentationName is the name of this instrumentation package
const instrumentationName = "github.com/stacklok/authcore/pkg/authserver/token"

type instruments struct {
	tracer trace.Tracer

	issued   metric.Int64Counter
	failures metric.Int64Counter
	replays  metric.Int64Counter
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider) *instruments {
	meter := mp.Meter(instrumentationName)

	issued, _ := meter.Int64Counter(
		"authcore_tokens_issued", // The exporter adds the _total suffix automatically
		metric.WithDescription("Number of tokens issued by grant type and token kind"),
	)
	failures, _ := meter.Int64Counter(
		"authcore_token_failures",
		metric.WithDescription("Number of rejected token requests by error code"),
	)
	replays, _ := meter.Int64Counter(
		"authcore_refresh_token_replays",
		metric.WithDescription("Number of replayed refresh tokens; each revokes its token family"),
	)

	return &instruments{
		tracer:   tp.Tracer(instrumentationName),
		issued:   issued,
		failures: failures,
		replays:  replays,
	}
}

func (in *instruments) recordIssued(ctx context.Context, grantType, kind string) {
	in.issued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token", kind),
	))
}

// fail records err on the span and the failure counter and returns it.
func (in *instruments) fail(ctx context.Context, span trace.Span, grantType string, err error) error {
	code := oautherr.TypeOf(err)
	span.SetStatus(codes.Error, code)
	span.SetAttributes(attribute.String("oauth.error", code))
	in.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", code),
	))
	return err
}
