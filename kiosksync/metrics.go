// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"time"
)

const (
	MetricsOpFetch      = "fetch"
	MetricsOpSend       = "send"
	MetricsOpSweep      = "sweep"
	MetricsOpEvict      = "evict"
	MetricsOpQueueDepth = "queue_depth"

	// Fetch outcomes.
	OutcomeRemote = "remote"
	OutcomeCache  = "cache"
	OutcomeError  = "error"

	// Send outcomes.
	OutcomeSent     = "sent"
	OutcomeRetry    = "retry"
	OutcomeAborted  = "aborted"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
	OutcomeFlagged  = "flagged"

	// Sweep outcomes.
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
)

// Event is one observation reported to a Recorder
type Event struct {
	Op       string // MetricsOp*
	Subject  string // entity or queue item type
	Outcome  string
	Duration time.Duration
	Count    int
}

type Recorder interface {
	Observe(ctx context.Context, ev Event)
}

type RecorderFunc func(ctx context.Context, ev Event)

func (f RecorderFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

type nopRecorder struct{}

func (nopRecorder) Observe(context.Context, Event) {}
