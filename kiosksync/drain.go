// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-kiosksync/kiosk"
	"github.com/mobiletoly/go-kiosksync/localstore"
)

// SweepResult summarizes one DrainQueue run
type SweepResult struct {
	Skipped  bool // another sweep was running
	Aborted  bool // stopped early because the backend is unreachable
	Sent     int
	Failed   int
	Rejected int
	Dropped  int
	Flagged  int
}

// DrainQueue sends pending and flagged queue items oldest first, one at a time.
//
// A network or authentication failure stops the sweep, since every later item would
// fail the same way. Server errors and malformed responses count a retry and move on.
// Backend rejections mark durable items rejected and drop telemetry. Only one sweep
// runs at a time; a concurrent call returns immediately with Skipped set.
func (e *Engine) DrainQueue(ctx context.Context) (*SweepResult, error) {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.recorder.Observe(ctx, Event{Op: MetricsOpSweep, Outcome: OutcomeSkipped})
		return &SweepResult{Skipped: true}, nil
	}
	defer e.sweeping.Store(false)

	start := time.Now()
	items, err := e.store.QueueItems(ctx, kiosk.QueuePending, kiosk.QueueFlagged)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", err)
	}

	res := &SweepResult{}
	netCtx := context.WithoutCancel(ctx)
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		abort, err := e.drainItem(netCtx, items[i].ID, res)
		if err != nil {
			return res, err
		}
		if abort {
			res.Aborted = true
			break
		}
	}

	outcome := OutcomeCompleted
	if res.Aborted {
		outcome = OutcomeAborted
	}
	e.recorder.Observe(ctx, Event{Op: MetricsOpSweep, Outcome: outcome, Duration: time.Since(start), Count: res.Sent})
	e.observeQueueDepth(ctx)
	if len(items) > 0 {
		e.logger.Info("Sweep finished",
			"queued", len(items), "sent", res.Sent, "failed", res.Failed, "rejected", res.Rejected,
			"dropped", res.Dropped, "flagged", res.Flagged, "aborted", res.Aborted)
	}
	return res, nil
}

func (e *Engine) drainItem(ctx context.Context, id int64, res *SweepResult) (abort bool, err error) {
	if !e.claim(id) {
		return false, nil
	}
	defer e.release(id)

	// Re-read under the claim: an inline send may have completed it since listing.
	item, err := e.store.QueueItem(ctx, id)
	if errors.Is(err, kiosk.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if item.State == kiosk.QueueRejected {
		return false, nil
	}

	if _, err := e.send(ctx, item); err != nil {
		res.Failed++
		outcome, abort, serr := e.settleFailure(ctx, item, err)
		e.recorder.Observe(ctx, Event{Op: MetricsOpSend, Subject: string(item.Type), Outcome: outcome})
		switch outcome {
		case OutcomeRejected:
			res.Rejected++
		case OutcomeDropped:
			res.Dropped++
		case OutcomeFlagged:
			res.Flagged++
		}
		return abort, serr
	}
	res.Sent++
	e.recorder.Observe(ctx, Event{Op: MetricsOpSend, Subject: string(item.Type), Outcome: OutcomeSent})
	return false, nil
}

// send delivers one queue item and removes it once the backend accepted it.
func (e *Engine) send(ctx context.Context, item *kiosk.QueueItem) (*kiosk.TransactionAck, error) {
	var ack *kiosk.TransactionAck
	err := e.withAuth(ctx, func(ctx context.Context) error {
		if item.Type == kiosk.ItemTransaction {
			var err error
			ack, err = e.remote.SubmitTransaction(ctx, item.RefID, item.Payload)
			return err
		}
		return e.remote.Deliver(ctx, item.Type, item.Payload)
	})
	if err != nil {
		return nil, err
	}

	if err := e.complete(ctx, item, ack); err != nil {
		// Accepted but still queued: it will be sent again and deduplicated by reference.
		e.logger.Error("Failed to record delivery", "id", item.ID, "type", item.Type, "error", err)
		e.funnel(ctx, "complete "+string(item.Type), err)
	} else {
		e.logger.Debug("Queue item delivered", "id", item.ID, "type", item.Type, "ref", item.RefID)
	}
	if ack != nil {
		e.checkLowStock(ctx, item, ack)
	}
	return ack, nil
}

func (e *Engine) complete(ctx context.Context, item *kiosk.QueueItem, ack *kiosk.TransactionAck) error {
	if item.Type != kiosk.ItemTransaction {
		return e.store.DeleteQueueItem(ctx, item.ID)
	}
	return e.store.WithTx(ctx, func(tx *localstore.Tx) error {
		remaining := ack.RemainingStock
		if err := tx.MarkTransactionSynced(ctx, item.RefID, &remaining); err != nil && !errors.Is(err, kiosk.ErrNotFound) {
			return err
		}
		return tx.DeleteQueueItem(ctx, item.ID)
	})
}

// settleFailure applies the retry policy to a failed send and reports whether the
// sweep should stop.
func (e *Engine) settleFailure(ctx context.Context, item *kiosk.QueueItem, sendErr error) (outcome string, abort bool, err error) {
	kind := kiosk.KindOf(sendErr)
	if kind == kiosk.KindClient {
		if !item.Type.Durable() {
			e.logger.Warn("Backend rejected telemetry, dropping", "id", item.ID, "type", item.Type, "error", sendErr)
			return OutcomeDropped, false, e.store.DeleteQueueItem(ctx, item.ID)
		}
		if _, err := e.store.RecordFailure(ctx, item.ID, sendErr.Error()); err != nil {
			return OutcomeRejected, false, err
		}
		if err := e.store.SetQueueState(ctx, item.ID, kiosk.QueueRejected); err != nil {
			return OutcomeRejected, false, err
		}
		item.RetryCount++
		item.State = kiosk.QueueRejected
		item.LastError = sendErr.Error()
		e.attention(*item)
		return OutcomeRejected, false, nil
	}

	abort = kind == kiosk.KindNetwork || kind == kiosk.KindAuth
	outcome = OutcomeRetry
	if abort {
		outcome = OutcomeAborted
	}

	retries, err := e.store.RecordFailure(ctx, item.ID, sendErr.Error())
	if err != nil {
		return outcome, abort, err
	}
	item.RetryCount = retries
	item.LastError = sendErr.Error()

	if !item.Type.Durable() {
		if retries >= e.config.TelemetryMaxRetries {
			e.logger.Warn("Telemetry exceeded retry limit, dropping", "id", item.ID, "type", item.Type, "retries", retries)
			return OutcomeDropped, abort, e.store.DeleteQueueItem(ctx, item.ID)
		}
		return outcome, abort, nil
	}
	if retries >= e.config.MaxRetries && item.State == kiosk.QueuePending {
		if err := e.store.SetQueueState(ctx, item.ID, kiosk.QueueFlagged); err != nil {
			return outcome, abort, err
		}
		item.State = kiosk.QueueFlagged
		e.attention(*item)
		return OutcomeFlagged, abort, nil
	}
	return outcome, abort, nil
}

// RequeueRejected puts a rejected queue item back in line, for example after an
// operator fixed the cause on the backend.
func (e *Engine) RequeueRejected(ctx context.Context, id int64) error {
	item, err := e.store.QueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item.State != kiosk.QueueRejected {
		return kiosk.Invalid("requeue", "queue item %d is %s, not rejected", id, item.State)
	}
	if err := e.store.SetQueueState(ctx, id, kiosk.QueuePending); err != nil {
		return err
	}
	e.logger.Info("Queue item requeued", "id", id, "type", item.Type, "ref", item.RefID)
	e.TriggerSweep()
	return nil
}

// AttentionItems returns the flagged and rejected items an operator should look at.
func (e *Engine) AttentionItems(ctx context.Context) ([]kiosk.QueueItem, error) {
	return e.store.QueueItems(ctx, kiosk.QueueFlagged, kiosk.QueueRejected)
}

func (e *Engine) observeQueueDepth(ctx context.Context) {
	counts, err := e.store.QueueCounts(ctx)
	if err != nil {
		e.logger.Warn("Failed to count queue items", "error", err)
		return
	}
	for _, t := range []kiosk.ItemType{
		kiosk.ItemTransaction, kiosk.ItemInventoryUpdate, kiosk.ItemErrorReport, kiosk.ItemHeartbeat, kiosk.ItemLowStockAlert,
	} {
		e.recorder.Observe(ctx, Event{Op: MetricsOpQueueDepth, Subject: string(t), Count: counts[t]})
	}
}
