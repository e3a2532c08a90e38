// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-kiosksync/kiosk"
	"github.com/mobiletoly/go-kiosksync/localstore"
)

// SubmitTransaction records a purchase and tries to send it right away.
//
// The transaction and its queue item are written in one unit before any network
// attempt. If the backend cannot be reached, or fails in a way that may succeed
// later, the receipt is pending and the sweep keeps retrying. A backend rejection
// returns an error; the queue item is kept as rejected for the operator.
// Submitting a transaction_ref that already exists returns its current status.
func (e *Engine) SubmitTransaction(ctx context.Context, req kiosk.TransactionRequest) (*kiosk.Receipt, error) {
	if req.TransactionRef == "" {
		req.TransactionRef = uuid.NewString()
	}
	if err := validateTransaction(&req); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	txn := req.Transaction(e.now().UTC())
	var item *kiosk.QueueItem
	err = e.store.WithTx(ctx, func(tx *localstore.Tx) error {
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		var err error
		item, _, err = tx.Enqueue(ctx, kiosk.QueueItem{
			Type:      kiosk.ItemTransaction,
			Payload:   payload,
			RefID:     txn.UUID,
			CreatedAt: txn.CreatedAt,
		}, 0)
		return err
	})
	if errors.Is(err, localstore.ErrDuplicate) {
		e.logger.Info("Transaction already recorded", "uuid", txn.UUID)
		return e.Receipt(ctx, txn.UUID)
	}
	if err != nil {
		e.funnel(ctx, "record transaction", err)
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	e.logger.Info("Transaction recorded", "uuid", txn.UUID, "product_id", txn.ProductID, "total", txn.TotalAmount.String())

	// From here on the transaction is durable and must not be lost to cancellation.
	ctx = context.WithoutCancel(ctx)
	receipt := &kiosk.Receipt{
		TransactionUUID: txn.UUID,
		Status:          kiosk.ReceiptPending,
		TotalAmount:     txn.TotalAmount,
		CreatedAt:       txn.CreatedAt,
	}
	if !e.claim(item.ID) {
		return receipt, nil
	}
	defer e.release(item.ID)

	ack, err := e.send(ctx, item)
	if err != nil {
		out, _, serr := e.settleFailure(ctx, item, err)
		e.recorder.Observe(ctx, Event{Op: MetricsOpSend, Subject: string(item.Type), Outcome: out})
		if serr != nil {
			e.logger.Error("Failed to record send failure", "uuid", txn.UUID, "error", serr)
		}
		e.funnel(ctx, "submit transaction", err)
		if out == OutcomeRejected {
			return nil, fmt.Errorf("transaction %s rejected: %w", txn.UUID, err)
		}
		e.logger.Info("Transaction queued for retry", "uuid", txn.UUID, "kind", kiosk.KindOf(err).String())
		return receipt, nil
	}

	e.recorder.Observe(ctx, Event{Op: MetricsOpSend, Subject: string(item.Type), Outcome: OutcomeSent})
	receipt.Status = kiosk.ReceiptCompleted
	receipt.ServerUUID = ack.TransactionUUID
	remaining := ack.RemainingStock
	receipt.RemainingStock = &remaining
	if !ack.TotalAmount.IsZero() {
		receipt.TotalAmount = ack.TotalAmount
	}
	return receipt, nil
}

// Receipt reports the current status of a recorded transaction.
func (e *Engine) Receipt(ctx context.Context, transactionUUID string) (*kiosk.Receipt, error) {
	txn, err := e.store.Transaction(ctx, transactionUUID)
	if err != nil {
		return nil, err
	}
	receipt := &kiosk.Receipt{
		TransactionUUID: txn.UUID,
		Status:          kiosk.ReceiptPending,
		TotalAmount:     txn.TotalAmount,
		RemainingStock:  txn.RemainingStock,
		CreatedAt:       txn.CreatedAt,
	}
	if txn.Synced {
		receipt.Status = kiosk.ReceiptCompleted
		return receipt, nil
	}
	item, err := e.store.QueueItemByRef(ctx, txn.UUID)
	switch {
	case errors.Is(err, kiosk.ErrNotFound):
	case err != nil:
		return nil, err
	case item.State == kiosk.QueueRejected:
		receipt.Status = kiosk.ReceiptRejected
	}
	return receipt, nil
}

func validateTransaction(req *kiosk.TransactionRequest) error {
	const op = "submit transaction"
	switch {
	case req.ProductID <= 0:
		return kiosk.Invalid(op, "product id must be positive")
	case req.Quantity <= 0:
		return kiosk.Invalid(op, "quantity must be positive")
	case req.SlotNumber < 0:
		return kiosk.Invalid(op, "slot number must not be negative")
	case !req.PaymentMethod.Valid():
		return kiosk.Invalid(op, "unknown payment method %q", req.PaymentMethod)
	case req.TotalAmount.IsNegative():
		return kiosk.Invalid(op, "total amount must not be negative")
	}
	return nil
}

// checkLowStock raises an alert when a sale left the slot at or below the threshold.
func (e *Engine) checkLowStock(ctx context.Context, item *kiosk.QueueItem, ack *kiosk.TransactionAck) {
	if e.config.LowStockThreshold < 0 || ack.RemainingStock > e.config.LowStockThreshold {
		return
	}
	var req kiosk.TransactionRequest
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		e.logger.Warn("Cannot decode transaction payload for low stock alert", "id", item.ID, "error", err)
		return
	}
	alert := kiosk.LowStockAlert{
		SlotNumber:   req.SlotNumber,
		CurrentStock: ack.RemainingStock,
		Threshold:    e.config.LowStockThreshold,
	}
	if p, err := e.store.Product(ctx, req.ProductID); err == nil {
		alert.ProductName = p.Name
	}
	if err := e.ReportLowStock(ctx, alert); err != nil {
		e.logger.Error("Failed to queue low stock alert", "slot", alert.SlotNumber, "error", err)
	}
}
