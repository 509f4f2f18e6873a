// Package worker drains pending deliveries and POSTs each one to its
// configured hook, deleting the row inside the same transaction as the
// POST so a crash mid-send never double-delivers and never silently
// drops work.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"blockwatch/internal/config"
	"blockwatch/internal/metrics"
	"blockwatch/internal/store"
)

// Worker POSTs pending deliveries to the hooks configured for their
// chain, deleting without a POST deliveries whose hook has since been
// removed from config, and marking deliveries whose POST failed as
// failed.
type Worker struct {
	store   *store.Store
	hooks   map[string]config.Hook
	log     *zap.Logger
	metrics *metrics.Collector

	batchSize int
}

// New builds a Worker. hooks is keyed by hook ID across all configured
// chains.
func New(st *store.Store, hooks map[string]config.Hook, log *zap.Logger, m *metrics.Collector) *Worker {
	return &Worker{
		store:     st,
		hooks:     hooks,
		log:       log,
		metrics:   m,
		batchSize: 100,
	}
}

// webhookPayload is the JSON body POSTed to a hook's URL.
type webhookPayload struct {
	ID          string        `json:"id"`
	ChainID     int32         `json:"chain_id"`
	BlockNumber uint64        `json:"block_number"`
	Logs        []interface{} `json:"logs"`
}

// Drain delivers up to batchSize (100) currently pending deliveries, in
// block order, one at a time; anything beyond that waits for the next
// drain. A failure delivering one row does not stop the
// drain; it is recorded and the next row is attempted.
func (w *Worker) Drain(ctx context.Context) error {
	deliveries, err := w.store.PendingDeliveries(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("worker: loading pending deliveries: %w", err)
	}

	for _, d := range deliveries {
		if err := ctx.Err(); err != nil {
			return err
		}

		hook, ok := w.hooks[d.HookID]
		if !ok {
			w.log.Warn("hook no longer configured, dropping delivery",
				zap.String("hook_id", d.HookID), zap.Int32("chain_id", d.ChainID))
			if err := w.dropUnconfigured(ctx, d.ID); err != nil {
				w.log.Error("dropping delivery for removed hook failed", zap.Error(err))
			}
			continue
		}

		w.deliverOne(ctx, hook, d)
	}

	return nil
}

// dropUnconfigured removes a delivery whose hook has been deleted from
// config, without ever attempting a POST for it.
func (w *Worker) dropUnconfigured(ctx context.Context, id string) error {
	dtx, err := w.store.BeginDeliveryTx(ctx, id)
	if err != nil {
		return err
	}
	return dtx.Commit()
}

// deliverOne runs the delete-then-POST-then-commit/rollback sequence
// for a single delivery. Errors are logged and reflected in metrics
// rather than returned, since one bad delivery must not halt the
// drain.
func (w *Worker) deliverOne(ctx context.Context, hook config.Hook, d store.Delivery) {
	dtx, err := w.store.BeginDeliveryTx(ctx, d.ID)
	if err != nil {
		w.log.Error("beginning delivery tx failed", zap.String("delivery_id", d.ID), zap.Error(err))
		return
	}

	logs := make([]interface{}, len(d.Logs))
	for i, lg := range d.Logs {
		logs[i] = lg
	}
	payload := webhookPayload{
		ID:          d.ID,
		ChainID:     d.ChainID,
		BlockNumber: d.BlockNumber,
		Logs:        logs,
	}

	if err := w.post(ctx, hook, payload); err != nil {
		if rbErr := dtx.Rollback(); rbErr != nil {
			w.log.Error("rolling back failed delivery tx", zap.String("delivery_id", d.ID), zap.Error(rbErr))
		}
		if err := w.store.MarkDeliveryFailed(ctx, d.ID); err != nil {
			w.log.Error("marking delivery failed", zap.String("delivery_id", d.ID), zap.Error(err))
		}
		w.metrics.IncDeliveryFailed(d.HookID)
		w.log.Warn("delivery failed", zap.String("delivery_id", d.ID), zap.String("hook_id", d.HookID), zap.Error(err))
		return
	}

	if err := dtx.Commit(); err != nil {
		w.log.Error("committing delivery tx", zap.String("delivery_id", d.ID), zap.Error(err))
		return
	}
	w.metrics.IncDeliverySent(d.HookID)
	w.log.Info("delivery sent", zap.String("delivery_id", d.ID), zap.String("hook_id", d.HookID))
}

// post sends the webhook payload with the hook's configured timeout,
// treating any non-2xx response as a delivery failure.
func (w *Worker) post(ctx context.Context, hook config.Hook, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: hook.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
