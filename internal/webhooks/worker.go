package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"medroute/internal/config"
	"medroute/internal/logger"
	"medroute/internal/metrics"
	"medroute/internal/store"
)

// Worker polls the delivery queue and posts due webhooks.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	now         func() time.Time
}

func NewWorker(s store.Store, cfg config.WebhookConfig) *Worker {
	w := &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: cfg.Timeout},
		Interval:    cfg.Interval,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 50
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 10
	}
	if cfg.Timeout <= 0 {
		w.HTTP.Timeout = 5 * time.Second
	}
	return w
}

// Start runs the poll loop until ctx is done. The returned channel closes
// once the loop has exited.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ctx = logger.Into(ctx, logger.WithContext(map[string]interface{}{"component": "webhook_worker"}))
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.processOnce(ctx)
			}
		}
	}()
	return done
}

func (w *Worker) processOnce(parent context.Context) int {
	ctx, cancel := context.WithTimeout(parent, w.HTTP.Timeout*time.Duration(w.BatchSize)+time.Second)
	defer cancel()
	log := logger.From(ctx)
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.BatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("webhook queue fetch failed")
		return 0
	}
	for _, it := range items {
		code, latency, err := w.deliver(ctx, it)
		success := err == nil && code >= 200 && code < 300
		lastErr := ""
		switch {
		case err != nil:
			lastErr = err.Error()
		case !success:
			lastErr = "unexpected status " + strconv.Itoa(code)
		}

		status := store.DeliveryDelivered
		if !success {
			status = store.DeliveryRetry
			if it.Attempts+1 >= w.MaxAttempts {
				status = store.DeliveryFailed
			}
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
		metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))

		if status == store.DeliveryFailed {
			log.Warn().Str("delivery", it.ID).Str("event", it.EventType).Int("attempts", it.Attempts+1).Str("error", lastErr).Msg("webhook delivery gave up")
			if err := w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency); err != nil {
				log.Error().Err(err).Str("delivery", it.ID).Msg("webhook fail update")
			}
			continue
		}
		next := w.now().Add(nextBackoff(it.Attempts))
		if err := w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency); err != nil {
			log.Error().Err(err).Str("delivery", it.ID).Msg("webhook mark update")
		}
	}
	return len(items)
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	req.Header.Set("X-Delivery-Id", it.ID)
	if it.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(it.Secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latency, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, latency, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
