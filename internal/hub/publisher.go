package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/config"
	"github.com/fleetbus/fleetbus-server/internal/metrics"
	"github.com/fleetbus/fleetbus-server/internal/webhook"
)

// BindingSource yields the full set of webhook topic bindings from the external store.
type BindingSource interface {
	AllTopicBindings(ctx context.Context) ([]webhook.TopicBinding, error)
}

// delivery is one queued HTTP POST.
type delivery struct {
	accountID string
	url       string
	payload   []byte
}

// WebhookPublisher fans device-originated events out to tenant-configured HTTP endpoints. It keeps a topic-to-URL
// index that is rebuilt wholesale on every refresh so deleted bindings stop receiving traffic within one interval,
// and dispatches deliveries from a bounded queue through a fixed worker pool. Deliveries are fire and forget:
// failures are logged and counted, never retried.
type WebhookPublisher struct {
	source  BindingSource
	events  EventRecorder
	client  *http.Client
	cfg     *config.Config
	log     zerolog.Logger
	version string

	queue chan delivery

	mu    sync.RWMutex
	index map[string]map[string]struct{} // topic_id -> urls
}

// NewWebhookPublisher creates a webhook publisher. Run must be started for deliveries to flow.
func NewWebhookPublisher(source BindingSource, events EventRecorder, cfg *config.Config, version string, logger zerolog.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		source:  source,
		events:  events,
		client:  &http.Client{Timeout: cfg.WebhookTimeout},
		cfg:     cfg,
		log:     logger.With().Str("component", "webhook_publisher").Logger(),
		version: version,
		queue:   make(chan delivery, cfg.WebhookQueueSize),
		index:   make(map[string]map[string]struct{}),
	}
}

// Run refreshes the index periodically and drives the delivery workers. It blocks until the context is cancelled.
func (p *WebhookPublisher) Run(ctx context.Context) error {
	p.refresh(ctx)

	var wg sync.WaitGroup
	for range p.cfg.WebhookWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	ticker := time.NewTicker(p.cfg.WebhookRefresh)
	defer ticker.Stop()

	p.log.Info().Int("workers", p.cfg.WebhookWorkers).Msg("Webhook publisher started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

// Forward enqueues one delivery per distinct URL bound to any of the event's topics. The event is serialized once.
// A full queue drops the delivery with a warning.
func (p *WebhookPublisher) Forward(accountID string, event Event) {
	urls := p.urlsFor(event.Topics)
	if len(urls) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to serialize webhook payload")
		return
	}

	for url := range urls {
		select {
		case p.queue <- delivery{accountID: accountID, url: url, payload: payload}:
		default:
			metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
			p.log.Warn().Str("url", url).Msg("Webhook queue full, dropping delivery")
		}
	}
	metrics.WebhookQueueDepth.Set(float64(len(p.queue)))
}

// urlsFor returns the deduplicated URL set subscribed to any of the topics.
func (p *WebhookPublisher) urlsFor(topics []string) map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	urls := make(map[string]struct{})
	for _, topicID := range topics {
		for url := range p.index[topicID] {
			urls[url] = struct{}{}
		}
	}
	return urls
}

func (p *WebhookPublisher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-p.queue:
			p.deliver(ctx, d)
			metrics.WebhookQueueDepth.Set(float64(len(p.queue)))
		}
	}
}

func (p *WebhookPublisher) deliver(ctx context.Context, d delivery) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(d.payload))
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		p.log.Warn().Err(err).Str("url", d.url).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fleetbus/"+p.version)

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		p.events.Error(d.accountID, map[string]any{
			"event": "webhook_delivery_failed",
			"url":   d.url,
			"error": err.Error(),
		})
		p.log.Warn().Err(err).Str("url", d.url).Msg("Webhook delivery failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		p.events.Error(d.accountID, map[string]any{
			"event":  "webhook_delivery_rejected",
			"url":    d.url,
			"status": resp.StatusCode,
		})
		p.log.Warn().Int("status", resp.StatusCode).Str("url", d.url).Msg("Webhook endpoint rejected delivery")
		return
	}

	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
}

// refresh rebuilds the topic-to-URL index from the store and swaps it in atomically. On failure the previous index
// stays in place.
func (p *WebhookPublisher) refresh(ctx context.Context) {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	bindings, err := p.source.AllTopicBindings(storeCtx)
	if err != nil {
		p.log.Error().Err(err).Msg("Webhook index refresh failed, keeping previous index")
		return
	}

	fresh := make(map[string]map[string]struct{})
	for _, b := range bindings {
		urls, ok := fresh[b.TopicID]
		if !ok {
			urls = make(map[string]struct{})
			fresh[b.TopicID] = urls
		}
		urls[b.URL] = struct{}{}
	}

	p.mu.Lock()
	p.index = fresh
	p.mu.Unlock()

	p.log.Debug().Int("bindings", len(bindings)).Msg("Webhook index refreshed")
}
