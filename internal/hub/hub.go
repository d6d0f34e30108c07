// Package hub implements the in-memory publish/subscribe core: the central registry of sessions, topic
// subscriptions and tenant allow-lists, the per-device session, the rate limiter, and the webhook publisher.
package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/account"
	"github.com/fleetbus/fleetbus-server/internal/config"
	"github.com/fleetbus/fleetbus-server/internal/metrics"
	"github.com/fleetbus/fleetbus-server/internal/topic"
)

// commandBuffer is the size of the hub's command channel.
const commandBuffer = 256

// storeTimeout bounds each store lookup performed inside the run loop.
const storeTimeout = 5 * time.Second

// LimitsSource yields per-tenant connection and rate-limit ceilings.
type LimitsSource interface {
	Limits(ctx context.Context, accountID string) (account.Limits, error)
}

// TopicStore answers topic ownership questions from the external store.
type TopicStore interface {
	RelationExists(ctx context.Context, accountID, topicID string) (bool, error)
	AllRelations(ctx context.Context) ([]topic.Relation, error)
}

// EventRecorder records per-tenant activity events.
type EventRecorder interface {
	Info(accountID string, data map[string]any)
	Error(accountID string, data map[string]any)
}

// WebhookSink receives device-originated publishes for HTTP fan-out.
type WebhookSink interface {
	Forward(accountID string, event Event)
}

// tenantState is the hub's in-memory view of one account.
type tenantState struct {
	devices map[string]Device // keyed by device_id
	limits  account.Limits
}

// Hub is the central registry and event router. All registries are owned by the Run goroutine; every mutation
// arrives as a command on a single channel, so commands from one session are observed in issue order and no handler
// interleaves with another.
type Hub struct {
	limits LimitsSource
	topics TopicStore
	events EventRecorder
	sink   WebhookSink
	cfg    *config.Config
	log    zerolog.Logger

	commands chan command
	done     chan struct{}

	// Owned by Run. Never read or written from any other goroutine.
	sessions       map[string]*Session            // device_id -> session
	subscriptions  map[string]map[string]struct{} // topic_id -> device ids
	topicRelations map[string]map[string]struct{} // account_id -> topic ids
	accounts       map[string]*tenantState
	closed         bool
}

// NewHub creates a new hub. Run must be started before any session connects.
func NewHub(limits LimitsSource, topics TopicStore, events EventRecorder, sink WebhookSink, cfg *config.Config, logger zerolog.Logger) *Hub {
	return &Hub{
		limits:         limits,
		topics:         topics,
		events:         events,
		sink:           sink,
		cfg:            cfg,
		log:            logger.With().Str("component", "hub").Logger(),
		commands:       make(chan command, commandBuffer),
		done:           make(chan struct{}),
		sessions:       make(map[string]*Session),
		subscriptions:  make(map[string]map[string]struct{}),
		topicRelations: make(map[string]map[string]struct{}),
		accounts:       make(map[string]*tenantState),
	}
}

type command interface{ isCommand() }

type connectCmd struct {
	session *Session
	reply   chan error
}

type disconnectCmd struct {
	session *Session
}

type registerTopicsCmd struct {
	accountID string
	deviceID  string
	topics    []string
}

type publishCmd struct {
	origin    Origin
	accountID string
	event     Event
}

type activityCmd struct {
	accountID string
	reply     chan []Device
}

type shutdownCmd struct {
	reply chan struct{}
}

func (connectCmd) isCommand()        {}
func (disconnectCmd) isCommand()     {}
func (registerTopicsCmd) isCommand() {}
func (publishCmd) isCommand()        {}
func (activityCmd) isCommand()       {}
func (shutdownCmd) isCommand()       {}

// Run drains the command channel and performs the periodic topic-relations refresh. It blocks until the context is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	h.refreshTopicRelations(ctx)

	ticker := time.NewTicker(h.cfg.TopicRelationsRefresh)
	defer ticker.Stop()

	h.log.Info().Msg("Hub started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.refreshTopicRelations(ctx)
		case cmd := <-h.commands:
			h.handle(ctx, cmd)
		}
	}
}

func (h *Hub) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case connectCmd:
		c.reply <- h.handleConnect(ctx, c.session)
	case disconnectCmd:
		h.handleDisconnect(c.session)
	case registerTopicsCmd:
		h.handleRegisterTopics(ctx, c)
	case publishCmd:
		h.handlePublish(c)
	case activityCmd:
		c.reply <- h.handleActivity(c.accountID)
	case shutdownCmd:
		h.handleShutdown()
		close(c.reply)
	}
}

// Connect registers a session with the hub. It returns ErrAdmissionDenied when the tenant is at its connection cap,
// ErrTransientStore when the tenant row could not be loaded, and ErrHubClosed after Shutdown. On success the
// session's rate-limit ceiling has been set and the hub may push to it.
func (h *Hub) Connect(ctx context.Context, s *Session) error {
	reply := make(chan error, 1)
	select {
	case h.commands <- connectCmd{session: s, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrHubClosed
	}
}

// Disconnect removes a session from the hub. Safe to call more than once and for sessions that were never admitted.
func (h *Hub) Disconnect(s *Session) {
	select {
	case h.commands <- disconnectCmd{session: s}:
	case <-h.done:
	}
}

// RegisterTopics subscribes a device to the given topics. Topics outside the tenant's allow-list are skipped.
func (h *Hub) RegisterTopics(accountID, deviceID string, topics []string) {
	select {
	case h.commands <- registerTopicsCmd{accountID: accountID, deviceID: deviceID, topics: topics}:
	case <-h.done:
	}
}

// Publish routes an event to subscribed sessions of the same tenant and, for device origins, to the webhook
// publisher. Fire and forget.
func (h *Hub) Publish(origin Origin, accountID string, event Event) {
	select {
	case h.commands <- publishCmd{origin: origin, accountID: accountID, event: event}:
	case <-h.done:
	}
}

// ActiveDevices returns a snapshot of the tenant's connected devices. ok is false when the tenant has no in-memory
// state.
func (h *Hub) ActiveDevices(ctx context.Context, accountID string) ([]Device, bool, error) {
	reply := make(chan []Device, 1)
	select {
	case h.commands <- activityCmd{accountID: accountID, reply: reply}:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-h.done:
		return nil, false, ErrHubClosed
	}
	select {
	case devices := <-reply:
		return devices, devices != nil, nil
	case <-h.done:
		return nil, false, ErrHubClosed
	}
}

// Shutdown pushes a restart close to every session and stops admitting connections. It does not remove sessions;
// each one issues its own Disconnect as its socket unwinds. Blocks until the notice has been fanned out.
func (h *Hub) Shutdown() {
	reply := make(chan struct{})
	select {
	case h.commands <- shutdownCmd{reply: reply}:
		select {
		case <-reply:
		case <-h.done:
		}
	case <-h.done:
	}
}

func (h *Hub) handleConnect(ctx context.Context, s *Session) error {
	if h.closed {
		return ErrHubClosed
	}

	accountID := s.accountID
	ten, ok := h.accounts[accountID]
	if !ok {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		limits, err := h.limits.Limits(storeCtx, accountID)
		cancel()
		if err != nil {
			h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to load account on connect")
			h.events.Error(accountID, map[string]any{"event": "account_load_failed", "device_id": s.deviceID})
			return ErrTransientStore
		}
		ten = &tenantState{devices: make(map[string]Device), limits: limits}
		h.accounts[accountID] = ten
	}

	if existing, ok := h.sessions[s.deviceID]; ok {
		// The registry is keyed by device_id alone, so any holder of the id is displaced and fully removed.
		// A reconnecting device does not count against its own cap, and a session left behind by another
		// account cannot keep a cap slot it can no longer reach.
		h.log.Debug().Str("device_id", s.deviceID).Str("account_id", existing.accountID).
			Msg("Displacing existing session")
		existing.close()
		h.removeSession(existing)
	}

	if len(ten.devices) >= ten.limits.MaxConnections {
		metrics.AdmissionDenied.Inc()
		h.events.Error(accountID, map[string]any{"event": "max_connections", "device_id": s.deviceID})
		return ErrAdmissionDenied
	}

	// The session has not started its pumps yet, so the ceiling write is safe.
	s.rateCeiling = uint64(ten.limits.MaxRequestsPerMinute)

	ten.devices[s.deviceID] = Device{DeviceID: s.deviceID, DeviceTypeID: s.deviceTypeID}
	h.sessions[s.deviceID] = s
	metrics.WSConnections.Set(float64(len(h.sessions)))

	h.events.Info(accountID, map[string]any{
		"event":          "connected",
		"device_id":      s.deviceID,
		"device_type_id": s.deviceTypeID,
	})
	h.log.Debug().Str("device_id", s.deviceID).Str("account_id", accountID).
		Int("total", len(h.sessions)).Msg("Session connected")
	return nil
}

func (h *Hub) handleDisconnect(s *Session) {
	current, ok := h.sessions[s.deviceID]
	if !ok || current != s {
		return
	}
	h.removeSession(s)
	metrics.WSConnections.Set(float64(len(h.sessions)))

	h.events.Info(s.accountID, map[string]any{
		"event":          "disconnected",
		"device_id":      s.deviceID,
		"device_type_id": s.deviceTypeID,
	})
	h.log.Debug().Str("device_id", s.deviceID).Str("account_id", s.accountID).
		Int("total", len(h.sessions)).Msg("Session disconnected")
}

func (h *Hub) removeSession(s *Session) {
	delete(h.sessions, s.deviceID)
	if ten, ok := h.accounts[s.accountID]; ok {
		delete(ten.devices, s.deviceID)
	} else {
		h.log.Error().Str("account_id", s.accountID).Str("device_id", s.deviceID).
			Msg("Disconnect for unknown account")
	}
}

func (h *Hub) handleRegisterTopics(ctx context.Context, cmd registerTopicsCmd) {
	for _, topicID := range cmd.topics {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		ok, err := h.topics.RelationExists(storeCtx, cmd.accountID, topicID)
		cancel()
		if err != nil {
			h.log.Error().Err(err).Str("topic_id", topicID).Msg("Topic relation lookup failed, skipping topic")
			h.events.Error(cmd.accountID, map[string]any{"event": "topic_lookup_failed", "topic_id": topicID})
			continue
		}
		if !ok {
			continue
		}
		subs, exists := h.subscriptions[topicID]
		if !exists {
			subs = make(map[string]struct{})
			h.subscriptions[topicID] = subs
		}
		subs[cmd.deviceID] = struct{}{}
	}
}

func (h *Hub) handlePublish(cmd publishCmd) {
	allowed := h.topicRelations[cmd.accountID]

	recipients := make(map[string]struct{})
	for _, topicID := range cmd.event.Topics {
		if _, ok := allowed[topicID]; !ok {
			continue
		}
		for deviceID := range h.subscriptions[topicID] {
			if cmd.origin.FromDevice(deviceID) {
				continue
			}
			if _, live := h.sessions[deviceID]; !live {
				// Stale subscriber left over from a disconnect; prune it now.
				delete(h.subscriptions[topicID], deviceID)
				continue
			}
			recipients[deviceID] = struct{}{}
		}
	}

	if cmd.origin.IsDevice() {
		metrics.EventsPublished.WithLabelValues("device").Inc()
		h.sink.Forward(cmd.accountID, cmd.event)
	} else {
		metrics.EventsPublished.WithLabelValues("external").Inc()
	}

	h.events.Info(cmd.accountID, map[string]any{
		"event":  "message_received",
		"sender": senderDescriptor(cmd.origin),
		"topics": cmd.event.Topics,
	})

	if len(recipients) == 0 {
		return
	}

	payload, err := json.Marshal(Envelope{Sender: cmd.origin, AccountID: cmd.accountID, Message: cmd.event})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to serialize outbound envelope")
		return
	}

	for deviceID := range recipients {
		s, ok := h.sessions[deviceID]
		if !ok || s.accountID != cmd.accountID {
			continue
		}
		s.enqueue(payload)
		metrics.EventsDelivered.Inc()
	}
}

func (h *Hub) handleActivity(accountID string) []Device {
	ten, ok := h.accounts[accountID]
	if !ok {
		return nil
	}
	devices := make([]Device, 0, len(ten.devices))
	for _, d := range ten.devices {
		devices = append(devices, d)
	}
	return devices
}

func (h *Hub) handleShutdown() {
	h.closed = true
	for _, s := range h.sessions {
		s.shutdown()
	}
	h.log.Info().Int("sessions", len(h.sessions)).Msg("Hub shutdown notice sent")
}

// refreshTopicRelations reloads the tenant allow-list from the store and swaps it in wholesale, so revoked topics
// disappear within one refresh interval.
func (h *Hub) refreshTopicRelations(ctx context.Context) {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	relations, err := h.topics.AllRelations(storeCtx)
	if err != nil {
		h.log.Error().Err(err).Msg("Topic relations refresh failed, keeping previous allow-list")
		return
	}

	fresh := make(map[string]map[string]struct{})
	for _, rel := range relations {
		topics, ok := fresh[rel.AccountID]
		if !ok {
			topics = make(map[string]struct{})
			fresh[rel.AccountID] = topics
		}
		topics[rel.TopicID] = struct{}{}
	}
	h.topicRelations = fresh
	h.log.Debug().Int("relations", len(relations)).Msg("Topic relations refreshed")
}

func senderDescriptor(o Origin) string {
	switch {
	case o.Device != nil:
		return "device:" + o.Device.DeviceID
	case o.Address != nil:
		return "external:" + o.Address.IP
	default:
		return "external"
	}
}
