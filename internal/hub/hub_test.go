package hub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/account"
	"github.com/fleetbus/fleetbus-server/internal/config"
	"github.com/fleetbus/fleetbus-server/internal/topic"
)

// fakeLimits implements LimitsSource for testing.
type fakeLimits struct {
	limits map[string]account.Limits
	err    error
}

func (f *fakeLimits) Limits(_ context.Context, accountID string) (account.Limits, error) {
	if f.err != nil {
		return account.Limits{}, f.err
	}
	limits, ok := f.limits[accountID]
	if !ok {
		return account.Limits{}, account.ErrNotFound
	}
	return limits, nil
}

// fakeTopicStore implements TopicStore for testing. Relations can be mutated mid-test to exercise the refresh cycle.
type fakeTopicStore struct {
	mu        sync.Mutex
	relations map[string][]string // account_id -> topic ids
}

func newFakeTopicStore(relations map[string][]string) *fakeTopicStore {
	return &fakeTopicStore{relations: relations}
}

func (f *fakeTopicStore) setRelations(relations map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relations = relations
}

func (f *fakeTopicStore) RelationExists(_ context.Context, accountID, topicID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.relations[accountID] {
		if id == topicID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTopicStore) AllRelations(_ context.Context) ([]topic.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rels []topic.Relation
	for accountID, topics := range f.relations {
		for _, id := range topics {
			rels = append(rels, topic.Relation{TopicID: id, AccountID: accountID})
		}
	}
	return rels, nil
}

// fakeRecorder implements EventRecorder for testing.
type fakeRecorder struct {
	mu      sync.Mutex
	entries []recordedEvent
}

type recordedEvent struct {
	accountID string
	level     string
	data      map[string]any
}

func (f *fakeRecorder) Info(accountID string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, recordedEvent{accountID: accountID, level: "info", data: data})
}

func (f *fakeRecorder) Error(accountID string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, recordedEvent{accountID: accountID, level: "error", data: data})
}

func (f *fakeRecorder) hasEvent(level, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.level == level && e.data["event"] == name {
			return true
		}
	}
	return false
}

// fakeSink implements WebhookSink for testing.
type fakeSink struct {
	mu       sync.Mutex
	forwards []Event
}

func (f *fakeSink) Forward(_ string, event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, event)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards)
}

// fakeConn implements wsConn without a network. Inbound frames are fed through the reads channel; outbound text and
// control frames are captured for assertions.
type fakeConn struct {
	reads chan readFrame

	mu        sync.Mutex
	texts     [][]byte
	closes    []closeFrame
	pings     int
	done      chan struct{}
	closeOnce sync.Once
}

type readFrame struct {
	messageType int
	data        []byte
}

type closeFrame struct {
	code   int
	reason string
}

var errConnClosed = errors.New("fake connection closed")

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads: make(chan readFrame, 16),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.reads:
		return f.messageType, f.data, nil
	case <-c.done:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	if messageType == websocket.TextMessage {
		c.texts = append(c.texts, data)
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		frame := closeFrame{}
		if len(data) >= 2 {
			frame.code = int(binary.BigEndian.Uint16(data[:2]))
			frame.reason = string(data[2:])
		}
		c.closes = append(c.closes, frame)
	case websocket.PingMessage:
		c.pings++
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetPingHandler(func(string) error) {}
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closeFrames() []closeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeFrame(nil), c.closes...)
}

func (c *fakeConn) textFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.texts...)
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatInterval:     5 * time.Second,
		ClientTimeout:         10 * time.Second,
		TopicRelationsRefresh: 25 * time.Millisecond,
		WebhookRefresh:        25 * time.Millisecond,
		MaxFrameBytes:         65536,
		SendBufferSize:        16,
		WebhookQueueSize:      32,
		WebhookWorkers:        2,
		WebhookTimeout:        time.Second,
	}
}

type hubFixture struct {
	hub    *Hub
	limits *fakeLimits
	store  *fakeTopicStore
	events *fakeRecorder
	sink   *fakeSink
}

func newTestHub(t *testing.T, limits map[string]account.Limits, relations map[string][]string) *hubFixture {
	t.Helper()

	f := &hubFixture{
		limits: &fakeLimits{limits: limits},
		store:  newFakeTopicStore(relations),
		events: &fakeRecorder{},
		sink:   &fakeSink{},
	}
	f.hub = NewHub(f.limits, f.store, f.events, f.sink, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.hub.Run(ctx) }()

	return f
}

func connectDevice(t *testing.T, f *hubFixture, accountID, deviceID string) *Session {
	t.Helper()
	s := NewSession(f.hub, newFakeConn(), SessionParams{
		AccountID:    accountID,
		DeviceID:     deviceID,
		DeviceTypeID: "devt_1",
	}, zerolog.Nop())
	if err := f.hub.Connect(context.Background(), s); err != nil {
		t.Fatalf("Connect(%s/%s) error = %v", accountID, deviceID, err)
	}
	return s
}

func makeEvent(topics ...string) Event {
	return Event{
		SecondsSinceUnix: 1700000000,
		NanoSeconds:      1,
		Topics:           topics,
		Data:             json.RawMessage(`{"v":1}`),
	}
}

func recvEnvelope(t *testing.T, s *Session) Envelope {
	t.Helper()
	select {
	case payload := <-s.send:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery to %s", s.deviceID)
		return Envelope{}
	}
}

func assertNoDelivery(t *testing.T, s *Session) {
	t.Helper()
	select {
	case payload := <-s.send:
		t.Fatalf("unexpected delivery to %s: %s", s.deviceID, payload)
	default:
	}
}

func drainSend(s *Session) {
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

func TestPublishNoEchoToOriginator(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 2, MaxRequestsPerMinute: 60}},
		map[string][]string{"acct_A": {"t1"}},
	)

	d1 := connectDevice(t, f, "acct_A", "d1")
	d2 := connectDevice(t, f, "acct_A", "d2")
	f.hub.RegisterTopics("acct_A", "d1", []string{"t1"})
	f.hub.RegisterTopics("acct_A", "d2", []string{"t1"})

	f.hub.Publish(DeviceOrigin("d1", "devt_1"), "acct_A", makeEvent("t1"))

	env := recvEnvelope(t, d2)
	if env.AccountID != "acct_A" {
		t.Errorf("envelope account_id = %q, want acct_A", env.AccountID)
	}
	if env.Sender.Device == nil || env.Sender.Device.DeviceID != "d1" {
		t.Errorf("envelope sender = %+v, want device d1", env.Sender)
	}
	if string(env.Message.Data) != `{"v":1}` {
		t.Errorf("envelope data = %s, want {\"v\":1}", env.Message.Data)
	}

	// The publisher never hears its own event back.
	assertNoDelivery(t, d1)
}

func TestPublishTenantIsolation(t *testing.T) {
	t.Parallel()

	// Both tenants are allowed the same topic id; isolation must still hold.
	f := newTestHub(t,
		map[string]account.Limits{
			"acct_A": {MaxConnections: 5, MaxRequestsPerMinute: 60},
			"acct_B": {MaxConnections: 5, MaxRequestsPerMinute: 60},
		},
		map[string][]string{"acct_A": {"t1"}, "acct_B": {"t1"}},
	)

	a1 := connectDevice(t, f, "acct_A", "a1")
	a2 := connectDevice(t, f, "acct_A", "a2")
	b1 := connectDevice(t, f, "acct_B", "b1")
	f.hub.RegisterTopics("acct_A", "a2", []string{"t1"})
	f.hub.RegisterTopics("acct_B", "b1", []string{"t1"})

	f.hub.Publish(DeviceOrigin("a1", "devt_1"), "acct_A", makeEvent("t1"))

	recvEnvelope(t, a2)
	assertNoDelivery(t, b1)
	assertNoDelivery(t, a1)
}

func TestPublishAuthorizationGate(t *testing.T) {
	t.Parallel()

	// The topic exists for registration but is absent from the allow-list snapshot.
	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 5, MaxRequestsPerMinute: 60}},
		map[string][]string{"acct_A": {"t1"}},
	)

	d1 := connectDevice(t, f, "acct_A", "d1")
	d2 := connectDevice(t, f, "acct_A", "d2")
	f.hub.RegisterTopics("acct_A", "d2", []string{"t1"})

	// Publish on a topic outside the allow-list: nobody receives, webhooks still see the device publish command.
	f.hub.Publish(DeviceOrigin("d1", "devt_1"), "acct_A", makeEvent("t2"))

	// A follow-up allowed publish proves the first was dropped, not delayed.
	f.hub.Publish(DeviceOrigin("d1", "devt_1"), "acct_A", makeEvent("t1"))
	env := recvEnvelope(t, d2)
	if env.Message.Topics[0] != "t1" {
		t.Errorf("delivered topics = %v, want [t1]", env.Message.Topics)
	}
	assertNoDelivery(t, d2)
	_ = d1
}

func TestRegisterTopicsIdempotent(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 5, MaxRequestsPerMinute: 60}},
		map[string][]string{"acct_A": {"t1"}},
	)

	d1 := connectDevice(t, f, "acct_A", "d1")
	d2 := connectDevice(t, f, "acct_A", "d2")
	for range 3 {
		f.hub.RegisterTopics("acct_A", "d2", []string{"t1"})
	}

	f.hub.Publish(DeviceOrigin("d1", "devt_1"), "acct_A", makeEvent("t1"))

	recvEnvelope(t, d2)
	// Set semantics: repeated registration yields exactly one delivery.
	assertNoDelivery(t, d2)
	_ = d1
}

func TestConnectEnforcesConnectionCap(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 2, MaxRequestsPerMinute: 60}},
		map[string][]string{"acct_A": {"t1"}},
	)

	connectDevice(t, f, "acct_A", "d1")
	connectDevice(t, f, "acct_A", "d2")

	d3 := NewSession(f.hub, newFakeConn(), SessionParams{
		AccountID: "acct_A", DeviceID: "d3", DeviceTypeID: "devt_1",
	}, zerolog.Nop())
	err := f.hub.Connect(context.Background(), d3)
	if !errors.Is(err, ErrAdmissionDenied) {
		t.Fatalf("Connect(d3) error = %v, want ErrAdmissionDenied", err)
	}
	if !f.events.hasEvent("error", "max_connections") {
		t.Error("admission refusal did not record a max_connections error event")
	}

	devices, ok, err := f.hub.ActiveDevices(context.Background(), "acct_A")
	if err != nil || !ok {
		t.Fatalf("ActiveDevices() = (%v, %v), want snapshot", ok, err)
	}
	if len(devices) != 2 {
		t.Errorf("len(devices) = %d, want 2", len(devices))
	}
}

func TestConnectTransientStoreFailure(t *testing.T) {
	t.Parallel()

	f := newTestHub(t, nil, nil)
	f.limits.err = errors.New("database down")

	s := NewSession(f.hub, newFakeConn(), SessionParams{
		AccountID: "acct_A", DeviceID: "d1", DeviceTypeID: "devt_1",
	}, zerolog.Nop())
	err := f.hub.Connect(context.Background(), s)
	if !errors.Is(err, ErrTransientStore) {
		t.Fatalf("Connect() error = %v, want ErrTransientStore", err)
	}
}

func TestConnectDisplacesSameDevice(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 1, MaxRequestsPerMinute: 60}},
		map[string][]string{"acct_A": {"t1"}},
	)

	old := connectDevice(t, f, "acct_A", "d1")
	// A reconnect under the same device id must not be refused by the cap.
	fresh := connectDevice(t, f, "acct_A", "d1")

	if !old.conn.(*fakeConn).isClosed() {
		t.Error("old session connection still open after displacement")
	}

	f.hub.RegisterTopics("acct_A", "d1", []string{"t1"})
	f.hub.Publish(ExternalOrigin(nil), "acct_A", makeEvent("t1"))
	recvEnvelope(t, fresh)
}

func TestConnectDisplacesDeviceHeldByOtherAccount(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{
			"acct_A": {MaxConnections: 1, MaxRequestsPerMinute: 60},
			"acct_B": {MaxConnections: 1, MaxRequestsPerMinute: 60},
		},
		map[string][]string{"acct_A": {"t1"}, "acct_B": {"t1"}},
	)

	old := connectDevice(t, f, "acct_A", "shared")
	fresh := connectDevice(t, f, "acct_B", "shared")

	if !old.conn.(*fakeConn).isClosed() {
		t.Error("displaced session connection still open")
	}

	// The displaced session is removed from acct_A's registry, not orphaned there.
	devices, ok, err := f.hub.ActiveDevices(context.Background(), "acct_A")
	if err != nil || !ok {
		t.Fatalf("ActiveDevices(acct_A) = (%v, %v), want snapshot", ok, err)
	}
	if len(devices) != 0 {
		t.Fatalf("acct_A devices = %+v, want none after displacement", devices)
	}

	// A late Disconnect from the displaced session must not evict the new holder.
	f.hub.Disconnect(old)
	devices, ok, err = f.hub.ActiveDevices(context.Background(), "acct_B")
	if err != nil || !ok {
		t.Fatalf("ActiveDevices(acct_B) = (%v, %v), want snapshot", ok, err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "shared" {
		t.Errorf("acct_B devices = %+v, want only the new holder", devices)
	}

	// acct_A's cap slot is free again.
	connectDevice(t, f, "acct_A", "a1")

	f.hub.RegisterTopics("acct_B", "shared", []string{"t1"})
	f.hub.Publish(ExternalOrigin(nil), "acct_B", makeEvent("t1"))
	recvEnvelope(t, fresh)
}

func TestDisconnectRemovesDeviceFromActivity(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 5, MaxRequestsPerMinute: 60}},
		map[string][]string{"acct_A": {"t1"}},
	)

	d1 := connectDevice(t, f, "acct_A", "d1")
	d2 := connectDevice(t, f, "acct_A", "d2")
	f.hub.RegisterTopics("acct_A", "d1", []string{"t1"})
	f.hub.RegisterTopics("acct_A", "d2", []string{"t1"})

	f.hub.Disconnect(d1)

	// d1 is gone from the activity snapshot and no longer receives publishes despite its stale subscription.
	devices, ok, err := f.hub.ActiveDevices(context.Background(), "acct_A")
	if err != nil || !ok {
		t.Fatalf("ActiveDevices() = (%v, %v), want snapshot", ok, err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "d2" {
		t.Errorf("devices = %+v, want only d2", devices)
	}

	f.hub.Publish(ExternalOrigin(nil), "acct_A", makeEvent("t1"))
	recvEnvelope(t, d2)
	assertNoDelivery(t, d1)
}

func TestActiveDevicesUnknownAccount(t *testing.T) {
	t.Parallel()

	f := newTestHub(t, nil, nil)
	_, ok, err := f.hub.ActiveDevices(context.Background(), "acct_missing")
	if err != nil {
		t.Fatalf("ActiveDevices() error = %v", err)
	}
	if ok {
		t.Error("ActiveDevices() ok = true for an account with no state")
	}
}

func TestDeviceOriginReachesWebhookSink(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 5, MaxRequestsPerMinute: 60}},
		map[string][]string{"acct_A": {"t1"}},
	)

	d1 := connectDevice(t, f, "acct_A", "d1")
	d2 := connectDevice(t, f, "acct_A", "d2")
	f.hub.RegisterTopics("acct_A", "d1", []string{"t1"})
	f.hub.RegisterTopics("acct_A", "d2", []string{"t1"})

	// External origin: delivered to sessions, never to webhooks.
	f.hub.Publish(ExternalOrigin(&PeerAddr{IP: "10.0.0.9", Port: 4000}), "acct_A", makeEvent("t1"))
	recvEnvelope(t, d1)
	recvEnvelope(t, d2)
	if got := f.sink.count(); got != 0 {
		t.Fatalf("sink forwards after external publish = %d, want 0", got)
	}

	// Device origin: forwarded to webhooks exactly once.
	f.hub.Publish(DeviceOrigin("d1", "devt_1"), "acct_A", makeEvent("t1"))
	recvEnvelope(t, d2)
	if got := f.sink.count(); got != 1 {
		t.Errorf("sink forwards after device publish = %d, want 1", got)
	}
}

func TestShutdownSendsRestartCloseToEverySession(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 5, MaxRequestsPerMinute: 60}},
		map[string][]string{"acct_A": {"t1"}},
	)

	sessions := []*Session{
		connectDevice(t, f, "acct_A", "d1"),
		connectDevice(t, f, "acct_A", "d2"),
		connectDevice(t, f, "acct_A", "d3"),
	}

	f.hub.Shutdown()

	for _, s := range sessions {
		frames := s.conn.(*fakeConn).closeFrames()
		if len(frames) != 1 {
			t.Fatalf("session %s close frames = %d, want exactly 1", s.deviceID, len(frames))
		}
		if frames[0].code != CloseRestart {
			t.Errorf("session %s close code = %d, want %d", s.deviceID, frames[0].code, CloseRestart)
		}
		if frames[0].reason != "new server being deployed" {
			t.Errorf("session %s close reason = %q", s.deviceID, frames[0].reason)
		}
	}

	// The hub no longer admits connections.
	late := NewSession(f.hub, newFakeConn(), SessionParams{
		AccountID: "acct_A", DeviceID: "d9", DeviceTypeID: "devt_1",
	}, zerolog.Nop())
	if err := f.hub.Connect(context.Background(), late); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Connect() after Shutdown error = %v, want ErrHubClosed", err)
	}
}

func TestTopicRelationsRefreshPropagatesChanges(t *testing.T) {
	t.Parallel()

	f := newTestHub(t,
		map[string]account.Limits{"acct_A": {MaxConnections: 5, MaxRequestsPerMinute: 600}},
		map[string][]string{"acct_A": {"t1"}},
	)

	d1 := connectDevice(t, f, "acct_A", "d1")
	d2 := connectDevice(t, f, "acct_A", "d2")
	f.hub.RegisterTopics("acct_A", "d2", []string{"t1"})

	// Allowed while the relation exists; the originator never hears its own publish.
	f.hub.Publish(DeviceOrigin("d1", "devt_1"), "acct_A", makeEvent("t1"))
	recvEnvelope(t, d2)
	assertNoDelivery(t, d1)

	// Revoke the relation; within one refresh interval publishes stop flowing.
	f.store.setRelations(map[string][]string{})

	deadline := time.Now().Add(2 * time.Second)
	for {
		drainSend(d2)
		f.hub.Publish(DeviceOrigin("d1", "devt_1"), "acct_A", makeEvent("t1"))
		time.Sleep(50 * time.Millisecond)
		if len(d2.send) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("revoked topic relation still delivering after refresh interval")
		}
	}

	// Restore it; publishes resume.
	f.store.setRelations(map[string][]string{"acct_A": {"t1"}})

	deadline = time.Now().Add(2 * time.Second)
	for {
		f.hub.Publish(DeviceOrigin("d1", "devt_1"), "acct_A", makeEvent("t1"))
		select {
		case <-d2.send:
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("restored topic relation not delivering after refresh interval")
		}
	}
}
