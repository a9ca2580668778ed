package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"voicelink/internal/domain"
	"voicelink/internal/peer"
	"voicelink/internal/transcript"
)

func TestStartOpensChannelAndForwardsEvents(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.controller.Start(context.Background())
	h.controller.Start(context.Background())

	if opens := h.channel.snapshotOpens(); len(opens) != 1 || opens[0] != "ws://agent/ws" {
		t.Fatalf("expected one channel open, got %v", opens)
	}

	h.peer.listener.SessionStateChanged(domain.SessionStateConnected)
	h.peer.listener.LocalAudioAvailable("audio-1")
	h.channel.listener.TranscriptUpdated(domain.Transcript{ConversationID: "c", Messages: []domain.TranscriptMessage{{Role: domain.RoleAgent, Content: "hi"}}})
	h.channel.listener.ChannelStateChanged(domain.ChannelStateOpen)
	h.channel.listener.ChannelExhausted(&domain.ChannelReconnectExhaustedError{Attempts: 10})

	if states := h.events.snapshotStates(); len(states) != 1 || states[0] != domain.SessionStateConnected {
		t.Fatalf("unexpected session states: %v", states)
	}
	if tracks := h.events.snapshotTracks(); len(tracks) != 1 || tracks[0] != "audio-1" {
		t.Fatalf("unexpected local audio events: %v", tracks)
	}
	if transcripts := h.events.snapshotTranscripts(); len(transcripts) != 1 || transcripts[0].ConversationID != "c" {
		t.Fatalf("unexpected transcript events: %v", transcripts)
	}
	if channels := h.events.snapshotChannels(); len(channels) != 1 || channels[0] != domain.ChannelStateOpen {
		t.Fatalf("unexpected channel events: %v", channels)
	}
	if errs := h.events.snapshotErrors(); len(errs) != 1 || errs[0].code != domain.ErrorCodeChannel {
		t.Fatalf("expected exhausted channel error, got %v", errs)
	}
}

func TestShutdownDisconnectsAndUnsubscribes(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.controller.Start(context.Background())
	h.controller.Shutdown()

	if h.peer.snapshotDisconnects() != 1 || h.channel.snapshotCloses() != 1 {
		t.Fatalf("expected peer disconnect and channel close")
	}
	if h.peer.subscribed() || h.channel.subscribed() {
		t.Fatalf("expected listeners to be removed")
	}
}

func TestConnectEnsuresConversationAndUsesRememberedDevices(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.controller.Start(context.Background())

	if err := h.controller.SetInputDevice(context.Background(), " mic-2 "); err != nil {
		t.Fatalf("set input failed: %v", err)
	}
	if err := h.controller.SetOutputDevice(context.Background(), "speakers"); err != nil {
		t.Fatalf("set output failed: %v", err)
	}
	if err := h.controller.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	calls := h.peer.snapshotConnects()
	if len(calls) != 1 {
		t.Fatalf("expected one connect, got %d", len(calls))
	}
	if calls[0].endpoint != "http://agent/offer" {
		t.Fatalf("unexpected endpoint: %q", calls[0].endpoint)
	}
	if calls[0].opts != (peer.ConnectOptions{AudioInputID: "mic-2", AudioOutputID: "speakers"}) {
		t.Fatalf("unexpected connect options: %+v", calls[0].opts)
	}
	if h.channel.Snapshot().ConversationID == "" {
		t.Fatalf("expected conversation id before connecting")
	}
	if opens := h.channel.snapshotOpens(); len(opens) != 1 {
		t.Fatalf("open channel must not be reopened, got %v", opens)
	}
}

func TestConnectReopensClosedChannel(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.channel.setState(domain.ChannelStateExhausted)

	if err := h.controller.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if opens := h.channel.snapshotOpens(); len(opens) != 1 {
		t.Fatalf("expected channel to be reopened, got %v", opens)
	}
}

func TestConnectDefaultsToConfiguredDevices(t *testing.T) {
	t.Parallel()

	h := newHarnessWithConfig(Config{
		OfferURL:     "http://agent/offer",
		InputDevice:  "default-mic",
		OutputDevice: "default-out",
	})
	if err := h.controller.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	calls := h.peer.snapshotConnects()
	if calls[0].opts.AudioInputID != "default-mic" || calls[0].opts.AudioOutputID != "default-out" {
		t.Fatalf("unexpected connect options: %+v", calls[0].opts)
	}
}

func TestConnectFailureReportsErrorCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code domain.ErrorCode
	}{
		{&domain.MediaAccessError{Err: errors.New("denied")}, domain.ErrorCodeMediaAccess},
		{&domain.SignalingError{Status: 503}, domain.ErrorCodeSignaling},
		{&domain.NegotiationStateError{Expected: "have-local-offer", Actual: "stable"}, domain.ErrorCodeNegotiation},
		{errors.New("ice failed"), domain.ErrorCodeConnection},
	}
	for _, tc := range cases {
		h := newHarness()
		h.peer.connectErr = tc.err

		if err := h.controller.Connect(context.Background()); !errors.Is(err, tc.err) {
			t.Fatalf("expected %v, got %v", tc.err, err)
		}
		errs := h.events.snapshotErrors()
		if len(errs) != 1 || errs[0].code != tc.code {
			t.Fatalf("%v: expected code %s, got %v", tc.err, tc.code, errs)
		}
	}
}

func TestConnectAbandonedIsNotReported(t *testing.T) {
	t.Parallel()

	for _, abandoned := range []error{domain.ErrSuperseded, domain.ErrDisconnected} {
		h := newHarness()
		h.peer.connectErr = abandoned

		if err := h.controller.Connect(context.Background()); !errors.Is(err, abandoned) {
			t.Fatalf("expected %v, got %v", abandoned, err)
		}
		if errs := h.events.snapshotErrors(); len(errs) != 0 {
			t.Fatalf("expected no error events, got %v", errs)
		}
	}
}

func TestFailedSessionStateReportsConnectionError(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.controller.Start(context.Background())
	h.peer.listener.SessionStateChanged(domain.SessionStateFailed)

	if errs := h.events.snapshotErrors(); len(errs) != 1 || errs[0].code != domain.ErrorCodeConnection {
		t.Fatalf("expected connection error, got %v", errs)
	}
}

func TestDisconnectKeepsTranscript(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.channel.LoadConversation("conv-7", []domain.TranscriptMessage{{Role: domain.RoleUser, Content: "keep me"}})

	h.controller.Disconnect()

	if h.peer.snapshotDisconnects() != 1 {
		t.Fatalf("expected peer disconnect")
	}
	if h.channel.snapshotCloses() != 0 {
		t.Fatalf("transcript channel must stay open")
	}
	if got := h.controller.Transcript(); got.ConversationID != "conv-7" || len(got.Messages) != 1 {
		t.Fatalf("expected transcript to survive disconnect, got %+v", got)
	}
}

func TestDeviceSwitchFailureIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness()
	switchErr := &domain.DeviceSwitchError{Kind: domain.DeviceKindAudioInput, DeviceID: "bad", Err: errors.New("busy")}
	h.peer.inputErr = switchErr
	h.peer.outputErr = errors.New("no such sink")

	if err := h.controller.SetInputDevice(context.Background(), "bad"); !errors.Is(err, switchErr) {
		t.Fatalf("expected switch error, got %v", err)
	}
	if err := h.controller.SetOutputDevice(context.Background(), "gone"); err == nil {
		t.Fatalf("expected output switch error")
	}
	errs := h.events.snapshotErrors()
	if len(errs) != 2 || errs[0].code != domain.ErrorCodeDeviceSwitch || errs[1].code != domain.ErrorCodeDeviceSwitch {
		t.Fatalf("expected device switch errors, got %v", errs)
	}

	// The choice is still remembered for the next session.
	if err := h.controller.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if opts := h.peer.snapshotConnects()[0].opts; opts.AudioInputID != "bad" || opts.AudioOutputID != "gone" {
		t.Fatalf("unexpected connect options: %+v", opts)
	}
}

func TestToggleMuteAndStatus(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.peer.setState(domain.SessionStateConnected)
	h.channel.LoadConversation("conv-3", nil)

	if !h.controller.ToggleMute() {
		t.Fatalf("expected muted")
	}
	status := h.controller.Status()
	want := domain.Status{
		State:          domain.SessionStateConnected,
		Active:         true,
		Muted:          true,
		Channel:        domain.ChannelStateOpen,
		ConversationID: "conv-3",
	}
	if status != want {
		t.Fatalf("expected %+v, got %+v", want, status)
	}
	if h.controller.ToggleMute() {
		t.Fatalf("expected unmuted")
	}
}

func TestConversationChangesLockedWhileConnected(t *testing.T) {
	t.Parallel()

	for _, state := range []domain.SessionState{domain.SessionStateConnecting, domain.SessionStateConnected} {
		h := newHarness()
		h.peer.setState(state)

		if _, err := h.controller.NewConversation(); !errors.Is(err, domain.ErrConversationLocked) {
			t.Fatalf("%s: expected locked error, got %v", state, err)
		}
		if _, err := h.controller.LoadConversation(context.Background(), "conv-1"); !errors.Is(err, domain.ErrConversationLocked) {
			t.Fatalf("%s: expected locked error, got %v", state, err)
		}
		if h.store.snapshotGets() != 0 {
			t.Fatalf("%s: store must not be queried while locked", state)
		}
	}
}

func TestNewConversationClearsTranscript(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.peer.setState(domain.SessionStateDisconnected)
	h.channel.LoadConversation("old", []domain.TranscriptMessage{{Role: domain.RoleUser, Content: "x"}})

	conversation, err := h.controller.NewConversation()
	if err != nil {
		t.Fatalf("new conversation failed: %v", err)
	}
	if conversation.ConversationID == "" || conversation.ConversationID == "old" || len(conversation.Messages) != 0 {
		t.Fatalf("unexpected conversation: %+v", conversation)
	}
}

func TestLoadConversationAdoptsPersistedSession(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.records["conv-9"] = domain.SessionRecord{
		ID:       "conv-9",
		Messages: []domain.TranscriptMessage{{Role: domain.RoleUser, Content: "hello"}, {Role: domain.RoleAgent, Content: "hi"}},
	}

	conversation, err := h.controller.LoadConversation(context.Background(), "conv-9")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if conversation.ConversationID != "conv-9" || len(conversation.Messages) != 2 {
		t.Fatalf("unexpected conversation: %+v", conversation)
	}
	if h.controller.Status().ConversationID != "conv-9" {
		t.Fatalf("expected loaded conversation to become active")
	}
}

func TestLoadConversationFailureIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness()
	if _, err := h.controller.LoadConversation(context.Background(), "missing"); err == nil {
		t.Fatalf("expected load error")
	}
	if errs := h.events.snapshotErrors(); len(errs) != 1 || errs[0].code != domain.ErrorCodeHistory {
		t.Fatalf("expected history error, got %v", errs)
	}
	if h.channel.Snapshot().ConversationID != "" {
		t.Fatalf("failed load must not touch the transcript")
	}
}

func TestListConversationsUsesLimit(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.summaries = []domain.SessionSummary{{ID: "a", MessageCount: 2}}

	sessions, err := h.controller.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "a" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if h.store.lastLimit != 50 {
		t.Fatalf("expected default limit 50, got %d", h.store.lastLimit)
	}

	h.store.listErr = errors.New("offline")
	if _, err := h.controller.ListConversations(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
	if errs := h.events.snapshotErrors(); len(errs) != 1 || errs[0].code != domain.ErrorCodeHistory {
		t.Fatalf("expected history error, got %v", errs)
	}
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.devices.devices = []domain.Device{{ID: "mic", Label: "Mic", Kind: domain.DeviceKindAudioInput}}

	devices, err := h.controller.ListDevices(context.Background())
	if err != nil || len(devices) != 1 || devices[0].ID != "mic" {
		t.Fatalf("unexpected devices %+v err=%v", devices, err)
	}

	h.devices.err = errors.New("pactl missing")
	if _, err := h.controller.ListDevices(context.Background()); err == nil {
		t.Fatalf("expected enumerate error")
	}
	if errs := h.events.snapshotErrors(); len(errs) != 1 || errs[0].code != domain.ErrorCodeMediaAccess {
		t.Fatalf("expected media access error, got %v", errs)
	}
}

func TestExportTranscriptCopiesFormattedText(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.channel.LoadConversation("conv-1", []domain.TranscriptMessage{{Role: domain.RoleUser, Content: "hi"}})

	result, err := h.controller.ExportTranscript(context.Background())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if result.Text != "user: hi" || !result.Copied {
		t.Fatalf("unexpected export result: %+v", result)
	}
	if h.clipboard.snapshotText() != "user: hi" {
		t.Fatalf("clipboard did not receive formatted transcript")
	}
}

type harness struct {
	controller *SessionController
	peer       *fakePeerSession
	channel    *fakeChannel
	store      *fakeStore
	devices    *fakeDevices
	clipboard  *fakeClipboard
	events     *fakeEventSink
}

func newHarness() *harness {
	return newHarnessWithConfig(Config{OfferURL: "http://agent/offer", TranscriptURL: "ws://agent/ws"})
}

func newHarnessWithConfig(cfg Config) *harness {
	h := &harness{
		peer:      &fakePeerSession{state: domain.SessionStateIdle},
		channel:   &fakeChannel{state: domain.ChannelStateOpen},
		store:     &fakeStore{records: map[string]domain.SessionRecord{}},
		devices:   &fakeDevices{},
		clipboard: &fakeClipboard{},
		events:    &fakeEventSink{},
	}
	h.controller = NewSessionController(h.peer, h.channel, h.store, h.devices, fakeFormatter{}, h.clipboard, h.events, cfg, nil)
	return h
}

type connectCall struct {
	endpoint string
	opts     peer.ConnectOptions
}

type fakePeerSession struct {
	mu          sync.Mutex
	state       domain.SessionState
	muted       bool
	listener    peer.Listener
	connects    []connectCall
	connectErr  error
	inputErr    error
	outputErr   error
	disconnects int
}

func (f *fakePeerSession) Subscribe(l peer.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listener = nil
	}
}

func (f *fakePeerSession) State() domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePeerSession) setState(state domain.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakePeerSession) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakePeerSession) Connect(_ context.Context, endpoint string, opts peer.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, connectCall{endpoint: endpoint, opts: opts})
	return f.connectErr
}

func (f *fakePeerSession) UpdateInputDevice(context.Context, string) error  { return f.inputErr }
func (f *fakePeerSession) UpdateOutputDevice(context.Context, string) error { return f.outputErr }

func (f *fakePeerSession) ToggleMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted
}

func (f *fakePeerSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakePeerSession) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener != nil
}

func (f *fakePeerSession) snapshotConnects() []connectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectCall(nil), f.connects...)
}

func (f *fakePeerSession) snapshotDisconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeChannel struct {
	mu       sync.Mutex
	state    domain.ChannelState
	listener transcript.Listener
	buffer   domain.Transcript
	opens    []string
	closes   int
	minted   int
}

func (f *fakeChannel) Subscribe(l transcript.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listener = nil
	}
}

func (f *fakeChannel) Open(_ context.Context, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, url)
	f.state = domain.ChannelStateConnecting
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.state = domain.ChannelStateClosed
}

func (f *fakeChannel) State() domain.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(state domain.ChannelState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeChannel) Snapshot() domain.Transcript {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.Transcript{
		ConversationID: f.buffer.ConversationID,
		Messages:       append([]domain.TranscriptMessage(nil), f.buffer.Messages...),
	}
}

func (f *fakeChannel) NewConversation() domain.Transcript {
	f.mu.Lock()
	f.minted++
	f.buffer = domain.Transcript{ConversationID: "minted-" + string(rune('0'+f.minted))}
	f.mu.Unlock()
	return f.Snapshot()
}

func (f *fakeChannel) EnsureConversation() domain.Transcript {
	f.mu.Lock()
	if f.buffer.ConversationID == "" {
		f.minted++
		f.buffer.ConversationID = "minted-" + string(rune('0'+f.minted))
	}
	f.mu.Unlock()
	return f.Snapshot()
}

func (f *fakeChannel) LoadConversation(id string, messages []domain.TranscriptMessage) domain.Transcript {
	f.mu.Lock()
	f.buffer = domain.Transcript{ConversationID: id, Messages: append([]domain.TranscriptMessage(nil), messages...)}
	f.mu.Unlock()
	return f.Snapshot()
}

func (f *fakeChannel) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener != nil
}

func (f *fakeChannel) snapshotOpens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opens...)
}

func (f *fakeChannel) snapshotCloses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeStore struct {
	mu        sync.Mutex
	summaries []domain.SessionSummary
	records   map[string]domain.SessionRecord
	listErr   error
	lastLimit int
	gets      int
}

func (f *fakeStore) List(_ context.Context, limit int) ([]domain.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.summaries, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	record, ok := f.records[id]
	if !ok {
		return domain.SessionRecord{}, errors.New("session not found")
	}
	return record, nil
}

func (f *fakeStore) snapshotGets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

type fakeDevices struct {
	devices []domain.Device
	err     error
}

func (f *fakeDevices) EnumerateDevices(context.Context) ([]domain.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.devices, nil
}

type fakeFormatter struct {
	err error
}

func (f fakeFormatter) Transcript(messages []domain.TranscriptMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	text := ""
	for i, msg := range messages {
		if i > 0 {
			text += "\n"
		}
		text += string(msg.Role) + ": " + msg.Content
	}
	return text, nil
}

type fakeClipboard struct {
	mu       sync.Mutex
	lastText string
	err      error
}

func (f *fakeClipboard) SetText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastText = text
	return f.err
}

func (f *fakeClipboard) snapshotText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastText
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu sync.Mutex

	states      []domain.SessionState
	tracks      []string
	transcripts []domain.Transcript
	channels    []domain.ChannelState
	liveViews   []string
	errors      []errEvent
}

func (f *fakeEventSink) SessionStateChanged(state domain.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeEventSink) LocalAudioAvailable(trackID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, trackID)
}

func (f *fakeEventSink) TranscriptUpdated(t domain.Transcript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, t)
}

func (f *fakeEventSink) ChannelStateChanged(state domain.ChannelState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, state)
}

func (f *fakeEventSink) LiveViewChanged(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveViews = append(f.liveViews, url)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionState(nil), f.states...)
}

func (f *fakeEventSink) snapshotTracks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tracks...)
}

func (f *fakeEventSink) snapshotTranscripts() []domain.Transcript {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Transcript(nil), f.transcripts...)
}

func (f *fakeEventSink) snapshotChannels() []domain.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChannelState(nil), f.channels...)
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errEvent(nil), f.errors...)
}
