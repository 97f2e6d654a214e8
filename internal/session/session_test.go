package session

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/approval"
	"github.com/storyloom/storyloom/internal/billing"
	"github.com/storyloom/storyloom/internal/convosvc"
	"github.com/storyloom/storyloom/internal/display"
	"github.com/storyloom/storyloom/internal/lifecycle"
	"github.com/storyloom/storyloom/internal/stream"
	"github.com/storyloom/storyloom/internal/testutil"
	"github.com/storyloom/storyloom/internal/tools"
	"github.com/storyloom/storyloom/internal/transcript"
)

// scriptedTransport replays canned NDJSON bodies and records the request
// payloads it was opened with.
type scriptedTransport struct {
	mu       sync.Mutex
	bodies   []io.ReadCloser
	payloads []json.RawMessage
}

func scripted(bodies ...string) *scriptedTransport {
	t := &scriptedTransport{}
	for _, body := range bodies {
		t.bodies = append(t.bodies, io.NopCloser(strings.NewReader(body)))
	}
	return t
}

func (t *scriptedTransport) push(body io.ReadCloser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bodies = append(t.bodies, body)
}

func (t *scriptedTransport) opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.payloads)
}

func (t *scriptedTransport) Open(_ context.Context, payload any) (io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	t.payloads = append(t.payloads, raw)

	if len(t.bodies) == 0 {
		return io.NopCloser(strings.NewReader(`{"type":"complete"}` + "\n")), nil
	}
	body := t.bodies[0]
	t.bodies = t.bodies[1:]
	return body, nil
}

func (t *scriptedTransport) lastPayload(tb testing.TB) map[string]json.RawMessage {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	require.NotEmpty(tb, t.payloads)

	var decoded map[string]json.RawMessage
	require.NoError(tb, json.Unmarshal(t.payloads[len(t.payloads)-1], &decoded))
	return decoded
}

// heldBody emits a prologue and then blocks until closed, simulating a peer
// that stops sending mid-stream.
type heldBody struct {
	prologue *strings.Reader
	closed   chan struct{}
	once     sync.Once
}

func newHeldBody(prologue string) *heldBody {
	return &heldBody{prologue: strings.NewReader(prologue), closed: make(chan struct{})}
}

func (h *heldBody) Read(p []byte) (int, error) {
	if h.prologue.Len() > 0 {
		return h.prologue.Read(p)
	}
	<-h.closed
	return 0, io.EOF
}

func (h *heldBody) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *heldBody) Closed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

type fakeConvoService struct {
	mu      sync.Mutex
	created []convosvc.Conversation
	updates []convosvc.Status
}

func (f *fakeConvoService) Create(_ context.Context, title string) (convosvc.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := convosvc.Conversation{
		ID: "c-1", Title: title, Status: convosvc.StatusActive, LastActivityAt: time.Now().UTC(),
	}
	f.created = append(f.created, conv)
	return conv, nil
}

func (f *fakeConvoService) Update(_ context.Context, _, _ string, status convosvc.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status != "" {
		f.updates = append(f.updates, status)
	}
	return nil
}

type fakeHistory struct {
	mu          sync.Mutex
	transcripts map[string][]transcript.Message
}

func (f *fakeHistory) SaveConversation(context.Context, convosvc.Conversation) error { return nil }

func (f *fakeHistory) SaveTranscript(_ context.Context, id string, msgs []transcript.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transcripts == nil {
		f.transcripts = make(map[string][]transcript.Message)
	}
	f.transcripts[id] = msgs
	return nil
}

func (f *fakeHistory) LoadTranscript(_ context.Context, id string) ([]transcript.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcripts[id], nil
}

type noopEstimator struct{}

func (noopEstimator) Estimate(context.Context, []billing.ProposedCall) (billing.Estimate, error) {
	return billing.Estimate{SufficientBalance: true}, nil
}

func sessionRegistry() tools.Registry {
	return tools.NewStatic(
		tools.Info{Name: "generate_image_asset", DisplayName: "Generate Image", Category: "media", NeedsConfirmation: true},
		tools.Info{Name: "search_assets", DisplayName: "Search Assets", Category: "library"},
	)
}

type testSession struct {
	session   *Session
	transport *scriptedTransport
	store     *transcript.Store
	convos    *fakeConvoService
	history   *fakeHistory
}

func newTestSession(t *testing.T, bodies ...string) *testSession {
	t.Helper()
	log := testutil.NewTestLogger(t)

	store := transcript.NewStore(log)
	transport := scripted(bodies...)
	reg := sessionRegistry()
	ctrl := approval.NewController(store, reg, log)
	convos := &fakeConvoService{}
	hist := &fakeHistory{}

	sess := New(Options{
		Store:         store,
		Client:        stream.NewClientWithTransport(transport, log),
		Consumer:      stream.NewConsumer(store, time.Minute, log),
		Controller:    ctrl,
		AutoAccept:    approval.NewAutoAccept(ctrl, noopEstimator{}, nil, time.Millisecond, log),
		Registry:      reg,
		Conversations: convos,
		History:       hist,
		PreemptGrace:  50 * time.Millisecond,
		Logger:        log,
	})
	return &testSession{session: sess, transport: transport, store: store, convos: convos, history: hist}
}

const completedTurn = `{"type":"user_message_id","id":"srv-u1"}
{"type":"assistant_message_id","id":"a1"}
{"type":"content_delta","delta":"Here is the outline."}
{"type":"complete"}
`

const interruptedTurn = `{"type":"user_message_id","id":"srv-u1"}
{"type":"assistant_message_id","id":"a1"}
{"type":"content_delta","delta":"I will generate the poster."}
{"type":"tool_call_start","tool_call":{"id":"t1","name":"generate_image_asset","arguments":{"prompt":"noir skyline"}}}
{"type":"interrupt"}
`

const resumedCompletion = `{"type":"assistant_message_id","id":"a1"}
{"type":"tool_call_end","tool_result":{"id":"t1","name":"generate_image_asset","success":true,"result":{"assetId":"img-9"}}}
{"type":"content_delta","delta":" Done."}
{"type":"complete"}
`

const resumedSecondInterrupt = `{"type":"assistant_message_id","id":"a1"}
{"type":"tool_call_end","tool_result":{"id":"t1","name":"generate_image_asset","success":true,"result":{"assetId":"img-9"}}}
{"type":"content_delta","delta":" Next, the hero shot."}
{"type":"tool_call_start","tool_call":{"id":"t2","name":"generate_image_asset","arguments":{"prompt":"hero shot"}}}
{"type":"interrupt"}
`

const resumedFinalCompletion = `{"type":"assistant_message_id","id":"a1"}
{"type":"tool_call_end","tool_result":{"id":"t2","name":"generate_image_asset","success":true,"result":{"assetId":"img-10"}}}
{"type":"complete"}
`

func TestSend_CompletedTurn(t *testing.T) {
	ts := newTestSession(t, completedTurn)

	outcome, err := ts.session.Send(context.Background(), "Outline episode two")
	require.NoError(t, err)
	assert.True(t, outcome.Completed)

	// Conversation was created lazily with a bootstrap title.
	require.Len(t, ts.convos.created, 1)
	assert.Equal(t, "Outline episode two", ts.convos.created[0].Title)
	assert.Equal(t, "c-1", ts.session.ConversationID())

	// The send payload carried the conversation id.
	payload := ts.transport.lastPayload(t)
	assert.JSONEq(t, `"c-1"`, string(payload["conversationId"]))

	assert.Equal(t, convosvc.StatusCompleted, ts.session.Status())
	assert.NotEmpty(t, ts.history.transcripts["c-1"])
}

func TestSend_InterruptArmsApproval(t *testing.T) {
	ts := newTestSession(t, interruptedTurn)

	outcome, err := ts.session.Send(context.Background(), "Make a poster")
	require.NoError(t, err)
	assert.True(t, outcome.Interrupted)
	assert.Equal(t, "a1", outcome.AssistantMessageID)

	pending, ok := ts.session.Controller().Pending()
	require.True(t, ok)
	require.Len(t, pending.Calls, 1)
	assert.Equal(t, "t1", pending.Calls[0].ID)

	assert.Equal(t, convosvc.StatusAwaitingApproval, ts.session.Status())
	assert.Contains(t, ts.convos.updates, convosvc.StatusAwaitingApproval)
}

func TestApprove_ResumesAndCompletes(t *testing.T) {
	ts := newTestSession(t, interruptedTurn, resumedCompletion)

	_, err := ts.session.Send(context.Background(), "Make a poster")
	require.NoError(t, err)

	outcome, err := ts.session.Approve(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Completed)

	payload := ts.transport.lastPayload(t)
	assert.JSONEq(t, `"c-1"`, string(payload["resumeConversationId"]))

	var value stream.ResumeValue
	require.NoError(t, json.Unmarshal(payload["resumeValue"], &value))
	assert.True(t, value.Approved)

	snap := ts.store.Snapshot()
	res := lifecycle.Resolve(snap, sessionRegistry(), "t1")
	assert.Equal(t, lifecycle.StatusCompleted, res.Status)

	_, pending := ts.session.Controller().Pending()
	assert.False(t, pending)
	assert.Equal(t, convosvc.StatusCompleted, ts.session.Status())
}

func TestReject_WithFeedback(t *testing.T) {
	ts := newTestSession(t, interruptedTurn, completedTurn)

	_, err := ts.session.Send(context.Background(), "Make a poster")
	require.NoError(t, err)

	_, err = ts.session.Reject(context.Background(), "Use daylight instead")
	require.NoError(t, err)

	payload := ts.transport.lastPayload(t)
	var value stream.ResumeValue
	require.NoError(t, json.Unmarshal(payload["resumeValue"], &value))
	assert.False(t, value.Approved)
	assert.Equal(t, "Use daylight instead", value.Feedback)

	res := lifecycle.Resolve(ts.store.Snapshot(), sessionRegistry(), "t1")
	assert.Equal(t, lifecycle.StatusRejected, res.Status)
}

func TestSend_OverridesDanglingApproval(t *testing.T) {
	ts := newTestSession(t, interruptedTurn, completedTurn)

	_, err := ts.session.Send(context.Background(), "Make a poster")
	require.NoError(t, err)
	_, ok := ts.session.Controller().Pending()
	require.True(t, ok)

	// A fresh message while awaiting approval implicitly rejects the
	// pending call before starting the new turn.
	outcome, err := ts.session.Send(context.Background(), "Actually, outline episode two")
	require.NoError(t, err)
	assert.True(t, outcome.Completed)

	res := lifecycle.Resolve(ts.store.Snapshot(), sessionRegistry(), "t1")
	assert.Equal(t, lifecycle.StatusRejected, res.Status)
	_, ok = ts.session.Controller().Pending()
	assert.False(t, ok)
}

func TestResume_RestoresCachedTranscript(t *testing.T) {
	ts := newTestSession(t)
	ts.history.transcripts = map[string][]transcript.Message{
		"c-7": {
			{ID: "u1", Role: transcript.RoleUser, Content: "Earlier message"},
			{ID: "a1", Role: transcript.RoleAssistant, Content: "Earlier reply"},
		},
	}

	err := ts.session.Resume(context.Background(), convosvc.Conversation{ID: "c-7", Title: "Older chat"})
	require.NoError(t, err)

	assert.Equal(t, "c-7", ts.session.ConversationID())
	assert.Equal(t, "Older chat", ts.session.Title())
	assert.Len(t, ts.store.Snapshot().Messages, 2)
}

func TestResume_RearmsPendingApproval(t *testing.T) {
	ts := newTestSession(t, resumedCompletion)
	ts.history.transcripts = map[string][]transcript.Message{
		"c-7": {
			{ID: "u1", Role: transcript.RoleUser, Content: "Make a poster"},
			{
				ID: "a1", Role: transcript.RoleAssistant, Content: "I will generate the poster.",
				Interrupted: true,
				ToolCalls: []transcript.ToolCall{
					{ID: "t1", Name: "generate_image_asset", Arguments: `{"prompt":"noir skyline"}`},
				},
			},
		},
	}

	err := ts.session.Resume(context.Background(), convosvc.Conversation{ID: "c-7", Title: "Poster chat"})
	require.NoError(t, err)

	// The restored conversation is still paused: the controller is armed
	// again so approve works after a restart.
	assert.Equal(t, convosvc.StatusAwaitingApproval, ts.session.Status())
	pending, ok := ts.session.Controller().Pending()
	require.True(t, ok)
	require.Len(t, pending.Calls, 1)
	assert.Equal(t, "t1", pending.Calls[0].ID)

	outcome, err := ts.session.Approve(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Completed)
}

func TestAutoAccept_ChainsAcrossInterrupts(t *testing.T) {
	ts := newTestSession(t, interruptedTurn, resumedSecondInterrupt, resumedFinalCompletion)
	ts.session.AutoAccept().Enable()

	outcome, err := ts.session.Send(context.Background(), "Make two posters")
	require.NoError(t, err)
	assert.True(t, outcome.Interrupted)

	// Both interrupts are approved without manual action; the second gate
	// must survive the first gate's teardown.
	require.Eventually(t, func() bool {
		return ts.session.Status() == convosvc.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	for _, id := range []string{"t1", "t2"} {
		res := lifecycle.Resolve(ts.store.Snapshot(), sessionRegistry(), id)
		assert.Equal(t, lifecycle.StatusCompleted, res.Status, id)
	}
	_, pending := ts.session.Controller().Pending()
	assert.False(t, pending)
	assert.False(t, ts.session.AutoAccept().Enabled())
}

func TestCancel_AbortsAutoResume(t *testing.T) {
	ts := newTestSession(t, interruptedTurn)
	held := newHeldBody(`{"type":"assistant_message_id","id":"a1"}` + "\n")
	ts.transport.push(held)
	ts.session.AutoAccept().Enable()

	_, err := ts.session.Send(context.Background(), "Make a poster")
	require.NoError(t, err)

	// The gate's resume stream opens in the background and stalls.
	require.Eventually(t, func() bool {
		return ts.transport.opened() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Cancel reaches the auto-started stream through the same inflight
	// bookkeeping as a manual turn.
	ts.session.Cancel()
	require.Eventually(t, held.Closed, 2*time.Second, 5*time.Millisecond)

	// The aborted resume leaves the batch pending for manual handling.
	_, pending := ts.session.Controller().Pending()
	assert.True(t, pending)
}

func TestSteps_ReflectTranscript(t *testing.T) {
	ts := newTestSession(t, interruptedTurn)

	_, err := ts.session.Send(context.Background(), "Make a poster")
	require.NoError(t, err)

	steps := ts.session.Steps()
	require.NotEmpty(t, steps)
	last := steps[len(steps)-1]
	assert.Equal(t, display.StepToolCalls, last.Kind)
}

func TestBootstrapTitle(t *testing.T) {
	assert.Equal(t, "Outline the pilot", bootstrapTitle("  Outline   the pilot \n"))
	assert.Equal(t, "Untitled conversation", bootstrapTitle("   "))

	long := strings.Repeat("storyboard ", 20)
	title := bootstrapTitle(long)
	assert.LessOrEqual(t, len([]rune(title)), maxTitleLength+1)
	assert.True(t, strings.HasSuffix(title, "…"))
}
