// Package session orchestrates one conversation: it owns the transcript
// store, drives send/resume streams through the protocol consumer, hands
// interrupts to the approval controller, and keeps the conversation service
// and local history cache in sync.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/approval"
	"github.com/storyloom/storyloom/internal/constants"
	"github.com/storyloom/storyloom/internal/convosvc"
	"github.com/storyloom/storyloom/internal/display"
	"github.com/storyloom/storyloom/internal/stream"
	"github.com/storyloom/storyloom/internal/tools"
	"github.com/storyloom/storyloom/internal/transcript"
)

// maxTitleLength bounds the bootstrapped conversation title.
const maxTitleLength = 60

// ConversationService is the subset of the conversation persistence client
// the session needs.
type ConversationService interface {
	Create(ctx context.Context, title string) (convosvc.Conversation, error)
	Update(ctx context.Context, id, title string, status convosvc.Status) error
}

// HistoryCache is the subset of the local history store the session needs.
// It may be absent; the session then runs memory-only.
type HistoryCache interface {
	SaveConversation(ctx context.Context, conv convosvc.Conversation) error
	SaveTranscript(ctx context.Context, conversationID string, msgs []transcript.Message) error
	LoadTranscript(ctx context.Context, conversationID string) ([]transcript.Message, error)
}

// Options wires a Session.
type Options struct {
	Store      *transcript.Store
	Client     *stream.Client
	Consumer   *stream.Consumer
	Controller *approval.Controller
	AutoAccept *approval.AutoAccept
	Registry   tools.Registry

	// Conversations may be nil; the session then never persists
	// server-side conversation records.
	Conversations ConversationService

	// History may be nil; the session then keeps no local cache.
	History HistoryCache

	// PreemptGrace bounds how long Send waits for a cancelled in-flight
	// stream to wind down. Zero selects the default.
	PreemptGrace time.Duration

	Logger zerolog.Logger
}

// Session is the per-conversation orchestrator. Stream consumption runs in
// the calling goroutine; a concurrent Send preempts the in-flight stream
// before starting its own, so at most one stream writes to the transcript
// at a time.
type Session struct {
	store      *transcript.Store
	client     *stream.Client
	consumer   *stream.Consumer
	controller *approval.Controller
	auto       *approval.AutoAccept
	reg        tools.Registry
	convos     ConversationService
	history    HistoryCache
	grace      time.Duration
	log        zerolog.Logger

	mu             sync.Mutex
	conversationID string
	title          string
	inflight       *inflightStream
	last           lastOutcome
}

// lastOutcome stashes how the most recent resumed stream ended, so
// resumeTurn can report it after the controller call returns.
type lastOutcome struct {
	outcome stream.Outcome
	err     error
}

type inflightStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Session.
func New(opts Options) *Session {
	grace := opts.PreemptGrace
	if grace <= 0 {
		grace = constants.DefaultPreemptGrace
	}
	return &Session{
		store:      opts.Store,
		client:     opts.Client,
		consumer:   opts.Consumer,
		controller: opts.Controller,
		auto:       opts.AutoAccept,
		reg:        opts.Registry,
		convos:     opts.Conversations,
		history:    opts.History,
		grace:      grace,
		log:        opts.Logger.With().Str("component", "session").Logger(),
	}
}

// ConversationID returns the backend conversation id, or "" before the
// first send.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Title returns the conversation title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Status derives the conversation-level status from engine state.
func (s *Session) Status() convosvc.Status {
	if _, pending := s.controller.Pending(); pending {
		return convosvc.StatusAwaitingApproval
	}
	if _, streaming := s.store.Snapshot().StreamingMessage(); streaming {
		return convosvc.StatusActive
	}
	if len(s.store.Snapshot().Messages) == 0 {
		return convosvc.StatusActive
	}
	return convosvc.StatusCompleted
}

// Steps rebuilds the render-ready timeline from the current transcript.
func (s *Session) Steps() []display.Step {
	return display.Build(s.store.Snapshot(), s.reg)
}

// AutoAccept exposes the auto-accept layer for toggling.
func (s *Session) AutoAccept() *approval.AutoAccept { return s.auto }

// Controller exposes the approval controller for per-item operations
// (disable, enable, parameter edits, diff previews).
func (s *Session) Controller() *approval.Controller { return s.controller }

// Resume opens a previously cached conversation: the local transcript is
// restored so display reconstruction has history to work from.
func (s *Session) Resume(ctx context.Context, conv convosvc.Conversation) error {
	s.mu.Lock()
	s.conversationID = conv.ID
	s.title = conv.Title
	s.mu.Unlock()

	if s.history == nil {
		return nil
	}
	msgs, err := s.history.LoadTranscript(ctx, conv.ID)
	if err != nil {
		return err
	}
	s.store.Clear()
	for _, msg := range msgs {
		s.store.Append(msg)
	}

	// A conversation cached while paused for approval restores to the same
	// paused state: an interrupted assistant message with unanswered
	// confirmable calls re-arms the controller, so approve and reject work
	// across a restart.
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Role != transcript.RoleAssistant {
			continue
		}
		if msg.Interrupted {
			if err := s.controller.Capture(msg.ID); err != nil {
				s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("restored interrupt had no confirmable calls")
			}
		}
		break
	}

	s.log.Info().Str("conversation_id", conv.ID).Int("messages", len(msgs)).Msg("conversation restored")
	return nil
}

// Send starts a new turn and blocks until its stream ends. A pending
// approval is first resolved as an implicit rejection; a stream still in
// flight from a previous Send is cancelled and given a short grace period
// to wind down.
func (s *Session) Send(ctx context.Context, message string) (stream.Outcome, error) {
	// A dangling approval is never silently lost: the new input
	// overrides it as an explicit rejection.
	s.auto.CancelPending()
	s.controller.ResolveDangling()

	s.preempt()

	if err := s.ensureConversation(ctx, message); err != nil {
		return stream.Outcome{}, err
	}

	localID := uuid.NewString()
	s.store.Append(transcript.Message{
		ID:        localID,
		Role:      transcript.RoleUser,
		Content:   message,
		CreatedAt: time.Now().UTC(),
	})

	runCtx, in := s.beginStream(ctx)
	defer close(in.done)

	body, err := s.client.Send(runCtx, stream.SendRequest{
		Message:        message,
		ConversationID: s.ConversationID(),
	})
	if err != nil {
		s.clearInflight(in)
		return stream.Outcome{}, err
	}

	outcome, err := s.consumer.Run(runCtx, body, stream.RunOptions{LocalUserMessageID: localID})
	s.clearInflight(in)
	s.afterTurn(ctx, outcome)
	return outcome, err
}

// Approve approves the pending batch and consumes the resumed stream.
func (s *Session) Approve(ctx context.Context) (stream.Outcome, error) {
	return s.resumeTurn(ctx, func(rctx context.Context) error {
		return s.controller.Approve(rctx, s.resumeFunc())
	})
}

// Reject declines the pending batch, optionally with free-text feedback,
// and consumes the resumed stream.
func (s *Session) Reject(ctx context.Context, feedback string) (stream.Outcome, error) {
	return s.resumeTurn(ctx, func(rctx context.Context) error {
		return s.controller.Reject(rctx, feedback, s.resumeFunc())
	})
}

// resumeTurn shares the stream bookkeeping between Approve and Reject. The
// controller builds the resume payload; resumeFunc captures how the
// resumed stream ended.
func (s *Session) resumeTurn(ctx context.Context, invoke func(context.Context) error) (stream.Outcome, error) {
	s.auto.CancelPending()
	s.preempt()

	runCtx, in := s.beginStream(ctx)
	defer close(in.done)
	defer s.clearInflight(in)

	if err := invoke(runCtx); err != nil {
		return stream.Outcome{}, err
	}

	s.mu.Lock()
	last := s.last
	s.last = lastOutcome{}
	s.mu.Unlock()

	s.afterTurn(ctx, last.outcome)
	return last.outcome, last.err
}

// resumeFunc adapts the approval controller's ResumeFunc to the stream
// client and consumer. The consumed outcome is stashed for resumeTurn. A
// stream-level failure after the resume call was accepted is not reported
// as a resume failure: the decision was applied, the turn just ended badly.
func (s *Session) resumeFunc() approval.ResumeFunc {
	return func(rctx context.Context, value stream.ResumeValue) error {
		body, err := s.client.Resume(rctx, stream.ResumeRequest{
			ResumeConversationID: s.ConversationID(),
			ResumeValue:          value,
		})
		if err != nil {
			return err
		}
		outcome, err := s.consumer.Run(rctx, body, stream.RunOptions{})
		s.mu.Lock()
		s.last = lastOutcome{outcome: outcome, err: err}
		s.mu.Unlock()
		return nil
	}
}

// Cancel aborts the in-flight stream, if any.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil {
		s.inflight.cancel()
	}
}

// preempt cancels a stream left in flight by a previous Send and waits up
// to the grace period for it to wind down.
func (s *Session) preempt() {
	s.mu.Lock()
	inflight := s.inflight
	s.mu.Unlock()
	if inflight == nil {
		return
	}

	inflight.cancel()
	select {
	case <-inflight.done:
	case <-time.After(s.grace):
		s.log.Warn().Msg("in-flight stream did not wind down within grace period")
	}
}

func (s *Session) beginStream(ctx context.Context) (context.Context, *inflightStream) {
	runCtx, cancel := context.WithCancel(ctx)
	in := &inflightStream{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.inflight = in
	s.mu.Unlock()
	return runCtx, in
}

// clearInflight releases a stream's slot. The identity check keeps a
// finishing stream from clobbering one a newer turn already registered.
func (s *Session) clearInflight(in *inflightStream) {
	in.cancel()
	s.mu.Lock()
	if s.inflight == in {
		s.inflight = nil
	}
	s.mu.Unlock()
}

// ensureConversation lazily creates the backend record on first send. The
// first user message, truncated, becomes the bootstrap title.
func (s *Session) ensureConversation(ctx context.Context, firstMessage string) error {
	s.mu.Lock()
	id := s.conversationID
	s.mu.Unlock()
	if id != "" || s.convos == nil {
		return nil
	}

	conv, err := s.convos.Create(ctx, bootstrapTitle(firstMessage))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conversationID = conv.ID
	s.title = conv.Title
	s.mu.Unlock()

	if s.history != nil {
		if err := s.history.SaveConversation(ctx, conv); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache conversation record")
		}
	}
	s.log.Info().Str("conversation_id", conv.ID).Str("title", conv.Title).Msg("conversation created")
	return nil
}

// afterTurn reacts to how a stream ended: an interrupt arms the approval
// machinery, a normal completion clears the auto-accept flag. Either way
// the conversation record and local cache are brought up to date.
func (s *Session) afterTurn(ctx context.Context, outcome stream.Outcome) {
	switch {
	case outcome.Interrupted && outcome.AssistantMessageID != "":
		if err := s.controller.Capture(outcome.AssistantMessageID); err != nil {
			s.log.Warn().Err(err).Msg("interrupt without confirmable calls")
		} else {
			s.auto.OnPending(ctx, s.autoResume(ctx))
		}
	case outcome.Completed:
		s.auto.OnTurnComplete()
		s.controller.Clear()
	}

	s.persist(ctx)
}

// autoResume builds the resume callback handed to the auto-accept gate.
// The resumed stream goes through the usual inflight bookkeeping, so Cancel
// and a preempting Send can abort it like any manually started stream. base
// is the context the turn started under; when the resumed stream interrupts
// again, the next gate derives from it rather than from the finished gate's
// context, which is torn down as soon as that gate returns. Chained
// approvals would otherwise die with their predecessor.
func (s *Session) autoResume(base context.Context) approval.ResumeFunc {
	return func(gctx context.Context, value stream.ResumeValue) error {
		runCtx, in := s.beginStream(gctx)
		defer close(in.done)

		body, err := s.client.Resume(runCtx, stream.ResumeRequest{
			ResumeConversationID: s.ConversationID(),
			ResumeValue:          value,
		})
		if err != nil {
			s.clearInflight(in)
			return err
		}

		outcome, err := s.consumer.Run(runCtx, body, stream.RunOptions{})
		s.clearInflight(in)
		s.afterTurn(base, outcome)
		return err
	}
}

// persist mirrors engine state outward: conversation status to the
// conversation service, transcript to the local cache. Failures are logged,
// never surfaced; persistence is advisory.
func (s *Session) persist(ctx context.Context) {
	s.mu.Lock()
	id, title := s.conversationID, s.title
	s.mu.Unlock()
	if id == "" {
		return
	}

	status := s.Status()
	if s.convos != nil {
		if err := s.convos.Update(ctx, id, "", status); err != nil {
			s.log.Warn().Err(err).Msg("failed to update conversation status")
		}
	}
	if s.history != nil {
		snap := s.store.Snapshot()
		if err := s.history.SaveTranscript(ctx, id, snap.Messages); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache transcript")
		}
		if err := s.history.SaveConversation(ctx, convosvc.Conversation{
			ID: id, Title: title, Status: status, LastActivityAt: time.Now().UTC(),
		}); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache conversation record")
		}
	}
}

// Rename sets an explicit conversation title.
func (s *Session) Rename(ctx context.Context, title string) error {
	s.mu.Lock()
	id := s.conversationID
	s.title = title
	s.mu.Unlock()

	if id == "" || s.convos == nil {
		return nil
	}
	return s.convos.Update(ctx, id, title, "")
}

func bootstrapTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
	}
	if title == "" {
		title = "Untitled conversation"
	}
	return title
}
