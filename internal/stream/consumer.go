package stream

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/constants"
	"github.com/storyloom/storyloom/internal/transcript"
)

const (
	scanInitialBuffer = 64 * 1024
	scanMaxLine       = 4 * 1024 * 1024
)

// Consumer turns one stream body into Transcript Store mutations. A single
// Consumer may run many streams, one at a time; per-stream accumulation
// state lives in a cursor owned by each Run call.
type Consumer struct {
	store    *transcript.Store
	watchdog time.Duration
	log      zerolog.Logger
}

// NewConsumer creates a Consumer. A zero watchdog falls back to the default.
func NewConsumer(store *transcript.Store, watchdog time.Duration, log zerolog.Logger) *Consumer {
	if watchdog <= 0 {
		watchdog = constants.DefaultStreamWatchdog
	}
	return &Consumer{
		store:    store,
		watchdog: watchdog,
		log:      log.With().Str("component", "stream").Logger(),
	}
}

// Outcome summarizes how a stream ended.
type Outcome struct {
	// Completed is true when the turn finished normally.
	Completed bool

	// Interrupted is true when the stream paused for approval.
	Interrupted bool

	// AssistantMessageID is the assistant message the stream wrote into.
	AssistantMessageID string
}

// RunOptions carries per-stream configuration.
type RunOptions struct {
	// LocalUserMessageID is the id of the locally appended user message;
	// the user_message_id echo rewrites it to the server-assigned id.
	LocalUserMessageID string
}

// cursor is the per-stream accumulator. It is created for one Run call and
// discarded when the stream closes.
type cursor struct {
	assistantID string
	userLocalID string
	completed   bool
	interrupted bool
	serverErr   string
	sawTerminal bool
}

// Run consumes body until a terminal event, EOF, watchdog expiry or
// cancellation. It always leaves the transcript non-streaming on return.
func (c *Consumer) Run(ctx context.Context, body io.ReadCloser, opts RunOptions) (Outcome, error) {
	cur := &cursor{userLocalID: opts.LocalUserMessageID}

	// The watchdog guarantees forward progress when the peer half-closes
	// without a terminal event. Closing the body unblocks the scanner.
	wctx, cancel := context.WithTimeout(ctx, c.watchdog)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		select {
		case <-wctx.Done():
			_ = body.Close()
		case <-closed:
		}
	}()
	defer func() {
		close(closed)
		_ = body.Close()
	}()

	// Fallback reconciliation: whatever ends this stream, the current
	// message must not stay marked streaming. Idempotent by pre-check.
	defer c.finalizeCurrent(cur)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, err := parseEvent(line)
		if err != nil {
			// One malformed line never aborts the remainder of the
			// stream.
			c.log.Warn().Err(err).Str("line", truncate(string(line), 200)).Msg("skipping malformed stream line")
			continue
		}

		c.apply(cur, ev)

		if cur.sawTerminal {
			break
		}
	}

	outcome := Outcome{
		Completed:          cur.completed,
		Interrupted:        cur.interrupted,
		AssistantMessageID: cur.assistantID,
	}

	if err := c.classify(ctx, wctx, scanner.Err(), cur); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// classify maps how the read loop ended to the error taxonomy. Deliberate
// cancellation wins over the read error it caused.
func (c *Consumer) classify(ctx, wctx context.Context, scanErr error, cur *cursor) error {
	if ctx.Err() != nil {
		return ErrCanceled
	}
	if wctx.Err() != nil && !cur.sawTerminal {
		c.log.Warn().Dur("watchdog", c.watchdog).Msg("stream watchdog fired")
		return ErrTimeout
	}
	if cur.serverErr != "" {
		return &ServerError{Message: cur.serverErr}
	}
	if scanErr != nil {
		return &NetworkError{Err: scanErr}
	}
	return nil
}

// apply dispatches one event to store mutations.
func (c *Consumer) apply(cur *cursor, ev Event) {
	switch ev.Type {
	case EventUserMessageID:
		c.applyUserMessageID(cur, ev)

	case EventAssistantMessageID:
		c.applyAssistantMessageID(cur, ev)

	case EventContentDelta:
		if !c.patchCurrent(cur, func(m *transcript.Message) {
			m.Content += ev.Delta
		}) {
			c.log.Warn().Msg("content delta before assistant message id")
		}

	case EventReasoningDelta:
		if !c.patchCurrent(cur, func(m *transcript.Message) {
			m.Reasoning += ev.Delta
		}) {
			c.log.Warn().Msg("reasoning delta before assistant message id")
		}

	case EventToolCallStart:
		c.applyToolCallStart(cur, ev)

	case EventToolCallEnd:
		c.applyToolCallEnd(ev)

	case EventInterrupt:
		cur.interrupted = true
		cur.sawTerminal = true
		c.patchCurrent(cur, func(m *transcript.Message) {
			m.Streaming = false
			m.Interrupted = true
		})

	case EventComplete:
		cur.completed = true
		cur.sawTerminal = true
		c.patchCurrent(cur, func(m *transcript.Message) {
			m.Streaming = false
		})

	case EventError:
		cur.serverErr = ev.Message
		if cur.serverErr == "" {
			cur.serverErr = "unspecified stream error"
		}
		cur.sawTerminal = true
		c.patchCurrent(cur, func(m *transcript.Message) {
			m.Streaming = false
		})

	default:
		// Unknown event kinds are skipped; close reconciliation covers
		// any terminal kind the dispatcher does not know about.
		c.log.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown stream event")
	}
}

func (c *Consumer) applyUserMessageID(cur *cursor, ev Event) {
	if cur.userLocalID == "" || cur.userLocalID == ev.ID {
		return
	}
	c.store.Patch(cur.userLocalID, func(m *transcript.Message) {
		m.ID = ev.ID
	})
	cur.userLocalID = ev.ID
}

func (c *Consumer) applyAssistantMessageID(cur *cursor, ev Event) {
	cur.assistantID = ev.ID

	snap := c.store.Snapshot()
	if _, ok := snap.Message(ev.ID); ok {
		// Resumed turn: the paused message picks up streaming again.
		c.store.Patch(ev.ID, func(m *transcript.Message) {
			m.Streaming = true
			m.Interrupted = false
		})
		return
	}

	c.store.Append(transcript.Message{
		ID:        ev.ID,
		Role:      transcript.RoleAssistant,
		Streaming: true,
		CreatedAt: time.Now(),
	})
}

func (c *Consumer) applyToolCallStart(cur *cursor, ev Event) {
	if cur.assistantID == "" {
		c.log.Warn().Str("tool_call_id", ev.ToolCall.ID).Msg("tool call before assistant message id")
		return
	}
	tc := transcript.ToolCall{
		ID:        ev.ToolCall.ID,
		Name:      ev.ToolCall.Name,
		Arguments: string(ev.ToolCall.Arguments),
	}
	c.store.Patch(cur.assistantID, func(m *transcript.Message) {
		m.ToolCalls = append(m.ToolCalls, tc)
	})
}

// applyToolCallEnd resolves a finished call by id, never position, into a
// synthesized tool-role message.
func (c *Consumer) applyToolCallEnd(ev Event) {
	snap := c.store.Snapshot()

	if _, _, ok := snap.FindToolCall(ev.ToolResult.ID); !ok {
		c.log.Warn().Str("tool_call_id", ev.ToolResult.ID).Msg("tool result for unknown call id")
		return
	}
	if _, ok := snap.ToolResponse(ev.ToolResult.ID); ok {
		c.log.Warn().Str("tool_call_id", ev.ToolResult.ID).Msg("duplicate tool result ignored")
		return
	}

	payload := transcript.ToolResultPayload{
		Success: ev.ToolResult.Success,
		Result:  ev.ToolResult.Result,
		Error:   ev.ToolResult.Error,
	}
	c.store.Append(transcript.Message{
		ID:         uuid.NewString(),
		Role:       transcript.RoleTool,
		ToolCallID: ev.ToolResult.ID,
		Content:    payload.Encode(),
		CreatedAt:  time.Now(),
	})
}

// patchCurrent patches the assistant message the cursor points at.
func (c *Consumer) patchCurrent(cur *cursor, fn func(*transcript.Message)) bool {
	if cur.assistantID == "" {
		return false
	}
	return c.store.Patch(cur.assistantID, fn)
}

// finalizeCurrent forces the tracked message non-streaming if the dispatcher
// did not already terminate it. Pre-checking keeps the path idempotent: a
// message finalized by the normal complete path is not touched again.
func (c *Consumer) finalizeCurrent(cur *cursor) {
	if cur.assistantID == "" {
		return
	}
	snap := c.store.Snapshot()
	msg, ok := snap.Message(cur.assistantID)
	if !ok || !msg.Streaming {
		return
	}
	c.store.Patch(cur.assistantID, func(m *transcript.Message) {
		m.Streaming = false
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
