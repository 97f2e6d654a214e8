package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/testutil"
	"github.com/storyloom/storyloom/internal/transcript"
)

// ndjsonHandler replays canned event lines, verifying the request shape.
func ndjsonHandler(t *testing.T, wantResume bool, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, streamPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		if wantResume {
			assert.Contains(t, raw, "resumeConversationId")
		} else {
			assert.Contains(t, raw, "message")
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func TestClient_SendStreamsEvents(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t, false, []string{
		`{"type":"assistant_message_id","id":"m1"}`,
		`{"type":"content_delta","delta":"Hi"}`,
		`{"type":"complete"}`,
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "http", testutil.NewTestLogger(t))
	body, err := client.Send(context.Background(), SendRequest{
		Message:        "hello",
		ConversationID: "c-1",
	})
	require.NoError(t, err)

	store := transcript.NewStore(testutil.NewTestLogger(t))
	consumer := NewConsumer(store, 0, testutil.NewTestLogger(t))
	outcome, err := consumer.Run(context.Background(), body, RunOptions{})

	require.NoError(t, err)
	assert.True(t, outcome.Completed)
	m1, ok := store.Snapshot().Message("m1")
	require.True(t, ok)
	assert.Equal(t, "Hi", m1.Content)
}

func TestClient_ResumeCarriesDecision(t *testing.T) {
	var got ResumeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintln(w, `{"type":"complete"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "http", testutil.NewTestLogger(t))
	body, err := client.Resume(context.Background(), ResumeRequest{
		ResumeConversationID: "c-1",
		ResumeValue: ResumeValue{
			Approved:            true,
			DisabledToolCallIDs: []string{"t2"},
			ModifiedParams: map[string]json.RawMessage{
				"t1": json.RawMessage(`{"prompt":"edited"}`),
			},
		},
	})
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, "c-1", got.ResumeConversationID)
	assert.True(t, got.ResumeValue.Approved)
	assert.Equal(t, []string{"t2"}, got.ResumeValue.DisabledToolCallIDs)
	assert.JSONEq(t, `{"prompt":"edited"}`, string(got.ResumeValue.ModifiedParams["t1"]))
}

func TestClient_NonOKStatusIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "balance check failed", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "http", testutil.NewTestLogger(t))
	_, err := client.Send(context.Background(), SendRequest{Message: "hi", ConversationID: "c-1"})

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Contains(t, err.Error(), "502")
}

func TestClient_CanceledDialIsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(srv.URL, "http", testutil.NewTestLogger(t))
	_, err := client.Send(ctx, SendRequest{Message: "hi", ConversationID: "c-1"})

	assert.ErrorIs(t, err, ErrCanceled)
}
