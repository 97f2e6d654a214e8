package convosvc

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
)

func TestCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, conversationsPath, r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Poster concepts", body["title"])

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"c-99","title":"Poster concepts","status":"active","lastActivityAt":"2026-08-30T10:00:00Z"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testutil.NewTestLogger(t))
	conv, err := client.Create(context.Background(), "Poster concepts")

	require.NoError(t, err)
	assert.Equal(t, "c-99", conv.ID)
	assert.Equal(t, StatusActive, conv.Status)
}

func TestGetAndUpdate(t *testing.T) {
	var patched map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, conversationsPath+"/c-1", r.URL.Path)
			fmt.Fprint(w, `{"id":"c-1","title":"Untitled","status":"awaiting_approval","lastActivityAt":"2026-08-30T10:00:00Z"}`)
		case http.MethodPatch:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testutil.NewTestLogger(t))

	conv, err := client.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, conv.Status)

	require.NoError(t, client.Update(context.Background(), "c-1", "Renamed", StatusCompleted))
	assert.Equal(t, "Renamed", patched["title"])
	assert.Equal(t, "completed", patched["status"])
}

func TestUpdate_NoFieldsIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testutil.NewTestLogger(t))
	assert.NoError(t, client.Update(context.Background(), "c-1", "", ""))
}

func TestGet_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such conversation", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testutil.NewTestLogger(t))
	_, err := client.Get(context.Background(), "missing")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
