package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmls/gateway/internal/mlsgw"
)

func newTestServer(t *testing.T) (*Server, *mlsgw.BoltStorage) {
	t.Helper()
	s, err := mlsgw.NewBoltStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := mlsgw.DefaultConfig()
	cfg.EnableAPI = true
	archive := mlsgw.NewArchive(s, cfg.MessageArchiveTTLDays, nil)
	return NewServer(cfg, archive, nil), s
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestMissedMessagesReturnsArchivedEventsForRecipient(t *testing.T) {
	srv, s := newTestServer(t)

	created := time.Now().Add(-time.Minute)
	require.NoError(t, s.ArchiveEvent(context.Background(), mlsgw.ArchivedEvent{
		EventID:    "ev-1",
		Kind:       445,
		Content:    "ciphertext",
		CreatedAt:  created,
		Recipients: []string{"alice"},
		ExpiresAt:  time.Now().Add(time.Hour),
	}))

	rec := postJSON(t, srv.handleMissedMessages, catchUpRequest{
		Since:  created.Add(-time.Second).Unix(),
		Pubkey: "alice",
		Limit:  100,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp catchUpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "ev-1", resp.Messages[0].EventID)
	assert.False(t, resp.HasMore)
}

func TestMissedMessagesSinceIsStrictlyGreaterThan(t *testing.T) {
	srv, s := newTestServer(t)

	created := time.Now().Add(-time.Minute).Truncate(time.Second)
	require.NoError(t, s.ArchiveEvent(context.Background(), mlsgw.ArchivedEvent{
		EventID:    "ev-1",
		Kind:       445,
		CreatedAt:  created,
		Recipients: []string{"alice"},
		ExpiresAt:  time.Now().Add(time.Hour),
	}))

	rec := postJSON(t, srv.handleMissedMessages, catchUpRequest{
		Since:  created.Unix(),
		Pubkey: "alice",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp catchUpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count, "since must be an exclusive lower bound")
}

func TestGroupMessagesRequiresGroupID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv.handleGroupMessages, catchUpRequest{Since: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGroupMessagesReturnsHasMoreWhenCapped(t *testing.T) {
	srv, s := newTestServer(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		require.NoError(t, s.ArchiveEvent(context.Background(), mlsgw.ArchivedEvent{
			EventID:   id,
			Kind:      445,
			GroupID:   "grp",
			HasGroup:  true,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}

	rec := postJSON(t, srv.handleGroupMessages, catchUpRequest{
		Since:   base.Add(-time.Second).Unix(),
		GroupID: "grp",
		Limit:   2,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp catchUpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.True(t, resp.HasMore)
}

func TestHandlersRejectNonPost(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.handleMissedMessages(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	srv.handleGroupMessages(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
