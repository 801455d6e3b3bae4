// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/session"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/visualization"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSession publishes a view with the requested depth for every
// command.
type fakeSession struct {
	mu     sync.Mutex
	latest *session.View
	files  []string
	force  bool
	err    error
	subs   []chan *session.View
}

func (f *fakeSession) ID() string { return "test-session" }

func (f *fakeSession) Latest() (*session.View, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.latest != nil
}

func (f *fakeSession) Settings() session.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Settings{ID: "test-session", ActiveFiles: f.files, Force: f.force}
}

func (f *fakeSession) publish(depth int, withheld bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := uint64(1)
	if f.latest != nil {
		seq = f.latest.Sequence + 1
	}
	a := graph.TypeKey("shop.A", "a.go")
	v := &session.View{
		SessionID:   "test-session",
		Sequence:    seq,
		ActiveFiles: f.files,
		Depth:       depth,
		NodeCount:   1,
		MaxNodes:    10,
	}
	if !withheld {
		v.Display = &graph.DisplayGraph{
			Roots: []graph.NodeKey{a},
			Depth: depth,
			Nodes: []graph.DisplayNode{{Key: a, Label: "type A struct", IsRoot: true}},
		}
	} else {
		v.OverThreshold = true
	}
	f.latest = v
	for _, ch := range f.subs {
		ch <- v
	}
}

func (f *fakeSession) SetActiveFiles(_ context.Context, files []string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.files = files
	f.mu.Unlock()
	f.publish(2, false)
	return nil
}

func (f *fakeSession) SetDepth(_ context.Context, depth int) error {
	if depth < 0 {
		return graph.ErrInvalidDepth
	}
	f.publish(depth, false)
	return nil
}

func (f *fakeSession) SetForce(_ context.Context, force bool) error {
	f.mu.Lock()
	f.force = force
	f.mu.Unlock()
	f.publish(2, false)
	return nil
}

func (f *fakeSession) Rebuild(context.Context) error {
	if _, ok := f.Latest(); !ok {
		return session.ErrNoRoots
	}
	f.publish(2, false)
	return nil
}

func (f *fakeSession) Subscribe() (<-chan *session.View, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan *session.View, 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func newTestRouter(f *fakeSession) *gin.Engine {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	return NewRouter(NewHandlers(f, WithPingInterval(time.Hour)), "depgraph-test", metrics)
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := &fakeSession{}
	r := newTestRouter(f)

	rec := do(t, r, http.MethodGet, "/v1/depgraph/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test-session", resp.Session.ID)
	assert.False(t, resp.HasView)
}

func TestView_NotPublished(t *testing.T) {
	r := newTestRouter(&fakeSession{})

	rec := do(t, r, http.MethodGet, "/v1/depgraph/view", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_view", decode[ErrorResponse](t, rec).Code)

	rec = do(t, r, http.MethodGet, "/v1/depgraph/view/mermaid", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetRootsAndView(t *testing.T) {
	f := &fakeSession{}
	r := newTestRouter(f)

	rec := do(t, r, http.MethodPost, "/v1/depgraph/roots", `{"files":["a.go"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[session.ViewRecord](t, rec)
	assert.Equal(t, uint64(1), got.Sequence)
	assert.Equal(t, []string{"a.go"}, got.ActiveFiles)
	require.NotNil(t, got.Document)
	assert.Equal(t, 1, got.Document.NodeCount)

	rec = do(t, r, http.MethodGet, "/v1/depgraph/view", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/v1/depgraph/view/mermaid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "flowchart"))
	assert.Equal(t, "1", rec.Header().Get("X-Depgraph-Sequence"))

	rec = do(t, r, http.MethodGet, "/v1/depgraph/view/dot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, visualization.FormatDOT.ContentType(), rec.Header().Get("Content-Type"))

	rec = do(t, r, http.MethodGet, "/v1/depgraph/view/svg", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestViewFormat_OverThreshold(t *testing.T) {
	f := &fakeSession{}
	f.publish(2, true)
	r := newTestRouter(f)

	rec := do(t, r, http.MethodGet, "/v1/depgraph/view/json", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "over_threshold", decode[ErrorResponse](t, rec).Code)

	rec = do(t, r, http.MethodPost, "/v1/depgraph/force", `{"force":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.Settings().Force)

	rec = do(t, r, http.MethodGet, "/v1/depgraph/view/json", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetDepth(t *testing.T) {
	r := newTestRouter(&fakeSession{})

	rec := do(t, r, http.MethodPost, "/v1/depgraph/depth", `{"depth":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[session.ViewRecord](t, rec).Depth)

	rec = do(t, r, http.MethodPost, "/v1/depgraph/depth", `{"depth":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_depth", decode[ErrorResponse](t, rec).Code)

	rec = do(t, r, http.MethodPost, "/v1/depgraph/depth", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decode[ErrorResponse](t, rec).Code)
}

func TestRebuild(t *testing.T) {
	f := &fakeSession{}
	r := newTestRouter(f)

	rec := do(t, r, http.MethodPost, "/v1/depgraph/rebuild", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_roots", decode[ErrorResponse](t, rec).Code)

	f.publish(2, false)
	rec = do(t, r, http.MethodPost, "/v1/depgraph/rebuild", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{session.ErrSuperseded, http.StatusConflict, "superseded"},
		{session.ErrClosed, http.StatusServiceUnavailable, "closed"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{graph.ErrConcurrentMutation, http.StatusConflict, "busy"},
		{assert.AnError, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			r := newTestRouter(&fakeSession{err: tt.err})
			rec := do(t, r, http.MethodPost, "/v1/depgraph/roots", `{"files":[]}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	rec := do(t, newTestRouter(&fakeSession{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestWebSocket(t *testing.T) {
	f := &fakeSession{}
	f.publish(2, false)
	srv := httptest.NewServer(newTestRouter(f))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/depgraph/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first session.ViewRecord
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, uint64(1), first.Sequence)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.subs) == 1
	}, time.Second, 5*time.Millisecond)
	f.publish(4, false)

	var second session.ViewRecord
	require.NoError(t, ws.ReadJSON(&second))
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, 4, second.Depth)
}
