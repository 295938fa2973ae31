package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cjeanneret/stagescan/internal/debug"
)

func newTestServer(t *testing.T, st Station) http.Handler {
	t.Helper()
	srv, err := NewServer(":0", st, NewStatusBroadcaster(), debug.NewJournal(10), FormConfig{Axes: []string{"X", "Y", "Z"}, ScanAxis: "Z"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv.Mux()
}

func TestServer_Routes(t *testing.T) {
	mux := newTestServer(t, newFakeStation())
	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/", "", http.StatusOK},
		{http.MethodGet, "/static/app.js", "", http.StatusOK},
		{http.MethodGet, "/static/style.css", "", http.StatusOK},
		{http.MethodGet, "/config", "", http.StatusOK},
		{http.MethodGet, "/state", "", http.StatusOK},
		{http.MethodGet, "/log", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/camera/settings", "", http.StatusOK},
		{http.MethodGet, "/preview.png", "", http.StatusOK},
		{http.MethodPost, "/axes/Z/move", `{"position": 3}`, http.StatusOK},
		{http.MethodPost, "/axes/Z/jog", `{"direction": "forward"}`, http.StatusOK},
		{http.MethodPost, "/axes/step", `{"step": 0.1}`, http.StatusOK},
		{http.MethodDelete, "/scan", "", http.StatusOK},
		{http.MethodGet, "/scan", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/axes/Z/move", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestServer_IndexServesEmbeddedPage(t *testing.T) {
	mux := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "app.js") {
		t.Error("index page should load app.js")
	}
}

func TestServer_NilStation(t *testing.T) {
	mux := newTestServer(t, nil)
	for _, path := range []string{"/state", "/camera/settings", "/preview.png"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusServiceUnavailable)
		}
	}
}
