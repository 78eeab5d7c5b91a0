package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"burnbin/cfg"
	"burnbin/svc/auth"
	"burnbin/svc/cache"
	"burnbin/svc/db"
	"burnbin/svc/lim"
	"burnbin/svc/svc"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	c := &cfg.Cfg{
		Port:              "0",
		Environment:       "test",
		LogLevel:          "error",
		MaxPasteSize:      10 * 1024,
		TerminalCacheSize: 1000,
		Argon2Time:        1,
		Argon2Memory:      8 * 1024,
		Argon2Parallelism: 1,
		ContextTimeout:    30 * time.Second,
		DBQueryTimeout:    10 * time.Second,
		RateLimit:         cfg.RateLimitCfg{RPM: 100000, Burst: 10000, ConservativeLimit: 50000},
	}
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	sqlDB, err := db.NewSQLiteWithConfig(dsn, 25, 5, c.DBQueryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	terminal, err := cache.NewTerminal(c.TerminalCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism)
	if err != nil {
		t.Fatal(err)
	}
	pasteSvc := svc.NewPaste(sqlDB, terminal, hasher, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)
	t.Cleanup(limiter.Stop)
	return NewServer(c, pasteSvc, limiter, sqlDB, nil)
}

func postPaste(t *testing.T, srv *Server, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/pastes", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(raw)))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestCreateViewDeleteFlow(t *testing.T) {
	srv := newTestServer(t)

	w := postPaste(t, srv, map[string]interface{}{"content": "hello api", "max_views": 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created CreateResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != "ACTIVE" || created.MaxViews != 2 {
		t.Fatalf("created = %+v", created)
	}

	req := httptest.NewRequest("GET", "/pastes/"+created.ID, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("view status = %d, body %s", w.Code, w.Body.String())
	}
	var viewed PasteResp
	if err := json.Unmarshal(w.Body.Bytes(), &viewed); err != nil {
		t.Fatal(err)
	}
	if viewed.Content != "hello api" || viewed.CurrentViews != 1 || viewed.Status != "VIEWED" {
		t.Fatalf("viewed = %+v", viewed)
	}

	req = httptest.NewRequest("DELETE", "/pastes/"+created.ID, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("GET", "/pastes/"+created.ID, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusGone {
		t.Errorf("view after delete status = %d, want 410", w.Code)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"empty content", map[string]interface{}{"content": ""}, http.StatusBadRequest},
		{"zero max views", map[string]interface{}{"content": "x", "max_views": 0}, http.StatusBadRequest},
		{"naive expiry", map[string]interface{}{"content": "x", "expires_at": "2030-01-02T15:04:05"}, http.StatusBadRequest},
		{"garbage expiry", map[string]interface{}{"content": "x", "expires_at": "tomorrow"}, http.StatusBadRequest},
		{"past expiry", map[string]interface{}{"content": "x", "expires_at": "2001-01-02T15:04:05Z"}, http.StatusBadRequest},
		{"unknown field", map[string]interface{}{"content": "x", "bogus": true}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := postPaste(t, srv, tc.body); w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d (body %s)", tc.name, w.Code, tc.want, w.Body.String())
		}
	}
}

func TestCreateAcceptsRFC3339Expiry(t *testing.T) {
	srv := newTestServer(t)
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	w := postPaste(t, srv, map[string]interface{}{"content": "x", "expires_at": future})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var created CreateResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ExpiresAt == nil {
		t.Error("expires_at missing from response")
	}
}

func TestViewMissingPaste(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest("GET", "/pastes/doesnotexist", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestViewPasswordHeader(t *testing.T) {
	srv := newTestServer(t)
	w := postPaste(t, srv, map[string]interface{}{"content": "guarded", "max_views": 1, "password": "pw"})
	if w.Code != http.StatusCreated {
		t.Fatal(w.Body.String())
	}
	var created CreateResp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/pastes/"+created.ID, nil)
	req.Header.Set("X-Paste-Password", "wrong")
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", w2.Code)
	}

	req = httptest.NewRequest("GET", "/pastes/"+created.ID, nil)
	req.Header.Set("X-Paste-Password", "pw")
	w3 := httptest.NewRecorder()
	srv.ServeHTTP(w3, req)
	if w3.Code != http.StatusOK {
		t.Fatalf("correct password status = %d, body %s", w3.Code, w3.Body.String())
	}
}

func TestCreateRequiresJSONContentType(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest("POST", "/pastes", bytes.NewReader([]byte("content=x")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", "9")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
	req = httptest.NewRequest("GET", "/ready", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("ready status = %d, body %s", w.Code, w.Body.String())
	}
}
