package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabmute/internal/events"
	"github.com/dgnsrekt/tabmute/internal/memtabs"
	"github.com/dgnsrekt/tabmute/internal/mute"
	"github.com/dgnsrekt/tabmute/internal/popup"
	"github.com/dgnsrekt/tabmute/internal/store"
)

type stubReconciler struct {
	rec mute.MuteRecord
}

func (s stubReconciler) Snapshot() mute.MuteRecord { return s.rec.Clone() }

type fixture struct {
	browser *memtabs.Browser
	store   *store.MemoryStore
	ctrl    *popup.Controller
	handler http.Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	b := memtabs.New()
	st := store.NewMemoryStore()
	ctrl := popup.NewController(b, st, popup.Options{})
	return &fixture{browser: b, store: st, ctrl: ctrl, handler: NewServer(ctrl, opts)}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) popup.View {
	t.Helper()
	var v popup.View
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode view: %v (body %s)", err, w.Body.String())
	}
	return v
}

func TestDocsDarkMode(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(t, http.MethodGet, "/docs", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}

func TestOpenPopupStartsSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.browser.OpenTab("Music", "https://music.example", 1)

	w := f.do(t, http.MethodPost, "/api/v1/popup/open", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	v := decodeView(t, w)
	if v.SessionID == "" {
		t.Fatal("session_id is empty")
	}
	if len(v.Tabs) != 1 || v.Current == nil || v.Current.Title != "Music" {
		t.Fatalf("view = %+v; want one current tab titled Music", v)
	}
}

func TestGlobalMuteEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.browser.OpenTab("A", "https://a.example", 1)
	b := f.browser.OpenTab("B", "https://b.example", 1)
	f.do(t, http.MethodPost, "/api/v1/popup/open", "")

	w := f.do(t, http.MethodPut, "/api/v1/global-mute", `{"enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	v := decodeView(t, w)
	if !v.GlobalMute || !v.RestoreVisible {
		t.Fatalf("view = %+v; want global mute and restore visible", v)
	}
	rec, err := f.store.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.MutedTabIDs.Has(a.ID) || !rec.MutedTabIDs.Has(b.ID) || !rec.GlobalMute {
		t.Fatalf("record = %+v; want both tabs and global mute", rec)
	}

	w = f.do(t, http.MethodGet, "/api/v1/tabs/"+itoa(a.ID)+"/effective", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var eff struct {
		TabID mute.TabID `json:"tab_id"`
		Muted bool       `json:"muted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &eff); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if eff.TabID != a.ID || !eff.Muted {
		t.Fatalf("effective = %+v; want tab %d muted", eff, a.ID)
	}
}

func TestSelectionAndSelectedToggle(t *testing.T) {
	f := newFixture(t, Options{})
	tab := f.browser.OpenTab("Podcast", "https://pod.example", 1)
	f.do(t, http.MethodPost, "/api/v1/popup/open", "")

	w := f.do(t, http.MethodPut, "/api/v1/selection", `{"tab_id":`+itoa(tab.ID)+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	if v := decodeView(t, w); v.Selected == nil || v.Selected.ID != tab.ID || v.Selected.Muted {
		t.Fatalf("selected = %+v; want unmuted tab %d", v.Selected, tab.ID)
	}

	w = f.do(t, http.MethodPost, "/api/v1/tabs/selected/toggle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	if v := decodeView(t, w); v.Selected == nil || !v.Selected.Muted {
		t.Fatalf("selected = %+v; want muted", v.Selected)
	}
}

func TestCurrentTabToggle(t *testing.T) {
	f := newFixture(t, Options{})
	tab := f.browser.OpenTab("Video", "https://video.example", 1)
	f.do(t, http.MethodPost, "/api/v1/popup/open", "")

	w := f.do(t, http.MethodPost, "/api/v1/tabs/current/toggle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	v := decodeView(t, w)
	if v.Current == nil || v.Current.ID != tab.ID || !v.Current.Muted {
		t.Fatalf("current = %+v; want muted tab %d", v.Current, tab.ID)
	}
}

func TestRestoreFlow(t *testing.T) {
	f := newFixture(t, Options{})
	f.browser.OpenTab("A", "https://a.example", 1)
	f.do(t, http.MethodPost, "/api/v1/popup/open", "")
	f.do(t, http.MethodPut, "/api/v1/global-mute", `{"enabled":true}`)

	w := f.do(t, http.MethodPost, "/api/v1/restore/confirm", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("confirm without request status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	if v := decodeView(t, f.do(t, http.MethodPost, "/api/v1/restore/request", "")); !v.ConfirmPending {
		t.Fatal("confirm_pending = false after request")
	}
	if v := decodeView(t, f.do(t, http.MethodPost, "/api/v1/restore/cancel", "")); v.ConfirmPending || !v.GlobalMute {
		t.Fatalf("view after cancel = %+v; want no pending and global mute kept", v)
	}

	f.do(t, http.MethodPost, "/api/v1/restore/request", "")
	w = f.do(t, http.MethodPost, "/api/v1/restore/confirm", "")
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status = %d (body %s)", w.Code, w.Body.String())
	}
	v := decodeView(t, w)
	if v.GlobalMute || v.RestoreVisible || v.ConfirmPending {
		t.Fatalf("view after confirm = %+v; want everything cleared", v)
	}
}

func TestStoreUnavailableIs503(t *testing.T) {
	f := newFixture(t, Options{})
	f.browser.OpenTab("A", "https://a.example", 1)
	f.do(t, http.MethodPost, "/api/v1/popup/open", "")
	f.store.SetUnavailable(errors.New("connection refused"))

	w := f.do(t, http.MethodPut, "/api/v1/global-mute", `{"enabled":true}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusServiceUnavailable, w.Body.String())
	}
}

func TestStateWithRefresh(t *testing.T) {
	f := newFixture(t, Options{})
	f.do(t, http.MethodPost, "/api/v1/popup/open", "")
	f.browser.OpenTab("Late", "https://late.example", 1)

	if v := decodeView(t, f.do(t, http.MethodGet, "/api/v1/state", "")); len(v.Tabs) != 0 {
		t.Fatalf("cached view tabs = %d, want 0", len(v.Tabs))
	}
	if v := decodeView(t, f.do(t, http.MethodGet, "/api/v1/state?refresh=true", "")); len(v.Tabs) != 1 {
		t.Fatalf("refreshed view tabs = %d, want 1", len(v.Tabs))
	}
}

func TestReconcilerEndpoint(t *testing.T) {
	f := newFixture(t, Options{Reconciler: stubReconciler{rec: mute.MuteRecord{
		MutedTabIDs: mute.NewTabSet(7, 3),
		GlobalMute:  true,
	}}})

	w := f.do(t, http.MethodGet, "/api/v1/reconciler", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	var body recordBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.IndividuallyMutedTabIDs) != 2 || body.IndividuallyMutedTabIDs[0] != 3 || !body.GlobalMuteEnabled {
		t.Fatalf("body = %+v; want [3 7] and global mute", body)
	}
}

func TestReconcilerRouteDisabledWithoutReconciler(t *testing.T) {
	f := newFixture(t, Options{})
	if w := f.do(t, http.MethodGet, "/api/v1/reconciler", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/global-mute", nil)
	req.Header.Set("Origin", "chrome-extension://abc")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestEventsStreamsStoreChanges(t *testing.T) {
	broker := events.NewBroker()
	f := newFixture(t, Options{Broker: broker})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?feeds=state", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for broker.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	broker.Publish(events.Event{Feed: events.FeedTabs, Payload: `{"kind":"removed"}`})
	events.StoreChangeFunc(broker)(mute.Change{Patch: mute.Patch{GlobalMute: mute.Bool(true)}, Area: mute.AreaLocal})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "event: state" {
		t.Fatalf("first line = %q, want state event", line)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(data, `"globalMuteEnabled":true`) {
		t.Fatalf("data = %q, want globalMuteEnabled", data)
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{mute.CodeValidation, http.StatusBadRequest},
		{mute.CodeTabNotFound, http.StatusNotFound},
		{mute.CodeStoreUnavailable, http.StatusServiceUnavailable},
		{mute.CodeCommandFailure, http.StatusBadGateway},
		{mute.CodeCDPUnavailable, http.StatusBadGateway},
		{"OTHER", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := mapErr(mute.NewError(tt.code, "boom", nil))
		var se huma.StatusError
		if !errors.As(err, &se) {
			t.Fatalf("mapErr(%s) = %T, want huma.StatusError", tt.code, err)
		}
		if se.GetStatus() != tt.want {
			t.Fatalf("mapErr(%s) status = %d, want %d", tt.code, se.GetStatus(), tt.want)
		}
	}
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) != nil")
	}
}

func itoa(id mute.TabID) string {
	b, _ := json.Marshal(id)
	return string(b)
}
