package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/config"
	"github.com/codefionn/adsieve/adsieve-srv/pac"
	"github.com/codefionn/adsieve/adsieve-srv/proxy"
	"github.com/codefionn/adsieve/adsieve-srv/stats"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProxy struct {
	mu        sync.Mutex
	matcher   *proxy.AdDomainMatcher
	reloadErr error
	reloads   int
}

func newMockProxy(domains ...string) *mockProxy {
	return &mockProxy{matcher: proxy.NewAdDomainMatcher(domains)}
}

func (m *mockProxy) Snapshot() []proxy.ConnectionInfo {
	return []proxy.ConnectionInfo{{ID: 1, Role: "client-tunnel", State: "tunneling", Proto: "connect", PeerID: 2}}
}

func (m *mockProxy) Matcher() *proxy.AdDomainMatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matcher
}

func (m *mockProxy) ReloadAdList() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	if m.reloadErr != nil {
		return m.matcher.Len(), m.reloadErr
	}
	m.matcher = proxy.NewAdDomainMatcher([]string{"reloaded.example.com", "ads.example.com"})
	return m.matcher.Len(), nil
}

func (m *mockProxy) ActiveConnections() int64 { return 3 }

// fakeCollector returns canned dashboard data.
type fakeCollector struct {
	stats.DummyCollector
}

func (*fakeCollector) GetOverviewStats(ctx context.Context) (*stats.OverviewStats, error) {
	return &stats.OverviewStats{TotalConnections: 10, BlockedRequests: 4}, nil
}

func (*fakeCollector) GetTopBlockedDomains(ctx context.Context, limit int) ([]stats.DomainStats, error) {
	return []stats.DomainStats{{Domain: "ads.example.com", RequestCount: 4}}, nil
}

func createTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Portal.Enabled = true
	return cfg
}

func createTestConfigWithAuth() *config.Config {
	cfg := createTestConfig()
	cfg.Portal.Username = "admin"
	cfg.Portal.Password = "s3cret"
	return cfg
}

func doRequest(t *testing.T, h http.Handler, method, target string, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestPortalStatusPage(t *testing.T) {
	portal := NewPortal(createTestConfig(), nil, newMockProxy("ads.example.com"), nil)

	rr := doRequest(t, portal, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	body := rr.Body.String()
	assert.Contains(t, body, "adsieve Proxy")
	assert.Contains(t, body, config.DefaultListenAddress)
	assert.Contains(t, body, "/api/stats")
	assert.NotContains(t, body, "/logout")
}

func TestPortalNotFound(t *testing.T) {
	portal := NewPortal(createTestConfig(), nil, newMockProxy(), nil)
	rr := doRequest(t, portal, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPortalStatsAPI(t *testing.T) {
	portal := NewPortal(createTestConfig(), &fakeCollector{}, newMockProxy("a.com", "b.com"), nil)

	rr := doRequest(t, portal, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var data Data
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &data))
	require.NotNil(t, data.Overview)
	assert.Equal(t, int64(10), data.Overview.TotalConnections)
	assert.Equal(t, int64(3), data.LiveConnections)
	assert.Equal(t, 1, data.TrackedSockets)
	assert.Equal(t, 2, data.AdDomains)
}

func TestPortalListAPIs(t *testing.T) {
	portal := NewPortal(createTestConfig(), &fakeCollector{}, newMockProxy(), nil)

	tests := []struct {
		path string
		key  string
		want int
	}{
		{"/api/blocked", "domains", 1},
		{"/api/filtered?limit=5", "elements", 0},
		{"/api/errors", "errors", 0},
		{"/api/connections", "connections", 1},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := doRequest(t, portal, http.MethodGet, tt.path, "")
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var payload map[string][]json.RawMessage
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
			list, ok := payload[tt.key]
			require.True(t, ok, "missing key %s in %s", tt.key, rr.Body.String())
			assert.Len(t, list, tt.want)
		})
	}
}

func TestPortalAdListAPI(t *testing.T) {
	px := newMockProxy("c.com", "a.com", "b.com")
	portal := NewPortal(createTestConfig(), nil, px, nil)

	rr := doRequest(t, portal, http.MethodGet, "/api/adlist?limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var info AdListInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, 3, info.Count)
	assert.Equal(t, []string{"a.com", "b.com"}, info.Domains)
	assert.Positive(t, info.Memory)
}

func TestPortalAdListReload(t *testing.T) {
	px := newMockProxy("a.com")
	portal := NewPortal(createTestConfig(), nil, px, nil)

	rr := doRequest(t, portal, http.MethodGet, "/api/adlist/reload", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, 0, px.reloads)

	rr = doRequest(t, portal, http.MethodPost, "/api/adlist/reload", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"count":2}`, rr.Body.String())
	assert.True(t, px.Matcher().IsBlocked("www.reloaded.example.com"))

	px.reloadErr = proxy.NewConfigurationError(proxy.ErrCodeAdListLoadFailed, "missing", errors.New("gone"))
	rr = doRequest(t, portal, http.MethodPost, "/api/adlist/reload", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), proxy.ErrCodeAdListLoadFailed)
}

func TestPortalPAC(t *testing.T) {
	cfg := createTestConfig()
	cfg.PAC.ProxyAddress = "10.0.0.1:3128"
	portal := NewPortal(cfg, nil, newMockProxy("ads.example.com"), nil)

	rr := doRequest(t, portal, http.MethodGet, "/proxy.pac", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, pac.ContentType, rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.Contains(t, body, "function FindProxyForURL(url, host)")
	assert.Contains(t, body, `"ads.example.com"`)
	assert.Contains(t, body, `"PROXY 10.0.0.1:3128"`)
	assert.Contains(t, body, `"PROXY `+config.DefaultBlackholeAddress+`"`)
}

func TestPortalPACDefaultsToListenAddress(t *testing.T) {
	portal := NewPortal(createTestConfig(), nil, newMockProxy(), nil)
	rr := doRequest(t, portal, http.MethodGet, "/proxy.pac", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"PROXY `+config.DefaultListenAddress+`"`)
}

func TestPortalWithoutProxy(t *testing.T) {
	portal := NewPortal(createTestConfig(), nil, nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, portal, http.MethodGet, "/api/adlist", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, portal, http.MethodGet, "/proxy.pac", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(t, portal, http.MethodGet, "/api/connections", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(t, portal, http.MethodGet, "/", "").Code)

	portal.SetProxy(newMockProxy("x.com"))
	assert.Equal(t, http.StatusOK, doRequest(t, portal, http.MethodGet, "/api/adlist", "").Code)
}

func TestPortalAuthenticationDisabled(t *testing.T) {
	cfg := createTestConfig()
	cfg.Portal.Username = "admin" // both are required to enable auth
	portal := NewPortal(cfg, nil, newMockProxy(), nil)

	assert.False(t, portal.requiresAuthentication())
	assert.Equal(t, http.StatusOK, doRequest(t, portal, http.MethodGet, "/api/stats", "").Code)

	rr := doRequest(t, portal, http.MethodGet, "/login", "")
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/", rr.Header().Get("Location"))
}

func TestPortalUnauthenticatedAccess(t *testing.T) {
	portal := NewPortal(createTestConfigWithAuth(), nil, newMockProxy(), nil)

	rr := doRequest(t, portal, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login", rr.Header().Get("Location"))

	rr = doRequest(t, portal, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, portal, http.MethodGet, "/api/stats", "", &http.Cookie{Name: SessionCookieName, Value: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, portal, http.MethodGet, "/login", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `<form method="POST" action="/login">`)
}

func TestPortalLoginFlow(t *testing.T) {
	portal := NewPortal(createTestConfigWithAuth(), nil, newMockProxy(), nil)

	form := url.Values{"username": {"admin"}, "password": {"wrong"}}
	rr := doRequest(t, portal, http.MethodPost, "/login", form.Encode())
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Invalid username or password")
	assert.Empty(t, rr.Result().Cookies())

	form = url.Values{"username": {"admin"}, "password": {"s3cret"}}
	rr = doRequest(t, portal, http.MethodPost, "/login", form.Encode())
	require.Equal(t, http.StatusSeeOther, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	session := cookies[0]
	assert.Equal(t, SessionCookieName, session.Name)
	assert.True(t, session.HttpOnly)

	rr = doRequest(t, portal, http.MethodGet, "/api/stats", "", session)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, portal, http.MethodGet, "/", "", session)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/logout")

	rr = doRequest(t, portal, http.MethodGet, "/logout", "", session)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	cleared := rr.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
}

func TestPortalEventsWebsocket(t *testing.T) {
	hub := NewHub()
	portal := NewPortal(createTestConfig(), nil, newMockProxy(), hub)
	server := httptest.NewServer(portal)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	collector := stats.NewNotifyingCollector(stats.NewDummyCollector(), hub.Publish)
	require.NoError(t, collector.RecordBlockedRequest(context.Background(), "127.0.0.1", "ads.example.com", "GET"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event stats.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, stats.EventBlocked, event.Type)
	assert.Equal(t, "ads.example.com", event.Host)
	assert.Equal(t, "GET", event.Method)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPortalStartStop(t *testing.T) {
	cfg := createTestConfig()
	cfg.Portal.ListenAddress = "127.0.0.1:0"
	portal := NewPortal(cfg, nil, newMockProxy(), nil)

	done := make(chan error, 1)
	go func() { done <- portal.Start() }()

	require.Eventually(t, func() bool {
		portal.mu.RLock()
		defer portal.mu.RUnlock()
		return portal.server != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, portal.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("portal did not stop")
	}
}

func TestListLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=0", 20},
		{"limit=abc", 20},
		{"limit=5000", maxListLimit},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/blocked?"+tt.query, nil)
			assert.Equal(t, tt.want, listLimit(r, defaultListLimit))
		})
	}
}
