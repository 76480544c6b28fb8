package dashboard

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/config"
	"github.com/codefionn/adsieve/adsieve-srv/logger"
	"github.com/codefionn/adsieve/adsieve-srv/pac"
	"github.com/codefionn/adsieve/adsieve-srv/proxy"
	"github.com/codefionn/adsieve/adsieve-srv/stats"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionCookieName is the name of the authentication session cookie
	SessionCookieName = "adsieve_portal_session"
	// SessionTimeout is the duration for which sessions are valid
	SessionTimeout = 24 * time.Hour

	defaultListLimit   = 20
	maxListLimit       = 1000
	defaultAdListLimit = 100
)

// ProxyInterface is what the portal needs from the running proxy.
type ProxyInterface interface {
	Snapshot() []proxy.ConnectionInfo
	Matcher() *proxy.AdDomainMatcher
	ReloadAdList() (int, error)
	ActiveConnections() int64
}

// Portal serves the admin API on its own listener.
type Portal struct {
	config    *config.Config
	collector stats.Collector
	events    *Hub
	jwtSecret []byte
	startTime time.Time
	version   string
	requests  atomic.Int64

	mu     sync.RWMutex
	proxy  ProxyInterface
	server *http.Server
}

// NewPortal creates a portal. collector and events may be nil.
func NewPortal(cfg *config.Config, collector stats.Collector, p ProxyInterface, events *Hub) *Portal {
	// Sessions do not survive restarts.
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		secret = fmt.Appendf(nil, "adsieve-portal-%d", time.Now().UnixNano())
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	if events == nil {
		events = NewHub()
	}

	portal := &Portal{
		config:    cfg,
		collector: collector,
		events:    events,
		jwtSecret: secret,
		startTime: time.Now(),
		version:   "1.0.0",
		proxy:     p,
	}
	logger.Info("Portal initialized with statistics: %t, authentication: %t",
		cfg.Statistics.Enabled, portal.requiresAuthentication())
	return portal
}

// SetVersion sets the version string shown on the status page.
func (p *Portal) SetVersion(version string) {
	p.version = version
}

// SetProxy points the portal at a restarted proxy.
func (p *Portal) SetProxy(px ProxyInterface) {
	p.mu.Lock()
	p.proxy = px
	p.mu.Unlock()
}

func (p *Portal) currentProxy() ProxyInterface {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.proxy
}

// Start listens on portal.listen-address and serves until Stop.
func (p *Portal) Start() error {
	ln, err := net.Listen("tcp", p.config.Portal.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.Portal.ListenAddress, err)
	}
	return p.StartWithListener(ln)
}

// StartWithListener serves the portal on ln.
func (p *Portal) StartWithListener(ln net.Listener) error {
	timeout := time.Duration(p.config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultTimeoutSeconds * time.Second
	}
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: timeout,
	}
	p.mu.Lock()
	p.server = srv
	p.mu.Unlock()

	logger.Info("Starting admin portal on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the portal listener down and disconnects event subscribers.
func (p *Portal) Stop() error {
	p.events.Close()
	p.mu.RLock()
	srv := p.server
	p.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// ServeHTTP handles HTTP requests for the portal
func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.requests.Add(1)
	logger.Debug("Portal request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if p.requiresAuthentication() && r.URL.Path != "/login" && !p.isAuthenticated(r) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	switch r.URL.Path {
	case "/":
		p.serveStatus(w, r)
	case "/login":
		p.serveLogin(w, r)
	case "/logout":
		p.serveLogout(w, r)
	case "/api/stats":
		p.serveStats(w, r)
	case "/api/blocked":
		p.serveBlocked(w, r)
	case "/api/filtered":
		p.serveFiltered(w, r)
	case "/api/errors":
		p.serveErrors(w, r)
	case "/api/connections":
		p.serveConnections(w, r)
	case "/api/adlist":
		p.serveAdList(w, r)
	case "/api/adlist/reload":
		p.serveAdListReload(w, r)
	case "/api/events":
		p.events.ServeWS(w, r)
	case "/proxy.pac":
		p.servePAC(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (p *Portal) serveStatus(w http.ResponseWriter, r *http.Request) {
	info := statusInfo{
		Version:          p.version,
		Uptime:           time.Since(p.startTime).Round(time.Second).String(),
		StatisticsActive: p.config.Statistics.Enabled,
		AuthEnabled:      p.requiresAuthentication(),
	}
	for _, s := range p.config.Servers {
		if s.Enabled {
			info.ListenAddresses = append(info.ListenAddresses, s.ListenAddress)
		}
	}
	if px := p.currentProxy(); px != nil {
		info.LiveConnections = px.ActiveConnections()
		info.AdDomains = px.Matcher().Len()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage("adsieve Proxy", info).Render(r.Context(), w); err != nil {
		logger.Error("Failed to render status page: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (p *Portal) serveStats(w http.ResponseWriter, r *http.Request) {
	overview, err := p.collector.GetOverviewStats(r.Context())
	if err != nil {
		logger.Error("Failed to query overview stats: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}

	data := &Data{
		Overview:         overview,
		EventSubscribers: p.events.Subscribers(),
		Uptime:           time.Since(p.startTime).Round(time.Second).String(),
		LastUpdated:      time.Now(),
	}
	if px := p.currentProxy(); px != nil {
		data.LiveConnections = px.ActiveConnections()
		data.TrackedSockets = len(px.Snapshot())
		data.AdDomains = px.Matcher().Len()
	}
	writeJSON(w, data)
}

func (p *Portal) serveBlocked(w http.ResponseWriter, r *http.Request) {
	domains, err := p.collector.GetTopBlockedDomains(r.Context(), listLimit(r, defaultListLimit))
	if err != nil {
		logger.Error("Failed to query blocked domains: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}
	if domains == nil {
		domains = []stats.DomainStats{}
	}
	writeJSON(w, map[string]any{"domains": domains})
}

func (p *Portal) serveFiltered(w http.ResponseWriter, r *http.Request) {
	elements, err := p.collector.GetRecentFiltered(r.Context(), listLimit(r, defaultListLimit))
	if err != nil {
		logger.Error("Failed to query filtered elements: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}
	if elements == nil {
		elements = []stats.FilteredElementInfo{}
	}
	writeJSON(w, map[string]any{"elements": elements})
}

func (p *Portal) serveErrors(w http.ResponseWriter, r *http.Request) {
	summaries, err := p.collector.GetRecentErrors(r.Context(), listLimit(r, defaultListLimit))
	if err != nil {
		logger.Error("Failed to query errors: %v", err)
		http.Error(w, "Failed to load data", http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []stats.ErrorSummary{}
	}
	writeJSON(w, map[string]any{"errors": summaries})
}

func (p *Portal) serveConnections(w http.ResponseWriter, _ *http.Request) {
	conns := []proxy.ConnectionInfo{}
	if px := p.currentProxy(); px != nil {
		conns = px.Snapshot()
	}
	writeJSON(w, map[string]any{"connections": conns})
}

func (p *Portal) serveAdList(w http.ResponseWriter, r *http.Request) {
	px := p.currentProxy()
	if px == nil {
		http.Error(w, "Proxy not running", http.StatusServiceUnavailable)
		return
	}
	m := px.Matcher()
	domains := m.Domains()
	if limit := listLimit(r, defaultAdListLimit); len(domains) > limit {
		domains = domains[:limit]
	}
	writeJSON(w, AdListInfo{Count: m.Len(), Memory: m.MemoryEstimate(), Domains: domains})
}

func (p *Portal) serveAdListReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	px := p.currentProxy()
	if px == nil {
		http.Error(w, "Proxy not running", http.StatusServiceUnavailable)
		return
	}

	count, err := px.ReloadAdList()
	if err != nil {
		logger.Error("Ad list reload requested from %s failed: %v", r.RemoteAddr, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"error": "reload failed", "code": proxy.ErrorCode(err), "count": count})
		return
	}
	logger.Info("Ad list reloaded from admin portal: %d entries", count)
	writeJSON(w, map[string]any{"count": count})
}

func (p *Portal) servePAC(w http.ResponseWriter, _ *http.Request) {
	px := p.currentProxy()
	if px == nil {
		http.Error(w, "Proxy not running", http.StatusServiceUnavailable)
		return
	}

	proxyAddr := p.config.PAC.ProxyAddress
	if proxyAddr == "" {
		proxyAddr = p.config.FirstListenAddress()
	}
	script, err := pac.Generate(px.Matcher().Domains(), proxyAddr, p.config.PAC.BlackholeAddress)
	if err != nil {
		logger.Error("Failed to generate PAC file: %v", err)
		http.Error(w, "Failed to generate PAC file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", pac.ContentType)
	_, _ = w.Write([]byte(script))
}

// serveLogin serves the login page
func (p *Portal) serveLogin(w http.ResponseWriter, r *http.Request) {
	if !p.requiresAuthentication() || p.isAuthenticated(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method != http.MethodPost {
		if err := loginPage("Login - adsieve", "").Render(r.Context(), w); err != nil {
			logger.Error("Failed to render login page: %v", err)
		}
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")
	logger.Debug("Login attempt for username: %s from %s", username, r.RemoteAddr)

	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(p.config.Portal.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(p.config.Portal.Password)) == 1
	if !usernameMatch || !passwordMatch {
		logger.Warn("Failed login attempt for username: %s from %s", username, r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		if err := loginPage("Login - adsieve", "Invalid username or password").Render(r.Context(), w); err != nil {
			logger.Error("Failed to render login page: %v", err)
		}
		return
	}

	token, err := p.createJWTSession(username)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(SessionTimeout.Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
	logger.Info("Successful login for username: %s from %s", username, r.RemoteAddr)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// serveLogout handles logout
func (p *Portal) serveLogout(w http.ResponseWriter, r *http.Request) {
	logger.Info("User logged out from %s", r.RemoteAddr)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// requiresAuthentication checks if authentication is required (username and password are configured)
func (p *Portal) requiresAuthentication() bool {
	return p.config.Portal.Username != "" && p.config.Portal.Password != ""
}

// isAuthenticated checks if the request has a valid session
func (p *Portal) isAuthenticated(r *http.Request) bool {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return false
	}
	token, err := p.parseJWTToken(cookie.Value)
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return false
	}
	return token.Valid
}

// parseJWTToken parses and validates a JWT token
func (p *Portal) parseJWTToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
}

// createJWTSession creates a new JWT token for the session
func (p *Portal) createJWTSession(username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"username": username,
		"exp":      now.Add(SessionTimeout).Unix(),
		"iat":      now.Unix(),
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.jwtSecret)
	if err != nil {
		logger.Error("Failed to sign JWT token: %v", err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func listLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
