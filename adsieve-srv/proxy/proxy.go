package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/config"
	"github.com/codefionn/adsieve/adsieve-srv/dump"
	"github.com/codefionn/adsieve/adsieve-srv/htmlfilter"
	"github.com/codefionn/adsieve/adsieve-srv/logger"
	"github.com/codefionn/adsieve/adsieve-srv/stats"
)

// Fixed responses written to clients. No error detail is ever sent.
var (
	responseForbidden   = []byte("HTTP/1.1 403 Forbidden\r\n\r\n")
	responseNoContent   = []byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n")
	responseEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
)

// stopTimeout bounds how long Stop waits for connection goroutines.
const stopTimeout = 5 * time.Second

// Server is one listening socket of the proxy.
type Server struct {
	serverConfig config.ServerConfig
	proxy        *Proxy

	mu       sync.Mutex
	listener net.Listener
}

// Proxy is the forwarding engine. It owns the connection registry, the ad
// domain matcher and every listening Server.
type Proxy struct {
	config    *config.Config
	servers   []*Server
	registry  *Registry
	matcher   atomic.Pointer[AdDomainMatcher]
	dialer    OriginDialer
	collector stats.Collector
	dumps     *dump.Writer

	slots chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sweepOnce   sync.Once
	stopOnce    sync.Once
	activeConns atomic.Int64
}

// NewProxy creates the engine. matcher may be nil for an empty ad set, and
// collector and dumps may be nil to disable statistics and dumps.
func NewProxy(cfg *config.Config, matcher *AdDomainMatcher, collector stats.Collector, dumps *dump.Writer) *Proxy {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	if matcher == nil {
		matcher = NewAdDomainMatcher(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		config:    cfg,
		servers:   make([]*Server, 0, len(cfg.Servers)),
		registry:  NewRegistry(),
		dialer:    NewDialer(cfg),
		collector: collector,
		dumps:     dumps,
		ctx:       ctx,
		cancel:    cancel,
	}
	p.matcher.Store(matcher)
	if cfg.MaxConcurrentConnections > 0 {
		p.slots = make(chan struct{}, cfg.MaxConcurrentConnections)
	}

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}
		p.servers = append(p.servers, &Server{serverConfig: serverCfg, proxy: p})
	}
	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}

	logger.Info("Ad domain matcher holds %d entries (%s)", matcher.Len(), formatMemorySize(matcher.MemoryEstimate()))
	return p
}

// SetDialer replaces the origin dialer. It must be called before Start.
func (p *Proxy) SetDialer(d OriginDialer) {
	p.dialer = d
}

// Config returns the configuration the proxy was built with.
func (p *Proxy) Config() *config.Config {
	return p.config
}

// Registry exposes the connection registry.
func (p *Proxy) Registry() *Registry {
	return p.registry
}

// Snapshot lists the live connections.
func (p *Proxy) Snapshot() []ConnectionInfo {
	return p.registry.Snapshot()
}

// Matcher returns the ad domain matcher currently in use.
func (p *Proxy) Matcher() *AdDomainMatcher {
	return p.matcher.Load()
}

// SetAdDomains atomically replaces the ad domain set.
func (p *Proxy) SetAdDomains(domains []string) *AdDomainMatcher {
	m := NewAdDomainMatcher(domains)
	p.matcher.Store(m)
	logger.Info("Ad domain matcher replaced: %d entries (%s)", m.Len(), formatMemorySize(m.MemoryEstimate()))
	return m
}

// ReloadAdList re-reads ad-list.file, merges ad-list.domains and swaps the
// matcher. The old set stays active when the file cannot be read.
func (p *Proxy) ReloadAdList() (int, error) {
	domains := append([]string(nil), p.config.AdList.Domains...)
	if p.config.AdList.File != "" {
		fromFile, err := LoadAdDomainsFile(p.config.AdList.File)
		if err != nil {
			return p.Matcher().Len(), err
		}
		domains = append(domains, fromFile...)
	}
	return p.SetAdDomains(domains).Len(), nil
}

// ActiveConnections returns the number of client connections being handled.
func (p *Proxy) ActiveConnections() int64 {
	return p.activeConns.Load()
}

// Start binds every enabled server and serves until Stop. A bind failure
// closes the listeners opened so far and is returned immediately.
func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return NewConfigurationError(ErrCodeNoEnabledServers, "no enabled proxy servers configured", nil)
	}

	listeners := make([]net.Listener, 0, len(p.servers))
	for _, s := range p.servers {
		ln, err := listen(p.ctx, s.serverConfig.ListenAddress)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return NewConfigurationError(ErrCodeListenerCreateFailed,
				fmt.Sprintf("failed to listen on %s", s.serverConfig.ListenAddress), err)
		}
		listeners = append(listeners, ln)
	}

	errs := make(chan error, len(p.servers))
	for i, s := range p.servers {
		go func(s *Server, ln net.Listener) {
			errs <- s.StartWithListener(ln)
		}(s, listeners[i])
	}

	var firstErr error
	for range p.servers {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartWithListener serves on an already bound listener using the first
// enabled server configuration.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		p.servers = append(p.servers, &Server{
			serverConfig: config.ServerConfig{ListenAddress: listener.Addr().String(), Enabled: true},
			proxy:        p,
		})
	}
	return p.servers[0].StartWithListener(listener)
}

// StartWithListener runs the accept loop on listener until it is closed.
func (s *Server) StartWithListener(listener net.Listener) error {
	p := s.proxy
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if p.ctx.Err() != nil {
		_ = listener.Close()
		return nil
	}
	p.startSweeper()

	logger.Info("Starting proxy server on %s", listener.Addr().String())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Warn("Temporary accept error on %s: %v", listener.Addr(), err)
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return NewConnectionError(ErrCodeConnectionFailed,
				fmt.Sprintf("accept failed on %s", listener.Addr()), err)
		}

		if !p.acquireSlot() {
			logger.Warn("[%s] Rejecting %s: %d concurrent connections reached",
				ErrCodeConcurrencyLimitReached, conn.RemoteAddr(), cap(p.slots))
			_ = conn.Close()
			continue
		}

		p.wg.Add(1)
		go func(conn net.Conn) {
			defer p.wg.Done()
			defer p.releaseSlot()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("[%s] Recovered from panic handling %s: %v",
						ErrCodePanicRecovered, conn.RemoteAddr(), r)
					_ = conn.Close()
				}
			}()
			p.handleConnection(conn)
		}(conn)
	}
}

// Stop closes the listener of this server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	if err != nil && !isClosedConnError(err) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before the server started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (p *Proxy) acquireSlot() bool {
	if p.slots == nil {
		return true
	}
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Proxy) releaseSlot() {
	if p.slots != nil {
		<-p.slots
	}
}

func (p *Proxy) startSweeper() {
	interval := time.Duration(p.config.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	p.sweepOnce.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-p.ctx.Done():
					return
				case <-ticker.C:
					p.registry.Sweep()
				}
			}
		}()
	})
}

// Stop shuts the proxy down: listeners are closed, every tracked
// connection is closed once and connection goroutines are awaited for at
// most stopTimeout. Calling Stop again is a no-op.
func (p *Proxy) Stop() error {
	var lastErr error
	p.stopOnce.Do(func() {
		p.cancel()
		for _, s := range p.servers {
			if err := s.Stop(); err != nil {
				lastErr = err
				logger.Error("Failed to stop proxy server on %s: %v", s.serverConfig.ListenAddress, err)
			}
		}
		p.registry.CloseAll()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			logger.Warn("Timed out waiting for %d connection handlers", p.activeConns.Load())
		}
	})
	return lastErr
}

// handleConnection drives one client connection through the dispatch state
// machine. The client and its peer are closed when it returns.
func (p *Proxy) handleConnection(raw net.Conn) {
	if p.ctx.Err() != nil {
		_ = raw.Close()
		return
	}
	p.activeConns.Add(1)
	defer p.activeConns.Add(-1)

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	clientIP := remoteIP(raw.RemoteAddr())
	tc := newTrackedConn(raw, p.collector, p.dumps)
	client := p.registry.Register(tc, RoleClientAwaitingRequest)
	defer p.registry.Close(client.ID())
	id := client.ID()

	head := p.readRequestHead(tc)
	target, ok := ParseRequestLine(head)
	if !ok {
		if len(head) > 0 {
			logger.ForConnection(id).Warn("[%s] Invalid request from %s", ErrCodeInvalidRequest, clientIP)
		}
		tc.setCloseReason("invalid-request")
		return
	}

	protocol := "http"
	if target.IsConnect() {
		protocol = "connect"
	}
	if statsID, err := p.collector.StartConnection(p.ctx, clientIP, target.Host, target.Port, protocol); err != nil {
		logger.Debug("Failed to record connection start: %v", err)
	} else {
		tc.setStatsID(statsID)
	}

	if p.Matcher().IsBlocked(target.Host) {
		p.block(tc, client, target, head, clientIP)
		return
	}

	conn, err := p.dialer.Connect(p.ctx, target.Host, target.Port)
	if err != nil {
		logger.ForConnection(id).Error("Failed to connect to %s: [%s] %v", target.Address(), ErrorCode(err), err)
		tc.setCloseReason("dial-failed")
		_ = p.collector.RecordError(p.ctx, tc.statsID, ErrorCode(err), err.Error())
		return
	}

	origin := p.registry.Register(conn, RoleOriginPeer)
	proto := ProtoHTTP
	if target.IsConnect() {
		proto = ProtoConnect
	}
	if err := p.registry.Pair(id, origin.ID(), proto, target.Address()); err != nil {
		logger.ForConnection(id).Error("Failed to pair with origin %s: %v", target.Address(), err)
		p.registry.Close(origin.ID())
		return
	}
	// Stop may have run CloseAll while the dial was in flight.
	if p.ctx.Err() != nil {
		tc.setCloseReason("shutdown")
		return
	}

	if target.IsConnect() {
		p.tunnel(tc, conn, client, head)
		return
	}
	p.relay(tc, conn, client, target, head)
}

// readRequestHead reads until the header terminator, EOF, the read timeout
// or maxHeadBytes and returns what accumulated.
func (p *Proxy) readRequestHead(conn net.Conn) []byte {
	if timeout := time.Duration(p.config.TimeoutSeconds) * time.Second; timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var buf []byte
	for headEnd(buf) < 0 && len(buf) < maxHeadBytes {
		_, err := readChunk(conn, func(b []byte) error {
			buf = append(buf, b...)
			return nil
		})
		if err != nil {
			break
		}
	}
	return buf
}

func (p *Proxy) block(tc *trackedConn, client *Connection, target RequestTarget, head []byte, clientIP string) {
	p.dumps.Write(dump.Blocked, head)
	tc.setCloseReason("blocked")
	count := p.registry.MarkBlocked(client.ID(), target.Address())
	_ = p.collector.RecordBlockedRequest(p.ctx, clientIP, target.Host, target.Method)

	response := responseNoContent
	if target.IsConnect() {
		response = responseForbidden
		logger.ForConnection(client.ID()).Info("Blocked CONNECT to %s", target.Address())
	} else {
		logger.ForConnection(client.ID()).Info("Blocked %s to %s (%d blocked on this connection)",
			target.Method, target.Host, count)
	}
	if _, err := tc.Write(response); err != nil && !isClosedConnError(err) {
		logger.Debug("Failed to write block response: %v", err)
	}
}

func (p *Proxy) tunnel(tc *trackedConn, origin net.Conn, client *Connection, head []byte) {
	if _, err := tc.Write(responseEstablished); err != nil {
		tc.setCloseReason("client-write-failed")
		return
	}
	if end := headEnd(head); end >= 0 && end < len(head) {
		if _, err := origin.Write(head[end:]); err != nil {
			tc.setCloseReason("origin-write-failed")
			return
		}
	}

	p.duplex(tc, origin, client,
		func() error {
			_, err := pooledCopy(origin, tc)
			return err
		},
		func() error {
			_, err := pooledCopy(tc, origin)
			return err
		})
}

func (p *Proxy) relay(tc *trackedConn, origin net.Conn, client *Connection, target RequestTarget, head []byte) {
	if _, err := origin.Write(RewriteRequestLine(head)); err != nil {
		logger.ForConnection(client.ID()).Debug("[%s] Failed to forward request to %s: %v",
			ErrCodeRequestWriteFailed, target.Address(), err)
		tc.setCloseReason("origin-write-failed")
		return
	}

	maxBody := p.config.Filter.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxBodyBytes
	}
	pipeline := &responsePipeline{
		filter:      p.config.Filter.Enabled,
		banner:      p.config.Filter.Banner,
		maxBody:     maxBody,
		readTimeout: time.Duration(p.config.TimeoutSeconds) * time.Second,
		host:        target.Host,
		onFiltered: func(res htmlfilter.Result) {
			logger.ForConnection(client.ID()).Info("Removed %d ad elements from %s", len(res.Removed), target.Host)
			for _, el := range res.Removed {
				_ = p.collector.RecordFilteredElement(p.ctx, tc.statsID, target.Host, stats.FilteredElement{
					Selector: el.Selector,
					Tag:      el.Tag,
					Src:      el.Src,
					Classes:  strings.Join(el.Classes, " "),
				})
			}
		},
		onFallback: func(err error) {
			_ = p.collector.RecordError(p.ctx, tc.statsID, ErrorCode(err), err.Error())
		},
	}

	p.duplex(tc, origin, client,
		func() error {
			_, err := pooledCopy(origin, tc)
			return err
		},
		func() error {
			_, err := pipeline.relay(tc, origin, target.Method)
			return err
		})
}

// duplex runs both copy directions. The origin finishing, or an error in
// either direction, closes the whole pair. A client EOF half-closes the
// origin and leaves it halfCloseGrace to finish the response.
func (p *Proxy) duplex(tc *trackedConn, origin net.Conn, client *Connection, upstream, downstream func() error) {
	log := logger.ForConnection(client.ID())
	downDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := upstream(); err != nil {
			if !isClosedConnError(err) {
				log.Debug("client->origin copy ended: %v", err)
				tc.setCloseReason("error")
			}
			p.registry.Close(client.ID())
			return
		}
		closeWrite(origin)
		timer := time.NewTimer(p.halfCloseGrace())
		defer timer.Stop()
		select {
		case <-downDone:
		case <-timer.C:
			log.Debug("origin did not finish within %s of client EOF", p.halfCloseGrace())
			tc.setCloseReason("half-close-timeout")
			p.registry.Close(client.ID())
		case <-p.ctx.Done():
			p.registry.Close(client.ID())
		}
	}()

	go func() {
		defer wg.Done()
		defer close(downDone)
		if err := downstream(); err != nil && !isClosedConnError(err) {
			log.Debug("origin->client copy ended: %v", err)
			tc.setCloseReason("error")
		}
		p.registry.Close(client.ID())
	}()

	wg.Wait()
}

func (p *Proxy) halfCloseGrace() time.Duration {
	if p.config.TimeoutSeconds > 0 {
		return time.Duration(p.config.TimeoutSeconds) * time.Second
	}
	return config.DefaultTimeoutSeconds * time.Second
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
