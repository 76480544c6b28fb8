package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/proxy"

	"github.com/codefionn/adsieve/adsieve-srv/config"
	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

const keepAlivePeriod = 30 * time.Second

// OriginDialer opens the origin-side connection for a request.
type OriginDialer interface {
	Connect(ctx context.Context, host string, port int) (net.Conn, error)
}

// Dialer connects to origin servers, directly or through an upstream proxy.
type Dialer struct {
	Timeout  time.Duration
	Upstream config.UpstreamConfig
}

// NewDialer builds a Dialer from the proxy configuration.
func NewDialer(cfg *config.Config) *Dialer {
	return &Dialer{
		Timeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		Upstream: cfg.Upstream,
	}
}

func (d *Dialer) netDialer() *net.Dialer {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = config.DefaultDialTimeoutSeconds * time.Second
	}
	return &net.Dialer{Timeout: timeout, KeepAlive: keepAlivePeriod}
}

// Connect opens a TCP connection to host:port. Failures are *Error values
// classified as timeout, refused or other dial failure.
func (d *Dialer) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nd := d.netDialer()

	var conn net.Conn
	var err error
	switch d.Upstream.Type {
	case config.UpstreamSocks5:
		logger.Debug("Using SOCKS5 upstream (%s) for %s", d.Upstream.Address, addr)
		conn, err = d.dialSocks5(ctx, nd, addr)
	case config.UpstreamHTTPProxy:
		logger.Debug("Using HTTP proxy upstream (%s) for %s", d.Upstream.Address, addr)
		conn, err = d.dialHTTPProxy(ctx, nd, addr)
	default:
		conn, err = nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			err = classifyDialError(addr, err)
		}
	}
	if err != nil {
		return nil, err
	}

	tuneConn(conn)
	return conn, nil
}

// tuneConn enables keepalive and disables Nagle on TCP connections.
func tuneConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(true); err != nil {
		logger.Debug("SetNoDelay failed: %v", err)
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		logger.Debug("SetKeepAlive failed: %v", err)
	}
	_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
}

// classifyDialError maps a dial failure onto timeout, refused or generic.
func classifyDialError(addr string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return NewConnectionError(ErrCodeConnectionTimeout, "dial "+addr, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewConnectionError(ErrCodeConnectionRefused, "dial "+addr, err)
	default:
		return NewConnectionError(ErrCodeDialFailed, "dial "+addr, err)
	}
}

func (d *Dialer) dialSocks5(ctx context.Context, nd *net.Dialer, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.Upstream.Username != nil {
		auth = &proxy.Auth{User: *d.Upstream.Username}
		if d.Upstream.Password != nil {
			auth.Password = *d.Upstream.Password
		}
	}

	socksDialer, err := proxy.SOCKS5("tcp", d.Upstream.Address, auth, nd)
	if err != nil {
		return nil, NewConnectionError(ErrCodeSOCKS5DialerFailed,
			GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", d.Upstream.Address, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = socksDialer.Dial("tcp", addr)
	}
	if err != nil {
		if classified := classifyDialError(addr, err); ErrorCode(classified) == ErrCodeConnectionTimeout {
			return nil, classified
		}
		return nil, NewConnectionError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("target %s via SOCKS5 proxy %s", addr, d.Upstream.Address), err)
	}
	return conn, nil
}

// dialHTTPProxy reaches addr through an HTTP proxy using CONNECT
func (d *Dialer) dialHTTPProxy(ctx context.Context, nd *net.Dialer, addr string) (net.Conn, error) {
	proxyConn, err := nd.DialContext(ctx, "tcp", d.Upstream.Address)
	if err != nil {
		return nil, classifyDialError(d.Upstream.Address, err)
	}

	closeProxy := func() {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	} else {
		_ = proxyConn.SetDeadline(time.Now().Add(nd.Timeout))
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+addr, http.NoBody)
	if err != nil {
		closeProxy()
		return nil, NewConnectionError(ErrCodeUpstreamConnectFailed, "building CONNECT for "+addr, err)
	}
	connectReq.Host = addr
	connectReq.Header.Set("User-Agent", "adsieve/1.0")

	if d.Upstream.Username != nil && d.Upstream.Password != nil {
		credentials := *d.Upstream.Username + ":" + *d.Upstream.Password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
	}

	if err := connectReq.Write(proxyConn); err != nil {
		closeProxy()
		return nil, NewConnectionError(ErrCodeUpstreamConnectFailed, "sending CONNECT to "+d.Upstream.Address, err)
	}

	reader := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(reader, connectReq)
	if err != nil {
		closeProxy()
		return nil, NewConnectionError(ErrCodeUpstreamConnectFailed, "reading CONNECT response from "+d.Upstream.Address, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		closeProxy()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewConnectionError(ErrCodeProxyAuthFailed,
			fmt.Sprintf("proxy %s denied CONNECT to %s with status %s", d.Upstream.Address, addr, resp.Status),
			errors.New(string(body)))
	}

	_ = proxyConn.SetDeadline(time.Time{})
	logger.Debug("CONNECT tunnel established via proxy %s to %s", d.Upstream.Address, addr)

	if reader.Buffered() > 0 {
		return &prefixedConn{Conn: proxyConn, reader: reader}, nil
	}
	return proxyConn, nil
}

// prefixedConn replays bytes already buffered from Conn before reading it
// directly again.
type prefixedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *prefixedConn) Read(b []byte) (int, error) {
	if c.reader != nil {
		if c.reader.Buffered() > 0 {
			return c.reader.Read(b)
		}
		c.reader = nil
	}
	return c.Conn.Read(b)
}

// CloseWrite half-closes the underlying TCP connection when supported.
func (c *prefixedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
