package proxy

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	defaultHTTPPort    = 80
	defaultConnectPort = 443
)

// RequestTarget is the result of parsing the first request of a connection.
type RequestTarget struct {
	Method string
	Host   string
	Port   int
}

// IsConnect reports whether the request opens a tunnel.
func (t RequestTarget) IsConnect() bool {
	return t.Method == "CONNECT"
}

// Address returns host:port suitable for dialing.
func (t RequestTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ParseRequestLine extracts method, host and port from a raw request head.
// It returns false for malformed or non-HTTP input.
func ParseRequestLine(data []byte) (RequestTarget, bool) {
	text := strings.ToValidUTF8(string(data), "\uFFFD")
	lines := strings.Split(text, "\r\n")

	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return RequestTarget{}, false
	}
	method := parts[0]

	if method == "CONNECT" {
		host, port, ok := splitHostPort(parts[1], defaultConnectPort)
		if !ok {
			return RequestTarget{}, false
		}
		return RequestTarget{Method: method, Host: host, Port: port}, true
	}

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "host") {
			continue
		}
		host, port, ok := splitHostPort(strings.TrimSpace(value), defaultHTTPPort)
		if !ok {
			return RequestTarget{}, false
		}
		return RequestTarget{Method: method, Host: host, Port: port}, true
	}
	return RequestTarget{}, false
}

// splitHostPort accepts "host", "host:port" and bracketed IPv6 forms.
// The returned host is lower-cased.
func splitHostPort(hostport string, defaultPort int) (string, int, bool) {
	if hostport == "" {
		return "", 0, false
	}

	host := hostport
	portStr := ""
	if strings.HasPrefix(hostport, "[") {
		end := strings.Index(hostport, "]")
		if end < 0 {
			return "", 0, false
		}
		host = hostport[1:end]
		rest := hostport[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", 0, false
			}
			portStr = rest[1:]
		}
	} else if i := strings.LastIndex(hostport, ":"); i >= 0 {
		host = hostport[:i]
		portStr = hostport[i+1:]
	}

	// Hostnames compare case-insensitively and may carry the root dot.
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", 0, false
	}
	if portStr == "" {
		return host, defaultPort, true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

// RewriteRequestLine turns an absolute-form target ("GET http://host/path")
// into origin-form ("GET /path"). Anything it cannot rewrite is returned
// unchanged.
func RewriteRequestLine(data []byte) []byte {
	end := bytes.Index(data, []byte("\r\n"))
	if end < 0 {
		end = len(data)
	}
	line := data[:end]
	if !utf8.Valid(line) {
		return data
	}

	parts := strings.Split(string(line), " ")
	if len(parts) != 3 {
		return data
	}

	target := parts[1]
	var rest string
	switch {
	case strings.HasPrefix(target, "http://"):
		rest = target[len("http://"):]
	case strings.HasPrefix(target, "https://"):
		rest = target[len("https://"):]
	default:
		return data
	}

	path := "/"
	if i := strings.Index(rest, "/"); i >= 0 {
		path = rest[i:]
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	buf.WriteString(parts[0])
	buf.WriteByte(' ')
	buf.WriteString(path)
	buf.WriteByte(' ')
	buf.WriteString(parts[2])
	buf.Write(data[end:])
	return buf.Bytes()
}

// headEnd returns the index just past the "\r\n\r\n" terminating a header
// block, or -1.
func headEnd(data []byte) int {
	i := bytes.Index(data, []byte("\r\n\r\n"))
	if i < 0 {
		return -1
	}
	return i + 4
}
