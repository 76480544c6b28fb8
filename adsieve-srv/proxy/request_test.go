package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected RequestTarget
		ok       bool
	}{
		{
			name:     "CONNECT with port",
			input:    "CONNECT example.com:8443 HTTP/1.1\r\n\r\n",
			expected: RequestTarget{Method: "CONNECT", Host: "example.com", Port: 8443},
			ok:       true,
		},
		{
			name:     "CONNECT default port",
			input:    "CONNECT example.com HTTP/1.1\r\n\r\n",
			expected: RequestTarget{Method: "CONNECT", Host: "example.com", Port: 443},
			ok:       true,
		},
		{
			name:     "CONNECT IPv6",
			input:    "CONNECT [::1]:8443 HTTP/1.1\r\n\r\n",
			expected: RequestTarget{Method: "CONNECT", Host: "::1", Port: 8443},
			ok:       true,
		},
		{
			name:  "CONNECT without host",
			input: "CONNECT :443 HTTP/1.1\r\n\r\n",
		},
		{
			name:  "CONNECT bad port",
			input: "CONNECT example.com:http HTTP/1.1\r\n\r\n",
		},
		{
			name:     "GET with host",
			input:    "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
			expected: RequestTarget{Method: "GET", Host: "example.com", Port: 80},
			ok:       true,
		},
		{
			name:     "GET case-insensitive header with port",
			input:    "GET http://example.com:8080/x HTTP/1.1\r\nUser-Agent: t\r\nhOsT: example.com:8080\r\n\r\n",
			expected: RequestTarget{Method: "GET", Host: "example.com", Port: 8080},
			ok:       true,
		},
		{
			name:     "GET mixed-case host",
			input:    "GET / HTTP/1.1\r\nHost: ADS.Example.com\r\n\r\n",
			expected: RequestTarget{Method: "GET", Host: "ads.example.com", Port: 80},
			ok:       true,
		},
		{
			name:     "CONNECT mixed-case host with root dot",
			input:    "CONNECT Ads.EXAMPLE.com.:443 HTTP/1.1\r\n\r\n",
			expected: RequestTarget{Method: "CONNECT", Host: "ads.example.com", Port: 443},
			ok:       true,
		},
		{
			name:  "GET without host",
			input: "GET / HTTP/1.1\r\nX: y\r\n\r\n",
		},
		{
			name:  "single token",
			input: "GARBAGE\r\n\r\n",
		},
		{
			name:  "empty",
			input: "",
		},
		{
			name:     "invalid utf-8 in headers",
			input:    "GET / HTTP/1.1\r\nX-Bin: \xff\xfe\r\nHost: example.org\r\n\r\n",
			expected: RequestTarget{Method: "GET", Host: "example.org", Port: 80},
			ok:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRequestLine([]byte(tt.input))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestRequestTarget_Address(t *testing.T) {
	assert.Equal(t, "example.com:443", RequestTarget{Method: "CONNECT", Host: "example.com", Port: 443}.Address())
	assert.Equal(t, "[::1]:80", RequestTarget{Host: "::1", Port: 80}.Address())
	assert.True(t, RequestTarget{Method: "CONNECT"}.IsConnect())
	assert.False(t, RequestTarget{Method: "GET"}.IsConnect())
}

func TestRewriteRequestLine(t *testing.T) {
	t.Run("absolute http", func(t *testing.T) {
		in := "GET http://foo.bar/path HTTP/1.1\r\nHost: foo.bar\r\n\r\n"
		out := string(RewriteRequestLine([]byte(in)))
		assert.Contains(t, out, "GET /path HTTP/1.1")
		assert.Equal(t, "GET /path HTTP/1.1\r\nHost: foo.bar\r\n\r\n", out)
	})

	t.Run("absolute https without path", func(t *testing.T) {
		out := RewriteRequestLine([]byte("HEAD https://foo.bar HTTP/1.0\r\n\r\n"))
		assert.Equal(t, "HEAD / HTTP/1.0\r\n\r\n", string(out))
	})

	t.Run("query preserved", func(t *testing.T) {
		out := RewriteRequestLine([]byte("GET http://foo.bar:81/a/b?q=1 HTTP/1.1\r\n\r\n"))
		assert.Equal(t, "GET /a/b?q=1 HTTP/1.1\r\n\r\n", string(out))
	})

	unchanged := []string{
		"GET /path HTTP/1.1\r\nHost: foo.bar\r\n\r\n",
		"GET http://foo.bar/path\r\n\r\n",
		"GET \xff\xfe HTTP/1.1\r\n\r\n",
		"",
	}
	for _, in := range unchanged {
		assert.Equal(t, []byte(in), RewriteRequestLine([]byte(in)), "input %q", in)
	}
}

func TestHeadEnd(t *testing.T) {
	assert.Equal(t, -1, headEnd([]byte("GET / HTTP/1.1\r\nHost: x\r\n")))
	assert.Equal(t, 4, headEnd([]byte("\r\n\r\nbody")))
}
