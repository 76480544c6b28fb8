package proxy

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/htmlfilter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseHead(t *testing.T) {
	head := []byte("HTTP/1.1 200 OK\r\ncontent-type: text/html; charset=utf-8\r\nTransfer-Encoding: chunked\r\nX-Custom: a\r\n\r\n")
	h, ok := parseResponseHead(head)
	require.True(t, ok)
	assert.Equal(t, 200, h.statusCode)
	assert.Equal(t, "HTTP/1.1 200 OK", h.statusLine)
	assert.Len(t, h.lines, 3)
	assert.True(t, h.isHTML())
	assert.True(t, h.chunked())
	_, hasLength := h.contentLength()
	assert.False(t, hasLength)

	_, ok = parseResponseHead([]byte("garbage\r\n\r\n"))
	assert.False(t, ok)
	_, ok = parseResponseHead([]byte("HTTP/1.1 abc OK\r\n\r\n"))
	assert.False(t, ok)
}

func TestResponseHead_HasBody(t *testing.T) {
	tests := []struct {
		status int
		method string
		want   bool
	}{
		{200, "GET", true},
		{200, "HEAD", false},
		{204, "GET", false},
		{304, "GET", false},
		{101, "GET", false},
		{404, "POST", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.status, tt.method), func(t *testing.T) {
			h := &responseHead{statusCode: tt.status}
			assert.Equal(t, tt.want, h.hasBody(tt.method))
		})
	}
}

func TestResponseHead_Rewrite(t *testing.T) {
	head := []byte("HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=iso-8859-1\r\nCONTENT-LENGTH: 999\r\nContent-Encoding: gzip\r\nTransfer-Encoding: chunked\r\nServer: test\r\n\r\n")
	h, ok := parseResponseHead(head)
	require.True(t, ok)

	out := string(h.rewrite(42, true, true))
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nCONTENT-LENGTH: 42\r\nServer: test\r\n\r\n", out)

	kept := string(h.rewrite(7, false, false))
	assert.Contains(t, kept, "Content-Encoding: gzip\r\n")
	assert.Contains(t, kept, "charset=iso-8859-1")
	assert.NotContains(t, kept, "Transfer-Encoding")
}

func TestResponseHead_RewriteAppendsContentLength(t *testing.T) {
	h, ok := parseResponseHead([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nTransfer-Encoding: chunked\r\n\r\n"))
	require.True(t, ok)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 10\r\n\r\n", string(h.rewrite(10, false, false)))
}

func TestChunkedEnd(t *testing.T) {
	full := chunk([]byte("hello world"), 4)

	end, ok := chunkedEnd(full)
	assert.True(t, ok)
	assert.Equal(t, len(full), end)

	_, ok = chunkedEnd(full[:len(full)-2])
	assert.False(t, ok)

	withTrailer := []byte("3\r\nabc\r\n0\r\nX-Trailer: 1\r\n\r\nEXTRA")
	end, ok = chunkedEnd(withTrailer)
	assert.True(t, ok)
	assert.Equal(t, len(withTrailer)-len("EXTRA"), end)

	withExt := []byte("3;name=v\r\nabc\r\n0\r\n\r\n")
	end, ok = chunkedEnd(withExt)
	assert.True(t, ok)
	assert.Equal(t, len(withExt), end)

	end, ok = chunkedEnd([]byte("zz\r\nabc"))
	assert.True(t, ok)
	assert.Equal(t, 7, end)
}

// runRelay serves response from a fake origin and returns what the client
// side of the pipeline received.
func runRelay(t *testing.T, p *responsePipeline, method string, response []byte, closeAfter bool) []byte {
	t.Helper()
	proxySide, originSide := tcpPair(t)

	go func() {
		_, _ = originSide.Write(response)
		if closeAfter {
			_ = originSide.Close()
		}
	}()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := p.relay(&out, proxySide, method)
		done <- err
	}()

	if !closeAfter {
		// Give the pipeline time to emit the first response, then end the stream.
		time.Sleep(200 * time.Millisecond)
		_ = originSide.Close()
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}
	return out.Bytes()
}

func newTestPipeline() *responsePipeline {
	return &responsePipeline{
		filter:      true,
		banner:      htmlfilter.BannerNone,
		maxBody:     1 << 20,
		readTimeout: 2 * time.Second,
		host:        "example.com",
	}
}

func TestResponsePipeline_FiltersHTMLWithContentLength(t *testing.T) {
	var removed []htmlfilter.RemovedElement
	p := newTestPipeline()
	p.onFiltered = func(res htmlfilter.Result) { removed = res.Removed }

	response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s", len(samplePage), samplePage)
	out := runRelay(t, p, "GET", []byte(response), false)

	head, body, found := bytes.Cut(out, []byte("\r\n\r\n"))
	require.True(t, found)
	assert.Contains(t, string(head), fmt.Sprintf("Content-Length: %d", len(body)))
	assert.NotContains(t, string(body), "ad-container")
	assert.Contains(t, string(body), htmlfilter.StyleID)
	assert.Contains(t, string(body), "<p>hello</p>")
	require.Len(t, removed, 1)
	assert.Equal(t, ".ad-container", removed[0].Selector)
}

func TestResponsePipeline_ChunkedGzip(t *testing.T) {
	p := newTestPipeline()
	body := chunk(gzipBytes(t, []byte(samplePage)), 16)
	response := append([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Encoding: gzip\r\nTransfer-Encoding: chunked\r\n\r\n"), body...)

	out := runRelay(t, p, "GET", response, false)
	head, decoded, found := bytes.Cut(out, []byte("\r\n\r\n"))
	require.True(t, found)

	headStr := string(head)
	assert.NotContains(t, headStr, "Transfer-Encoding")
	assert.NotContains(t, headStr, "Content-Encoding")
	assert.Contains(t, headStr, fmt.Sprintf("Content-Length: %d", len(decoded)))
	assert.NotContains(t, string(decoded), "ad-container")
	assert.Contains(t, string(decoded), "hello")
}

func TestResponsePipeline_BodyUntilEOF(t *testing.T) {
	p := newTestPipeline()
	response := "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n" + samplePage

	out := runRelay(t, p, "GET", []byte(response), true)
	assert.Contains(t, string(out), "Content-Length: ")
	assert.NotContains(t, string(out), "ad-container")
}

func TestResponsePipeline_Passthrough(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		response string
		mutate   func(*responsePipeline)
	}{
		{
			name:     "non-html",
			method:   "GET",
			response: "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 26\r\n\r\n{\"class\":\"ad-container\"}  ",
		},
		{
			name:     "head request",
			method:   "HEAD",
			response: "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 500\r\n\r\n",
		},
		{
			name:     "not modified",
			method:   "GET",
			response: "HTTP/1.1 304 Not Modified\r\nContent-Type: text/html\r\n\r\n",
		},
		{
			name:     "filter disabled",
			method:   "GET",
			response: "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\n" + samplePage,
			mutate:   func(p *responsePipeline) { p.filter = false },
		},
		{
			name:     "body over cap",
			method:   "GET",
			response: "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\n" + samplePage + strings.Repeat("x", 256),
			mutate:   func(p *responsePipeline) { p.maxBody = 64 },
		},
		{
			name:     "undecodable body",
			method:   "GET",
			response: "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Encoding: gzip\r\nContent-Length: 9\r\n\r\nnot-gzip!",
		},
		{
			name:     "not http",
			method:   "GET",
			response: "SSH-2.0-OpenSSH\r\n\r\nrest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline()
			if tt.mutate != nil {
				tt.mutate(p)
			}
			out := runRelay(t, p, tt.method, []byte(tt.response), true)
			assert.Equal(t, tt.response, string(out))
		})
	}
}

func TestResponsePipeline_UnchangedHTMLKeepsBytes(t *testing.T) {
	p := newTestPipeline()
	page := "<html><head><style id=\"adsieve-banner-style\"></style></head><body><p>clean</p></body></html>"
	response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s", len(page), page)

	out := runRelay(t, p, "GET", []byte(response), true)
	assert.Equal(t, response, string(out))
}

func TestResponsePipeline_LaterResponsesPassThrough(t *testing.T) {
	p := newTestPipeline()
	first := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s", len(samplePage), samplePage)
	second := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s", len(samplePage), samplePage)

	out := runRelay(t, p, "GET", []byte(first+second), true)
	assert.Equal(t, 1, strings.Count(string(out), "ad-container"))
	assert.True(t, strings.HasSuffix(string(out), second))
}

func TestResponsePipeline_SilentOriginTimesOut(t *testing.T) {
	p := newTestPipeline()
	p.readTimeout = 200 * time.Millisecond
	proxySide, originSide := tcpPair(t)
	defer originSide.Close()

	var out bytes.Buffer
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := p.relay(&out, proxySide, "GET")
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Empty(t, out.Bytes())
	case <-time.After(3 * time.Second):
		t.Fatal("relay kept waiting for a response head")
	}
}
