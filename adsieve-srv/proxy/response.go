package proxy

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/htmlfilter"
	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

// maxHeadBytes bounds request and response head buffering.
const maxHeadBytes = 64 * 1024

// responseHead is a parsed status line and header block. The original
// header lines are kept so that rewriting preserves order and spelling.
type responseHead struct {
	statusLine string
	statusCode int
	lines      []string
	header     http.Header
}

// parseResponseHead parses head, which must end with "\r\n\r\n".
func parseResponseHead(head []byte) (*responseHead, bool) {
	text := strings.ToValidUTF8(string(bytes.TrimSuffix(head, []byte("\r\n\r\n"))), "\uFFFD")
	lines := strings.Split(text, "\r\n")

	status := strings.Fields(lines[0])
	if len(status) < 2 || !strings.HasPrefix(status[0], "HTTP/") {
		return nil, false
	}
	code, err := strconv.Atoi(status[1])
	if err != nil {
		return nil, false
	}

	h := &responseHead{
		statusLine: lines[0],
		statusCode: code,
		lines:      lines[1:],
		header:     make(http.Header, len(lines)-1),
	}
	for _, line := range h.lines {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		h.header.Add(textproto.TrimString(name), textproto.TrimString(value))
	}
	return h, true
}

func (h *responseHead) isHTML() bool {
	return strings.Contains(strings.ToLower(h.header.Get("Content-Type")), "text/html")
}

func (h *responseHead) chunked() bool {
	for _, te := range headerTokens(h.header, "Transfer-Encoding") {
		if te == "chunked" {
			return true
		}
	}
	return false
}

func (h *responseHead) contentLength() (int64, bool) {
	v := h.header.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// hasBody reports whether a response to method can carry an entity.
func (h *responseHead) hasBody(method string) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case h.statusCode >= 100 && h.statusCode < 200,
		h.statusCode == http.StatusNoContent,
		h.statusCode == http.StatusNotModified:
		return false
	}
	return true
}

// rewrite renders the head for a body of bodyLen bytes. Transfer-Encoding
// is always dropped, Content-Encoding when dropEncoding is set, and the
// Content-Length line is substituted or appended.
func (h *responseHead) rewrite(bodyLen int, dropEncoding, utf8ContentType bool) []byte {
	var b bytes.Buffer
	b.WriteString(h.statusLine)
	b.WriteString("\r\n")

	lengthWritten := false
	for _, line := range h.lines {
		name, _, found := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		switch {
		case !found:
		case strings.EqualFold(name, "Transfer-Encoding"):
			continue
		case dropEncoding && strings.EqualFold(name, "Content-Encoding"):
			continue
		case strings.EqualFold(name, "Content-Length"):
			if lengthWritten {
				continue
			}
			line = name + ": " + strconv.Itoa(bodyLen)
			lengthWritten = true
		case utf8ContentType && strings.EqualFold(name, "Content-Type"):
			line = name + ": text/html; charset=utf-8"
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	if !lengthWritten {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(bodyLen))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// chunkedEnd scans a chunked body and returns the offset just past the
// terminating chunk and trailers. ok is false while more bytes are needed.
// Malformed framing is reported as complete so the decoder can reject it.
func chunkedEnd(body []byte) (end int, ok bool) {
	pos := 0
	for {
		i := bytes.Index(body[pos:], []byte("\r\n"))
		if i < 0 {
			return 0, false
		}
		sizeLine := string(body[pos : pos+i])
		if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if err != nil || size < 0 {
			return len(body), true
		}
		pos += i + 2

		if size == 0 {
			for {
				j := bytes.Index(body[pos:], []byte("\r\n"))
				if j < 0 {
					return 0, false
				}
				pos += j + 2
				if j == 0 {
					return pos, true
				}
			}
		}

		if int64(len(body)-pos) < size+2 {
			return 0, false
		}
		pos += int(size) + 2
	}
}

// responsePipeline rewrites the first response on a relay connection.
type responsePipeline struct {
	filter      bool
	banner      string
	maxBody     int
	readTimeout time.Duration
	host        string

	onFiltered func(res htmlfilter.Result)
	onFallback func(err error)
}

// relay copies the origin response in src to dst. The first response is
// buffered and filtered when it is HTML; all later bytes pass through.
func (p *responsePipeline) relay(dst io.Writer, src net.Conn, method string) (int64, error) {
	var written int64
	write := func(chunks ...[]byte) error {
		for _, c := range chunks {
			if len(c) == 0 {
				continue
			}
			n, err := dst.Write(c)
			written += int64(n)
			if err != nil {
				return err
			}
		}
		return nil
	}
	passthrough := func(chunks ...[]byte) (int64, error) {
		if err := write(chunks...); err != nil {
			return written, err
		}
		n, err := pooledCopy(dst, src)
		return written + n, err
	}

	// Head
	var buf []byte
	end := -1
	for end < 0 {
		if p.readTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(p.readTimeout))
		}
		_, err := readChunk(src, func(b []byte) error {
			buf = append(buf, b...)
			return nil
		})
		end = headEnd(buf)
		if end >= 0 {
			break
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				logger.Debug("No response head from %s within %s", p.host, p.readTimeout)
			}
			return written, ignoreEOF(write(buf))
		}
		if len(buf) > maxHeadBytes {
			_ = src.SetReadDeadline(time.Time{})
			return passthrough(buf)
		}
	}
	_ = src.SetReadDeadline(time.Time{})

	head, ok := parseResponseHead(buf[:end])
	if !ok || !p.filter || !head.isHTML() || !head.hasBody(method) {
		return passthrough(buf)
	}

	// Body
	body := buf[end:]
	headBytes := buf[:end]
	contentLength, hasLength := head.contentLength()
	chunked := head.chunked()
	if hasLength && contentLength == 0 && !chunked {
		return passthrough(buf)
	}

	eof := false
	complete := func() (int, bool) {
		switch {
		case chunked:
			return chunkedEnd(body)
		case hasLength:
			if int64(len(body)) >= contentLength {
				return int(contentLength), true
			}
			return 0, false
		default:
			return 0, false
		}
	}

	bodyEnd, done := complete()
	for !done {
		if p.readTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(p.readTimeout))
		}
		_, err := readChunk(src, func(b []byte) error {
			body = append(body, b...)
			return nil
		})
		if len(body) > p.maxBody {
			_ = src.SetReadDeadline(time.Time{})
			logger.Debug("HTML response from %s exceeds %d bytes, passing through", p.host, p.maxBody)
			return passthrough(headBytes, body)
		}
		bodyEnd, done = complete()
		if done {
			break
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				return written, err
			}
			eof = errors.Is(err, io.EOF)
			bodyEnd, done = len(body), true
		}
	}
	_ = src.SetReadDeadline(time.Time{})

	leftover := body[bodyEnd:]
	body = body[:bodyEnd]

	decoded := DecodeBody(head.header, body)
	if decoded.Status == DecodeFallback {
		logger.Debug("Decoding response from %s failed, passing through: %v", p.host, decoded.Err)
		if p.onFallback != nil {
			p.onFallback(decoded.Err)
		}
		if eof {
			return written, write(headBytes, body, leftover)
		}
		return passthrough(headBytes, body, leftover)
	}

	res := htmlfilter.FilterWithOptions(decoded.Body, htmlfilter.Options{
		ContentType: head.header.Get("Content-Type"),
		Banner:      p.banner,
	})
	if p.onFiltered != nil && res.Status == htmlfilter.Filtered {
		p.onFiltered(res)
	}

	outHead, outBody := headBytes, body
	if res.Status == htmlfilter.Filtered || chunked || decoded.ContentDecoded {
		reencoded := res.Status == htmlfilter.Filtered && !strings.EqualFold(res.Charset, "utf-8")
		outHead = head.rewrite(len(res.HTML), decoded.ContentDecoded, reencoded)
		outBody = res.HTML
	}

	if eof {
		return written, write(outHead, outBody, leftover)
	}
	return passthrough(outHead, outBody, leftover)
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
