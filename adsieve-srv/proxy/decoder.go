package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// maxDecodedBytes bounds the output of a single decode.
const maxDecodedBytes = 64 << 20

// DecodeStatus tells the caller whether DecodeResult.Body is usable.
type DecodeStatus int

const (
	// DecodeOK means Body holds the decoded entity.
	DecodeOK DecodeStatus = iota
	// DecodeFallback means decoding failed; Body holds the original bytes.
	DecodeFallback
)

func (s DecodeStatus) String() string {
	if s == DecodeOK {
		return "ok"
	}
	return "fallback"
}

// DecodeResult is the outcome of DecodeBody.
type DecodeResult struct {
	Status DecodeStatus
	Body   []byte
	// ContentDecoded is set once a Content-Encoding other than identity was
	// removed from Body.
	ContentDecoded bool
	Err            error
}

// DecodeBody removes the transfer coding and content coding named in header
// from body. On any failure the original body is returned with
// DecodeFallback.
func DecodeBody(header http.Header, body []byte) DecodeResult {
	out := body
	chunked := false

	for _, te := range headerTokens(header, "Transfer-Encoding") {
		switch te {
		case "chunked":
			chunked = true
		case "identity":
		default:
			return fallback(body, NewDecodeError(ErrCodeUnsupportedEncoding,
				fmt.Sprintf("transfer-encoding %q", te), nil))
		}
	}

	if chunked {
		decoded, err := readLimited(httputil.NewChunkedReader(bytes.NewReader(body)))
		if err != nil {
			return fallback(body, NewDecodeError(ErrCodeDecodeFailed, "chunked body", err))
		}
		out = decoded
	}

	encodings := headerTokens(header, "Content-Encoding")
	contentDecoded := false
	// Codings are listed in the order applied, so undo them last to first.
	for i := len(encodings) - 1; i >= 0; i-- {
		decoded, applied, err := decodeContent(out, encodings[i])
		if err != nil {
			return fallback(body, err)
		}
		out = decoded
		contentDecoded = contentDecoded || applied
	}

	return DecodeResult{Status: DecodeOK, Body: out, ContentDecoded: contentDecoded}
}

func decodeContent(data []byte, encoding string) ([]byte, bool, error) {
	var r io.Reader
	switch encoding {
	case "identity":
		return data, false, nil
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false, NewDecodeError(ErrCodeDecodeFailed, "gzip header", err)
		}
		defer gr.Close()
		r = gr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	case "br", "brotli":
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, false, NewDecodeError(ErrCodeUnsupportedEncoding,
			fmt.Sprintf("content-encoding %q", encoding), nil)
	}

	out, err := readLimited(r)
	if err != nil {
		return nil, false, NewDecodeError(ErrCodeDecodeFailed, encoding+" body", err)
	}
	return out, true, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedBytes {
		return nil, NewDecodeError(ErrCodeResponseBodyTooLarge, "decoded body too large", nil)
	}
	return out, nil
}

func fallback(body []byte, err error) DecodeResult {
	return DecodeResult{Status: DecodeFallback, Body: body, Err: err}
}

// headerTokens returns the lower-cased, comma separated tokens of all values
// of the named header.
func headerTokens(header http.Header, name string) []string {
	var tokens []string
	for _, v := range header.Values(name) {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "" {
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}
