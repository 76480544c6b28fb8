package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/config"
	"github.com/codefionn/adsieve/adsieve-srv/logger"
	"github.com/codefionn/adsieve/adsieve-srv/proxy"
	"github.com/codefionn/adsieve/adsieve-srv/stats"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of page requests to send")
	numBlocked  = flag.Int("numBlocked", 100, "Total number of requests to a blocked ad host")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	adsPerPage  = flag.Int("adsPerPage", 50, "Ad containers embedded in every generated page")
)

const blockedHost = "ads.example.com"

type result struct {
	bytes   int64
	blocked bool
	err     error
}

// filterCounter counts elements the proxy strips from pages.
type filterCounter struct {
	*stats.DummyCollector
	removed atomic.Int64
}

func (c *filterCounter) RecordFilteredElement(_ context.Context, _ int64, _ string, _ stats.FilteredElement) error {
	c.removed.Add(1)
	return nil
}

func buildPage(ads int) []byte {
	var b strings.Builder
	b.WriteString("<html><head><title>bench</title></head><body>\n")
	for i := 0; i < ads; i++ {
		fmt.Fprintf(&b, "<p>paragraph %d</p>\n", i)
		fmt.Fprintf(&b, `<div class="ad-container"><img src="http://%s/banner%d.png"></div>`+"\n", blockedHost, i)
	}
	b.WriteString("</body></html>\n")
	return []byte(b.String())
}

func pageHandler(page []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/page" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(page); err != nil {
			logger.Error("failed to write page: %v", err)
		}
	}
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string, results chan<- result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		results <- result{err: fmt.Errorf("new request: %w", err)}
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		results <- result{err: fmt.Errorf("do request: %w", err)}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		results <- result{bytes: n, err: fmt.Errorf("read body: %w", err)}
		return
	}
	switch resp.StatusCode {
	case http.StatusOK:
		results <- result{bytes: n}
	case http.StatusNoContent:
		results <- result{blocked: true}
	default:
		results <- result{bytes: n, err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

// localDialer sends every origin dial to the page server.
type localDialer struct {
	addr string
}

func (d localDialer) Connect(ctx context.Context, _ string, _ int) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", d.addr)
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	page := buildPage(*adsPerPage)

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for page server: %v", err)
	}
	go func() {
		if err := http.Serve(targetLn, pageHandler(page)); err != nil {
			log.Printf("Page server error: %v", err)
		}
	}()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for proxy: %v", err)
	}
	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{{ListenAddress: proxyLn.Addr().String(), Enabled: true}}
	cfg.SweepIntervalSeconds = 0

	counter := &filterCounter{DummyCollector: stats.NewDummyCollector()}
	p := proxy.NewProxy(cfg, proxy.NewAdDomainMatcher([]string{blockedHost}), counter, nil)
	p.SetDialer(localDialer{addr: targetLn.Addr().String()})
	go func() {
		if err := p.StartWithListener(proxyLn); err != nil {
			log.Printf("Proxy server error: %v", err)
		}
	}()
	defer func() {
		if err := p.Stop(); err != nil {
			log.Printf("Proxy stop error: %v", err)
		}
	}()

	proxyURL, _ := url.Parse("http://" + proxyLn.Addr().String())
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}

	total := *numRequests + *numBlocked
	results := make(chan result, total)
	work := make(chan string, total)
	for i := 0; i < *numRequests; i++ {
		work <- "http://" + targetLn.Addr().String() + "/page"
	}
	for i := 0; i < *numBlocked; i++ {
		work <- "http://" + blockedHost + "/banner.png"
	}
	close(work)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range work {
				sendRequest(ctx, client, target, results)
			}
		}()
	}
	wg.Wait()
	close(results)

	success, blocked, errors, bytes := 0, 0, 0, int64(0)
	for res := range results {
		switch {
		case res.err != nil:
			errors++
		case res.blocked:
			blocked++
		default:
			success++
			bytes += res.bytes
		}
	}
	dur := time.Since(start)

	fmt.Printf("Duration: %.2f s, Pages: %d, Blocked: %d, Errors: %d\n", dur.Seconds(), success, blocked, errors)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", float64(success+blocked)/dur.Seconds(), float64(bytes)/dur.Seconds()/1024/1024)
	fmt.Printf("Removed elements: %d (page size %d bytes)\n", counter.removed.Load(), len(page))

	if errors > 0 || ctx.Err() == context.DeadlineExceeded {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
