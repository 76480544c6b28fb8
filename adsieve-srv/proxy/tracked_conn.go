package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/dump"
	"github.com/codefionn/adsieve/adsieve-srv/stats"
)

// transferReportEvery is how many relayed bytes accumulate before an
// interim RecordDataTransfer call.
const transferReportEvery = 256 * 1024

// trackedConn wraps the client side of a proxied connection. It counts bytes,
// mirrors payload chunks to the dump writer and reports the totals to the
// stats collector exactly once on Close.
type trackedConn struct {
	net.Conn
	collector stats.Collector
	dumps     *dump.Writer
	statsID   int64
	startTime time.Time

	bytesSent     atomic.Int64 // proxy -> client
	bytesReceived atomic.Int64 // client -> proxy
	reportedSent  atomic.Int64
	reportedRecv  atomic.Int64
	closeReason   atomic.Value
	endOnce       sync.Once
}

func newTrackedConn(conn net.Conn, collector stats.Collector, dumps *dump.Writer) *trackedConn {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &trackedConn{
		Conn:      conn,
		collector: collector,
		dumps:     dumps,
		startTime: time.Now(),
	}
}

// setStatsID binds the collector-side connection id, known after dispatch.
func (c *trackedConn) setStatsID(id int64) {
	c.statsID = id
}

// setCloseReason records why the connection is ending. The first reason wins.
func (c *trackedConn) setCloseReason(reason string) {
	c.closeReason.CompareAndSwap(nil, reason)
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.dumps.Write(dump.Request, b[:n])
		c.bytesReceived.Add(int64(n))
		c.maybeReport()
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.dumps.Write(dump.Response, b[:n])
		c.bytesSent.Add(int64(n))
		c.maybeReport()
	}
	return n, err
}

// CloseWrite half-closes the connection when the transport supports it.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// SyscallConn exposes the descriptor for liveness checks.
func (c *trackedConn) SyscallConn() (syscall.RawConn, error) {
	if sc, ok := c.Conn.(syscall.Conn); ok {
		return sc.SyscallConn()
	}
	return nil, syscall.EINVAL
}

// maybeReport sends interim byte deltas for long-lived tunnels.
func (c *trackedConn) maybeReport() {
	if c.statsID == 0 {
		return
	}
	sent, recv := c.bytesSent.Load(), c.bytesReceived.Load()
	prevSent, prevRecv := c.reportedSent.Load(), c.reportedRecv.Load()
	if (sent-prevSent)+(recv-prevRecv) < transferReportEvery {
		return
	}
	if !c.reportedSent.CompareAndSwap(prevSent, sent) {
		return
	}
	c.reportedRecv.Store(recv)
	_ = c.collector.RecordDataTransfer(context.Background(), c.statsID, sent-prevSent, recv-prevRecv)
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		if c.statsID == 0 {
			return
		}
		reason, _ := c.closeReason.Load().(string)
		if reason == "" {
			reason = "normal"
		}
		_ = c.collector.EndConnection(context.Background(), c.statsID,
			c.bytesSent.Load(), c.bytesReceived.Load(), time.Since(c.startTime), reason)
	})
	return err
}
