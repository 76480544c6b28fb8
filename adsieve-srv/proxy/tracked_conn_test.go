package proxy

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/dump"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTrackedConn_CountsAndReportsOnce(t *testing.T) {
	a, b := tcpPair(t)
	collector := &mockCollector{}
	collector.On("EndConnection", mock.Anything, int64(7), int64(5), int64(3), mock.Anything, "blocked").Return(nil).Once()

	tc := newTrackedConn(a, collector, nil)
	tc.setStatsID(7)

	_, err := tc.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = b.Write([]byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	_ = tc.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(tc, buf)
	require.NoError(t, err)

	tc.setCloseReason("blocked")
	tc.setCloseReason("normal")
	require.NoError(t, tc.Close())
	_ = tc.Close()

	collector.AssertExpectations(t)
}

func TestTrackedConn_NoStatsIDSkipsReport(t *testing.T) {
	a, _ := net.Pipe()
	collector := &mockCollector{}

	tc := newTrackedConn(a, collector, nil)
	require.NoError(t, tc.Close())
	collector.AssertNotCalled(t, "EndConnection")
}

func TestTrackedConn_DefaultReasonIsNormal(t *testing.T) {
	a, _ := net.Pipe()
	collector := &mockCollector{}
	collector.On("EndConnection", mock.Anything, int64(1), int64(0), int64(0), mock.Anything, "normal").Return(nil).Once()

	tc := newTrackedConn(a, collector, nil)
	tc.setStatsID(1)
	require.NoError(t, tc.Close())
	collector.AssertExpectations(t)
}

func TestTrackedConn_InterimTransferReports(t *testing.T) {
	a, b := tcpPair(t)
	collector := &mockCollector{}
	collector.On("RecordDataTransfer", mock.Anything, int64(3), int64(transferReportEvery), int64(0)).Return(nil).Once()
	collector.On("EndConnection", mock.Anything, int64(3), int64(transferReportEvery), int64(0), mock.Anything, "normal").Return(nil).Once()

	go func() {
		buf := make([]byte, copyBufferSize)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	tc := newTrackedConn(a, collector, nil)
	tc.setStatsID(3)
	_, err := tc.Write(bytes.Repeat([]byte("x"), transferReportEvery))
	require.NoError(t, err)
	require.NoError(t, tc.Close())
	collector.AssertExpectations(t)
}

func TestTrackedConn_DumpsPayload(t *testing.T) {
	dir := t.TempDir()
	w, err := dump.NewWriter(dir, true)
	require.NoError(t, err)

	a, b := tcpPair(t)
	tc := newTrackedConn(a, nil, w)

	_, err = tc.Write([]byte("to-client"))
	require.NoError(t, err)
	got := make([]byte, 9)
	_ = b.SetReadDeadline(time.Now().Add(time.Second))
	_, err = b.Read(got)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "*_response.dump"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	content, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(content, []byte("\n\nto-client")))
}

func TestTrackedConn_SyscallConn(t *testing.T) {
	a, _ := tcpPair(t)
	tc := newTrackedConn(a, nil, nil)
	raw, err := tc.SyscallConn()
	require.NoError(t, err)
	assert.NoError(t, raw.Control(func(uintptr) {}))

	p, _ := net.Pipe()
	_, err = newTrackedConn(p, nil, nil).SyscallConn()
	assert.Error(t, err)
}
