// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var (
		mu      sync.Mutex
		records []slog.Record
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), &records
}

// messages returns the messages of the captured records at the given level.
func messages(records []slog.Record, level slog.Level) []string {
	var out []string
	for _, record := range records {
		if record.Level == level {
			out = append(out, record.Message)
		}
	}
	return out
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// funcEngine is an [Engine] whose behavior tests override per method.
//
// Methods without an override record the call, allocate increasing
// handles, and return [StatusOK]. The callbacks registered by the
// [*Stack] are available through fireUDP and fireTCP.
type funcEngine struct {
	buf    []byte
	buflen int
	calls  []string
	nexth  Handle
	tcpcb  TCPCallback
	udpcb  UDPCallback

	InitFunc       func(netif NetifConfig) error
	LinkRecvFunc   func() Status
	LinkSendFunc   func() Status
	UDPNewFunc     func() Handle
	UDPBindFunc    func(h Handle, ip uint32, port uint16) Status
	UDPSendFunc    func(h Handle) Status
	UDPSendToFunc  func(h Handle, ip uint32, port uint16) Status
	TCPNewFunc     func() Handle
	TCPCloseFunc   func(h Handle) Status
	TCPAbortFunc   func(h Handle)
	TCPListenFunc  func(h Handle) Handle
	TCPConnectFunc func(h Handle, ip uint32, port uint16) Status
	TCPWriteFunc   func(h Handle, more bool) Status
	TCPSndBufFunc  func(h Handle) int
	TCPRemoteFunc  func(h Handle) (uint32, uint16)
}

var _ Engine = &funcEngine{}

func newFuncEngine(capacity int) *funcEngine {
	return &funcEngine{buf: make([]byte, capacity)}
}

func (e *funcEngine) record(format string, args ...any) {
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

func (e *funcEngine) alloc() Handle {
	e.nexth++
	return e.nexth
}

// load places data into the shared buffer as the engine would before a callback.
func (e *funcEngine) load(data []byte) {
	e.buflen = copy(e.buf, data)
}

func (e *funcEngine) fireUDP(h Handle, data []byte, addr string, port uint16) Status {
	e.load(data)
	ip, err := ParseIPv4(addr)
	if err != nil {
		panic(err)
	}
	return e.udpcb(h, ip, port)
}

func (e *funcEngine) fireTCP(h Handle, kind EventKind, arg int, newh Handle) Status {
	return e.tcpcb(h, kind, arg, newh)
}

func (e *funcEngine) Init(netif NetifConfig) error {
	e.record("Init(%s)", netif.IP)
	if e.InitFunc != nil {
		return e.InitFunc(netif)
	}
	return nil
}

func (e *funcEngine) Tick() {
	e.record("Tick()")
}

func (e *funcEngine) LinkRecv() Status {
	if e.LinkRecvFunc != nil {
		return e.LinkRecvFunc()
	}
	return StatusWouldBlock
}

func (e *funcEngine) LinkSend() Status {
	e.record("LinkSend(%d)", e.buflen)
	if e.LinkSendFunc != nil {
		return e.LinkSendFunc()
	}
	return StatusOK
}

func (e *funcEngine) Buffer() []byte {
	return e.buf
}

func (e *funcEngine) BufferLen() int {
	return e.buflen
}

func (e *funcEngine) SetBufferLen(n int) {
	e.buflen = n
}

func (e *funcEngine) SetUDPCallback(fn UDPCallback) {
	e.udpcb = fn
}

func (e *funcEngine) UDPNew() Handle {
	if e.UDPNewFunc != nil {
		return e.UDPNewFunc()
	}
	h := e.alloc()
	e.record("UDPNew() = %d", h)
	return h
}

func (e *funcEngine) UDPRemove(h Handle) {
	e.record("UDPRemove(%d)", h)
}

func (e *funcEngine) UDPBind(h Handle, ip uint32, port uint16) Status {
	e.record("UDPBind(%d, %s, %d)", h, FormatIPv4(ip), port)
	if e.UDPBindFunc != nil {
		return e.UDPBindFunc(h, ip, port)
	}
	return StatusOK
}

func (e *funcEngine) UDPConnect(h Handle, ip uint32, port uint16) Status {
	e.record("UDPConnect(%d, %s, %d)", h, FormatIPv4(ip), port)
	return StatusOK
}

func (e *funcEngine) UDPDisconnect(h Handle) {
	e.record("UDPDisconnect(%d)", h)
}

func (e *funcEngine) UDPSend(h Handle) Status {
	e.record("UDPSend(%d, %q)", h, e.buf[:e.buflen])
	if e.UDPSendFunc != nil {
		return e.UDPSendFunc(h)
	}
	return StatusOK
}

func (e *funcEngine) UDPSendTo(h Handle, ip uint32, port uint16) Status {
	e.record("UDPSendTo(%d, %q, %s, %d)", h, e.buf[:e.buflen], FormatIPv4(ip), port)
	if e.UDPSendToFunc != nil {
		return e.UDPSendToFunc(h, ip, port)
	}
	return StatusOK
}

func (e *funcEngine) SetTCPCallback(fn TCPCallback) {
	e.tcpcb = fn
}

func (e *funcEngine) TCPNew() Handle {
	if e.TCPNewFunc != nil {
		return e.TCPNewFunc()
	}
	h := e.alloc()
	e.record("TCPNew() = %d", h)
	return h
}

func (e *funcEngine) TCPClose(h Handle) Status {
	e.record("TCPClose(%d)", h)
	if e.TCPCloseFunc != nil {
		return e.TCPCloseFunc(h)
	}
	return StatusOK
}

func (e *funcEngine) TCPAbort(h Handle) {
	e.record("TCPAbort(%d)", h)
	if e.TCPAbortFunc != nil {
		e.TCPAbortFunc(h)
	}
}

func (e *funcEngine) TCPBind(h Handle, ip uint32, port uint16) Status {
	e.record("TCPBind(%d, %s, %d)", h, FormatIPv4(ip), port)
	return StatusOK
}

func (e *funcEngine) TCPListen(h Handle) Handle {
	if e.TCPListenFunc != nil {
		return e.TCPListenFunc(h)
	}
	newh := e.alloc()
	e.record("TCPListen(%d) = %d", h, newh)
	return newh
}

func (e *funcEngine) TCPRecved(h Handle, n int) {
	e.record("TCPRecved(%d, %d)", h, n)
}

func (e *funcEngine) TCPConnect(h Handle, ip uint32, port uint16) Status {
	e.record("TCPConnect(%d, %s, %d)", h, FormatIPv4(ip), port)
	if e.TCPConnectFunc != nil {
		return e.TCPConnectFunc(h, ip, port)
	}
	return StatusOK
}

func (e *funcEngine) TCPWrite(h Handle, more bool) Status {
	e.record("TCPWrite(%d, %d, %v)", h, e.buflen, more)
	if e.TCPWriteFunc != nil {
		return e.TCPWriteFunc(h, more)
	}
	return StatusOK
}

func (e *funcEngine) TCPSndBuf(h Handle) int {
	if e.TCPSndBufFunc != nil {
		return e.TCPSndBufFunc(h)
	}
	return 1 << 20
}

func (e *funcEngine) TCPOutput(h Handle) Status {
	e.record("TCPOutput(%d)", h)
	return StatusOK
}

func (e *funcEngine) TCPRemoteIP(h Handle) uint32 {
	if e.TCPRemoteFunc != nil {
		ip, _ := e.TCPRemoteFunc(h)
		return ip
	}
	return 0
}

func (e *funcEngine) TCPRemotePort(h Handle) uint16 {
	if e.TCPRemoteFunc != nil {
		_, port := e.TCPRemoteFunc(h)
		return port
	}
	return 0
}

// newTestStack returns a [*Stack] driving engine with a fake clock.
func newTestStack(t *testing.T, engine Engine, logger SLogger) (*Stack, *fakeClock) {
	clock := newFakeClock()
	cfg := NewConfig()
	cfg.TimeNow = clock.Now
	s, err := NewStack(cfg, engine, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}
