package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/deepgram_live_proxy_go/pkg/deepgram"
	"github.com/silviot/deepgram_live_proxy_go/pkg/frame"
)

// fakeClient is a channel-backed ClientConn for exercising the relay without
// a real socket.
type fakeClient struct {
	in        chan frame.Frame
	readErrs  chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []frame.Frame
	writeErr error
	pings    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		in:       make(chan frame.Frame, 16),
		readErrs: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeClient) ReadFrame() (frame.Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case err := <-f.readErrs:
		return frame.Frame{}, err
	case <-f.closed:
		return frame.Frame{}, errors.New("use of closed connection")
	}
}

func (f *fakeClient) WriteFrame(fr frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeClient) Ping() error {
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeClient) frames() []frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame.Frame, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeClient) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// fakeUpstream is a channel-backed Upstream.
type fakeUpstream struct {
	mode    string
	frameCh chan frame.Frame
	errCh   chan error

	mu          sync.Mutex
	sent        []frame.Frame
	sendErr     error
	closed      bool
	closeReason frame.Reason
}

func newFakeUpstream(mode string) *fakeUpstream {
	return &fakeUpstream{
		mode:    mode,
		frameCh: make(chan frame.Frame, 16),
		errCh:   make(chan error, 1),
	}
}

func (u *fakeUpstream) Send(f frame.Frame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendErr != nil {
		return u.sendErr
	}
	u.sent = append(u.sent, f)
	return nil
}

func (u *fakeUpstream) Frames() <-chan frame.Frame { return u.frameCh }
func (u *fakeUpstream) Errors() <-chan error       { return u.errCh }
func (u *fakeUpstream) Mode() string               { return u.mode }

func (u *fakeUpstream) Close(reason frame.Reason) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		u.closeReason = reason
	}
	return nil
}

func (u *fakeUpstream) sentFrames() []frame.Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]frame.Frame, len(u.sent))
	copy(out, u.sent)
	return out
}

func (u *fakeUpstream) closedWith() (bool, frame.Reason) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed, u.closeReason
}

func startSession(client ClientConn, upstream Upstream, idle time.Duration) (*Session, <-chan frame.Reason) {
	s := New(Config{
		ID:          "s-test",
		Client:      client,
		Upstream:    upstream,
		IdleTimeout: idle,
	})
	reasonCh := make(chan frame.Reason, 1)
	go func() { reasonCh <- s.Run() }()
	return s, reasonCh
}

func awaitReason(t *testing.T, ch <-chan frame.Reason) frame.Reason {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to close")
		return ""
	}
}

func controlFrame(kind string) frame.Frame {
	return frame.Frame{Type: frame.TypeControl, Origin: frame.OriginClient, Control: frame.Control{Kind: kind}}
}

// Client sends audio then stop while the provider stays silent. The client
// must observe exactly one terminal frame, with reason ClientStop, and the
// provider connection must be closed after it.
func TestClientStopAfterAudio(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	for i := byte(1); i <= 3; i++ {
		client.in <- frame.Binary(frame.OriginClient, uint64(i), []byte{i})
	}
	client.in <- controlFrame(frame.KindStop)

	_, reasonCh := startSession(client, upstream, time.Minute)
	if got := awaitReason(t, reasonCh); got != frame.ReasonClientStop {
		t.Errorf("reason = %q, want %q", got, frame.ReasonClientStop)
	}

	sent := upstream.sentFrames()
	if len(sent) != 3 {
		t.Fatalf("expected 3 frames forwarded upstream, got %d", len(sent))
	}
	for i, f := range sent {
		if f.Type != frame.TypeBinary || f.Payload[0] != byte(i+1) {
			t.Errorf("upstream frame %d = %+v, want binary payload %d", i, f, i+1)
		}
	}

	written := client.frames()
	if len(written) != 1 {
		t.Fatalf("expected exactly 1 terminal frame to client, got %d", len(written))
	}
	terminal := written[0].Control
	if terminal.Kind != frame.KindStop {
		t.Errorf("terminal kind = %q, want %q", terminal.Kind, frame.KindStop)
	}
	if terminal.Reason != frame.ReasonClientStop {
		t.Errorf("terminal reason = %q, want %q", terminal.Reason, frame.ReasonClientStop)
	}

	closed, reason := upstream.closedWith()
	if !closed {
		t.Error("upstream link was not closed")
	}
	if reason != frame.ReasonClientStop {
		t.Errorf("upstream close reason = %q, want %q", reason, frame.ReasonClientStop)
	}
}

func TestProviderFramesPreserveOrder(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	for i := uint64(1); i <= 5; i++ {
		upstream.frameCh <- frame.Metadata(frame.OriginProvider, i, []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	_, reasonCh := startSession(client, upstream, time.Minute)

	// Give the provider loop time to flush, then end the session.
	time.Sleep(100 * time.Millisecond)
	client.in <- controlFrame(frame.KindStop)
	awaitReason(t, reasonCh)

	written := client.frames()
	if len(written) != 6 { // 5 metadata + terminal
		t.Fatalf("expected 6 frames written to client, got %d", len(written))
	}
	for i := 0; i < 5; i++ {
		if got, want := written[i].Seq, uint64(i+1); got != want {
			t.Errorf("frame %d Seq = %d, want %d (order not preserved)", i, got, want)
		}
	}
}

func TestProviderCleanCloseDeliversTail(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeSpeak)

	upstream.frameCh <- frame.Binary(frame.OriginProvider, 1, []byte{0xaa})
	upstream.frameCh <- frame.Binary(frame.OriginProvider, 2, []byte{0xbb})
	upstream.errCh <- deepgram.ErrProviderClosed

	_, reasonCh := startSession(client, upstream, time.Minute)
	if got := awaitReason(t, reasonCh); got != frame.ReasonProviderStop {
		t.Errorf("reason = %q, want %q", got, frame.ReasonProviderStop)
	}

	written := client.frames()
	if len(written) != 3 {
		t.Fatalf("expected 2 audio frames plus terminal, got %d frames", len(written))
	}
	if written[0].Payload[0] != 0xaa || written[1].Payload[0] != 0xbb {
		t.Errorf("audio tail out of order: %v, %v", written[0].Payload, written[1].Payload)
	}
	terminal := written[2].Control
	if terminal.Kind != frame.KindStop || terminal.Reason != frame.ReasonProviderStop {
		t.Errorf("terminal = %+v, want stop/ProviderStop", terminal)
	}
}

func TestUpstreamErrorReasons(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason frame.Reason
		wantKind   string
	}{
		{
			name:       "provider closed",
			err:        deepgram.ErrProviderClosed,
			wantReason: frame.ReasonProviderStop,
			wantKind:   frame.KindStop,
		},
		{
			name:       "idle",
			err:        fmt.Errorf("%w: no provider traffic for 1m0s", deepgram.ErrIdle),
			wantReason: frame.ReasonIdle,
			wantKind:   frame.KindError,
		},
		{
			name:       "overrun",
			err:        fmt.Errorf("%w: provider frame queue full for 5s", deepgram.ErrOverrun),
			wantReason: frame.ReasonOverrun,
			wantKind:   frame.KindError,
		},
		{
			name:       "transport failure",
			err:        fmt.Errorf("%w: connection reset", deepgram.ErrUpstreamUnavailable),
			wantReason: frame.ReasonUpstreamUnavailable,
			wantKind:   frame.KindError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			upstream := newFakeUpstream(frame.ModeListen)
			upstream.errCh <- tt.err

			_, reasonCh := startSession(client, upstream, time.Minute)
			if got := awaitReason(t, reasonCh); got != tt.wantReason {
				t.Errorf("reason = %q, want %q", got, tt.wantReason)
			}

			written := client.frames()
			if len(written) != 1 {
				t.Fatalf("expected 1 terminal frame, got %d", len(written))
			}
			if written[0].Control.Kind != tt.wantKind {
				t.Errorf("terminal kind = %q, want %q", written[0].Control.Kind, tt.wantKind)
			}
			if written[0].Control.Reason != tt.wantReason {
				t.Errorf("terminal reason = %q, want %q", written[0].Control.Reason, tt.wantReason)
			}
		})
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	client.in <- frame.Frame{
		Type:    frame.TypeControl,
		Origin:  frame.OriginClient,
		Control: frame.Control{Kind: frame.KindStart, Mode: frame.ModeListen, Model: "nova-3"},
	}

	_, reasonCh := startSession(client, upstream, time.Minute)
	if got := awaitReason(t, reasonCh); got != frame.ReasonConfigError {
		t.Errorf("reason = %q, want %q", got, frame.ReasonConfigError)
	}

	written := client.frames()
	if len(written) != 1 || written[0].Control.Kind != frame.KindError {
		t.Fatalf("expected 1 terminal error frame, got %+v", written)
	}
}

func TestClientMetadataNotForwarded(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	client.in <- frame.Metadata(frame.OriginClient, 1, []byte(`{"junk":true}`))
	client.in <- frame.Binary(frame.OriginClient, 2, []byte{0x01})
	client.in <- controlFrame(frame.KindStop)

	_, reasonCh := startSession(client, upstream, time.Minute)
	awaitReason(t, reasonCh)

	sent := upstream.sentFrames()
	if len(sent) != 1 || sent[0].Type != frame.TypeBinary {
		t.Errorf("upstream received %+v, want only the binary frame", sent)
	}
}

func TestClientErrorFrameStopsSession(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	client.in <- frame.Frame{
		Type:    frame.TypeControl,
		Origin:  frame.OriginClient,
		Control: frame.Control{Kind: frame.KindError, Message: "microphone lost"},
	}

	_, reasonCh := startSession(client, upstream, time.Minute)
	if got := awaitReason(t, reasonCh); got != frame.ReasonClientStop {
		t.Errorf("reason = %q, want %q", got, frame.ReasonClientStop)
	}

	written := client.frames()
	if len(written) != 1 {
		t.Fatalf("expected 1 terminal frame, got %d", len(written))
	}
	if written[0].Control.Message != "microphone lost" {
		t.Errorf("terminal message = %q, want the client's message", written[0].Control.Message)
	}

	closed, _ := upstream.closedWith()
	if !closed {
		t.Error("upstream link was not closed")
	}
}

func TestIdleTimeout(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	_, reasonCh := startSession(client, upstream, 80*time.Millisecond)
	if got := awaitReason(t, reasonCh); got != frame.ReasonIdle {
		t.Errorf("reason = %q, want %q", got, frame.ReasonIdle)
	}

	written := client.frames()
	if len(written) != 1 || written[0].Control.Reason != frame.ReasonIdle {
		t.Fatalf("expected terminal frame with reason Idle, got %+v", written)
	}
	if client.pingCount() == 0 {
		t.Error("expected at least one ping before the idle timeout")
	}

	closed, reason := upstream.closedWith()
	if !closed || reason != frame.ReasonIdle {
		t.Errorf("upstream closed=%v reason=%q, want closed with Idle", closed, reason)
	}
}

func TestActivityDefersIdleTimeout(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	_, reasonCh := startSession(client, upstream, 150*time.Millisecond)

	// Keep one direction busy past the idle window, then go quiet.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		upstream.frameCh <- frame.Binary(frame.OriginProvider, 1, []byte{0x00})
		time.Sleep(30 * time.Millisecond)
	}

	start := time.Now()
	if got := awaitReason(t, reasonCh); got != frame.ReasonIdle {
		t.Fatalf("reason = %q, want %q", got, frame.ReasonIdle)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("session idled out %s after activity stopped, want at least ~150ms", elapsed)
	}
}

func TestSendOverrunTerminates(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)
	upstream.sendErr = fmt.Errorf("%w: provider send queue full for 5s", deepgram.ErrOverrun)

	client.in <- frame.Binary(frame.OriginClient, 1, []byte{0x01})

	_, reasonCh := startSession(client, upstream, time.Minute)
	if got := awaitReason(t, reasonCh); got != frame.ReasonOverrun {
		t.Errorf("reason = %q, want %q", got, frame.ReasonOverrun)
	}
}

func TestUnsupportedFrameBecomesConfigError(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeSpeak)
	upstream.sendErr = fmt.Errorf("%w: binary frames are not accepted in speak mode", deepgram.ErrUnsupportedFrame)

	client.in <- frame.Binary(frame.OriginClient, 1, []byte{0x01})

	_, reasonCh := startSession(client, upstream, time.Minute)
	if got := awaitReason(t, reasonCh); got != frame.ReasonConfigError {
		t.Errorf("reason = %q, want %q", got, frame.ReasonConfigError)
	}
}

func TestClientTransportFailureSkipsTerminalFrame(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"abrupt failure", errors.New("connection reset by peer")},
		{"clean websocket close", &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			upstream := newFakeUpstream(frame.ModeListen)
			client.readErrs <- tt.err

			_, reasonCh := startSession(client, upstream, time.Minute)
			if got := awaitReason(t, reasonCh); got != frame.ReasonClientStop {
				t.Errorf("reason = %q, want %q", got, frame.ReasonClientStop)
			}

			if written := client.frames(); len(written) != 0 {
				t.Errorf("expected no frames written to a failed client, got %d", len(written))
			}

			closed, _ := upstream.closedWith()
			if !closed {
				t.Error("upstream link was not closed")
			}
		})
	}
}

func TestExternalStop(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	s, reasonCh := startSession(client, upstream, time.Minute)
	time.Sleep(50 * time.Millisecond)

	s.Stop(frame.ReasonSessionClosed, "server shutting down")

	if got := awaitReason(t, reasonCh); got != frame.ReasonSessionClosed {
		t.Errorf("reason = %q, want %q", got, frame.ReasonSessionClosed)
	}
	if s.State() != StateClosed {
		t.Errorf("State = %v, want %v", s.State(), StateClosed)
	}

	written := client.frames()
	if len(written) != 1 {
		t.Fatalf("expected 1 terminal frame, got %d", len(written))
	}
	if written[0].Control.Reason != frame.ReasonSessionClosed {
		t.Errorf("terminal reason = %q, want %q", written[0].Control.Reason, frame.ReasonSessionClosed)
	}
	if written[0].Control.Message != "server shutting down" {
		t.Errorf("terminal message = %q, want the shutdown message", written[0].Control.Message)
	}

	// Stop is idempotent.
	s.Stop(frame.ReasonSessionClosed, "again")
}

// A shutdown can reach a session in the window between registration and Run.
// Run must still wait for the terminal reason to be recorded instead of
// tearing down with a stale one.
func TestStopBeforeRunRecordsReason(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	s := New(Config{ID: "s-early", Client: client, Upstream: upstream, IdleTimeout: time.Minute})

	stopped := make(chan struct{})
	go func() {
		s.Stop(frame.ReasonSessionClosed, "server shutting down")
		close(stopped)
	}()

	// Let Stop win the state race while the session is still Initializing.
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateClosing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.State() != StateClosing {
		t.Fatalf("State = %v, want %v before Run starts", s.State(), StateClosing)
	}

	if got := s.Run(); got != frame.ReasonSessionClosed {
		t.Errorf("Run = %q, want %q", got, frame.ReasonSessionClosed)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after Run closed the session")
	}

	written := client.frames()
	if len(written) != 1 || written[0].Control.Reason != frame.ReasonSessionClosed {
		t.Fatalf("expected 1 terminal frame with reason SessionClosed, got %+v", written)
	}
	closed, reason := upstream.closedWith()
	if !closed || reason != frame.ReasonSessionClosed {
		t.Errorf("upstream closed=%v reason=%q, want closed with SessionClosed", closed, reason)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	s, reasonCh := startSession(client, upstream, time.Minute)
	client.in <- controlFrame(frame.KindStop)
	awaitReason(t, reasonCh)

	err := s.Send(frame.Binary(frame.OriginClient, 9, []byte{0x01}))
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after close: error = %v, want ErrSessionClosed", err)
	}
}

// timeoutError mimics a write deadline expiring on the client socket.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestMalformedClientFrameBecomesConfigError(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)
	client.readErrs <- &frame.ConfigError{Field: "frame", Msg: "malformed control frame"}

	_, reasonCh := startSession(client, upstream, time.Minute)
	if got := awaitReason(t, reasonCh); got != frame.ReasonConfigError {
		t.Errorf("reason = %q, want %q", got, frame.ReasonConfigError)
	}

	// Unlike a transport failure, the connection still works: the client
	// must hear what it did wrong.
	written := client.frames()
	if len(written) != 1 {
		t.Fatalf("expected 1 terminal frame, got %d", len(written))
	}
	if written[0].Control.Kind != frame.KindError || written[0].Control.Reason != frame.ReasonConfigError {
		t.Errorf("terminal = %+v, want error/ConfigError", written[0].Control)
	}
}

func TestSlowClientWriteBecomesOverrun(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)
	client.writeErr = timeoutError{}

	upstream.frameCh <- frame.Metadata(frame.OriginProvider, 1, []byte(`{"n":1}`))

	_, reasonCh := startSession(client, upstream, time.Minute)
	if got := awaitReason(t, reasonCh); got != frame.ReasonOverrun {
		t.Errorf("reason = %q, want %q", got, frame.ReasonOverrun)
	}

	closed, reason := upstream.closedWith()
	if !closed || reason != frame.ReasonOverrun {
		t.Errorf("upstream closed=%v reason=%q, want closed with Overrun", closed, reason)
	}
}

func TestSessionStateProgression(t *testing.T) {
	client := newFakeClient()
	upstream := newFakeUpstream(frame.ModeListen)

	s := New(Config{ID: "s-states", Client: client, Upstream: upstream, IdleTimeout: time.Minute})
	if s.State() != StateInitializing {
		t.Errorf("State before Run = %v, want %v", s.State(), StateInitializing)
	}

	reasonCh := make(chan frame.Reason, 1)
	go func() { reasonCh <- s.Run() }()

	time.Sleep(50 * time.Millisecond)
	if s.State() != StateStreaming {
		t.Errorf("State during Run = %v, want %v", s.State(), StateStreaming)
	}

	client.in <- controlFrame(frame.KindStop)
	awaitReason(t, reasonCh)

	if s.State() != StateClosed {
		t.Errorf("State after Run = %v, want %v", s.State(), StateClosed)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done channel not closed after Run returned")
	}
}
