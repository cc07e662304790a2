package telephony

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeMediaSession struct {
	mu          sync.Mutex
	connected   string
	audio       [][]byte
	dtmf        []string
	caller      string
	called      string
	hangups     int
	disconnects int

	out  chan []byte
	done chan struct{}
}

func newFakeMediaSession() *fakeMediaSession {
	return &fakeMediaSession{out: make(chan []byte, 64), done: make(chan struct{})}
}

func (s *fakeMediaSession) Connected(uuid string) {
	s.mu.Lock()
	s.connected = uuid
	s.mu.Unlock()
}
func (s *fakeMediaSession) HandleAudio(frame []byte) {
	s.mu.Lock()
	s.audio = append(s.audio, frame)
	s.mu.Unlock()
}
func (s *fakeMediaSession) HandleMetadata(caller, called string) {
	s.mu.Lock()
	s.caller, s.called = caller, called
	s.mu.Unlock()
}
func (s *fakeMediaSession) HandleDTMF(d string) {
	s.mu.Lock()
	s.dtmf = append(s.dtmf, d)
	s.mu.Unlock()
}
func (s *fakeMediaSession) SwitchHangup() {
	s.mu.Lock()
	s.hangups++
	s.mu.Unlock()
}
func (s *fakeMediaSession) Disconnected() {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
}
func (s *fakeMediaSession) Output() <-chan []byte { return s.out }
func (s *fakeMediaSession) Done() <-chan struct{} { return s.done }

type fakeBinder struct {
	sessions map[string]*fakeMediaSession
	grace    time.Duration
}

func (b *fakeBinder) Bind(ctx context.Context, callID string) (MediaSession, bool) {
	if s, ok := b.sessions[callID]; ok {
		return s, true
	}
	select {
	case <-time.After(b.grace):
	case <-ctx.Done():
	}
	return nil, false
}

func mediaServer(t *testing.T, binder SessionBinder) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewMediaHandler(binder, nil)
	r.GET("/ws/:call_id", h.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestMediaRoutesFramesAndControl(t *testing.T) {
	sess := newFakeMediaSession()
	binder := &fakeBinder{sessions: map[string]*fakeMediaSession{"call-1": sess}, grace: 100 * time.Millisecond}
	srv := mediaServer(t, binder)
	conn := dialWS(t, srv, "/ws/call-1?uuid=fs-abc")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"metadata","caller":"111","called":"222"}`)); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	pcm := make([]byte, 320)
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dtmf","digit":"1"}`)); err != nil {
		t.Fatalf("write dtmf: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hangup"}`)); err != nil {
		t.Fatalf("write hangup: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		ok := sess.connected == "fs-abc" && len(sess.audio) == 1 &&
			len(sess.dtmf) == 1 && sess.hangups == 1 && sess.caller == "111"
		sess.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	t.Fatalf("session never saw all inputs: %+v", sess)
}

func TestMediaDeliversOutboundAudio(t *testing.T) {
	sess := newFakeMediaSession()
	binder := &fakeBinder{sessions: map[string]*fakeMediaSession{"call-1": sess}, grace: 100 * time.Millisecond}
	srv := mediaServer(t, binder)
	conn := dialWS(t, srv, "/ws/call-1")

	for i := 0; i < 3; i++ {
		sess.out <- make([]byte, 320)
	}

	for i := 0; i < 3; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if msgType != websocket.BinaryMessage || len(data) != 320 {
			t.Fatalf("frame %d: type %d len %d", i, msgType, len(data))
		}
	}
}

func TestMediaOrphanClosedWithPolicyViolation(t *testing.T) {
	binder := &fakeBinder{sessions: map[string]*fakeMediaSession{}, grace: 50 * time.Millisecond}
	srv := mediaServer(t, binder)
	conn := dialWS(t, srv, "/ws/unknown-id")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected close")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code %d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestMediaIgnoresUnknownFramesWithCounter(t *testing.T) {
	sess := newFakeMediaSession()
	binder := &fakeBinder{sessions: map[string]*fakeMediaSession{"call-1": sess}, grace: 100 * time.Millisecond}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewMediaHandler(binder, nil)
	r.GET("/ws/:call_id", h.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	conn := dialWS(t, srv, "/ws/call-1")

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.UnknownFrames() == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("unknown frame counter: %d", h.UnknownFrames())
}
