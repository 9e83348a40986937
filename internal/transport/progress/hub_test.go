package progress

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rtsreplay.ai/internal/progressproto"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(msg, v); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
}

func TestHub_SubscribeAndStream(t *testing.T) {
	h := NewHub(quietLogger())
	h.Start(progressproto.RunMsg{RunID: "r1", ActionSpace: "v1", Workers: 2, Total: 3})
	srv := httptest.NewServer(h.WSHandler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	if err := conn.WriteJSON(progressproto.SubscribeMsg{Type: progressproto.TypeSubscribe, ProtocolVersion: progressproto.Version}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var run progressproto.RunMsg
	readJSON(t, conn, &run)
	if run.Type != progressproto.TypeRun || run.RunID != "r1" || run.Total != 3 {
		t.Fatalf("run: %+v", run)
	}

	h.File(progressproto.FileMsg{RunID: "r1", Seq: 1, Total: 3, Path: "a.rtsr", Status: "ok", Steps: 12})
	var f progressproto.FileMsg
	readJSON(t, conn, &f)
	if f.Type != progressproto.TypeFile || f.Path != "a.rtsr" || f.Steps != 12 || f.ProtocolVersion != progressproto.Version {
		t.Fatalf("file: %+v", f)
	}

	h.Summary(progressproto.SummaryMsg{RunID: "r1", Counts: map[string]int{"ok": 1}})
	var s progressproto.SummaryMsg
	readJSON(t, conn, &s)
	if s.Type != progressproto.TypeSummary || s.Counts["ok"] != 1 {
		t.Fatalf("summary: %+v", s)
	}

	h.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after hub shutdown")
	}
}

func TestHub_RejectsBadSubscribe(t *testing.T) {
	h := NewHub(quietLogger())
	srv := httptest.NewServer(h.WSHandler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want policy violation close, got %v", err)
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(quietLogger())
	_, ch, _, ok := h.subscribe()
	if !ok {
		t.Fatalf("subscribe refused")
	}
	for i := 0; i < subscriberQueue+10; i++ {
		h.File(progressproto.FileMsg{Seq: i})
	}
	if len(ch) != subscriberQueue || h.Dropped() != 10 {
		t.Fatalf("queue %d dropped %d", len(ch), h.Dropped())
	}
	h.Close()
	if _, _, _, ok := h.subscribe(); ok {
		t.Fatalf("subscribe after close accepted")
	}
}

func TestHub_StatusHandlerLoopbackOnly(t *testing.T) {
	h := NewHub(quietLogger())
	h.Start(progressproto.RunMsg{RunID: "r2", Total: 5})
	h.File(progressproto.FileMsg{})

	req := httptest.NewRequest(http.MethodGet, "/progress/status", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.StatusHandler()(rec, req)
	var run progressproto.RunMsg
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || run.RunID != "r2" || run.Done != 1 {
		t.Fatalf("status %d body %+v", rec.Code, run)
	}

	req.RemoteAddr = "10.1.2.3:5555"
	rec = httptest.NewRecorder()
	h.StatusHandler()(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback status %d", rec.Code)
	}
}

func TestHub_NilIsNoop(t *testing.T) {
	var h *Hub
	h.Start(progressproto.RunMsg{})
	h.File(progressproto.FileMsg{})
	h.Summary(progressproto.SummaryMsg{})
	h.Close()
	if h.Dropped() != 0 || h.Subscribers() != 0 {
		t.Fatalf("nil hub reported activity")
	}
}
