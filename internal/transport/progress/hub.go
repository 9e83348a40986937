// Package progress broadcasts batch progress to websocket subscribers.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rtsreplay.ai/internal/progressproto"
)

const subscriberQueue = 256

// Hub fans published messages out to every subscriber. Publishing never
// blocks; a subscriber that falls behind loses messages.
type Hub struct {
	log logrus.FieldLogger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu     sync.Mutex
	subs   map[string]chan []byte
	run    progressproto.RunMsg
	closed bool

	dropped atomic.Uint64
}

func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		log:  logger,
		subs: map[string]chan []byte{},
		run:  progressproto.RunMsg{Type: progressproto.TypeRun, ProtocolVersion: progressproto.Version},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see WSHandler
		},
	}
}

// Start resets the run header sent to new subscribers and broadcasts it.
func (h *Hub) Start(m progressproto.RunMsg) {
	if h == nil {
		return
	}
	m.Type, m.ProtocolVersion = progressproto.TypeRun, progressproto.Version
	h.mu.Lock()
	h.run = m
	h.mu.Unlock()
	h.publish(m)
}

func (h *Hub) File(m progressproto.FileMsg) {
	if h == nil {
		return
	}
	m.Type, m.ProtocolVersion = progressproto.TypeFile, progressproto.Version
	h.mu.Lock()
	h.run.Done++
	h.mu.Unlock()
	h.publish(m)
}

func (h *Hub) Summary(m progressproto.SummaryMsg) {
	if h == nil {
		return
	}
	m.Type, m.ProtocolVersion = progressproto.TypeSummary, progressproto.Version
	h.publish(m)
}

// Dropped counts messages lost to full subscriber queues.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Warn("progress: encode")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) subscribe() (string, chan []byte, progressproto.RunMsg, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", nil, progressproto.RunMsg{}, false
	}
	id := fmt.Sprintf("P%d", h.nextID.Add(1))
	ch := make(chan []byte, subscriberQueue)
	h.subs[id] = ch
	return id, ch, h.run, true
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Close disconnects every subscriber. Later subscriptions are refused.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// StatusHandler serves the current run header as JSON.
func (h *Hub) StatusHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h.mu.Lock()
		resp := h.run
		h.mu.Unlock()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// WSHandler upgrades loopback clients. The first client message must be a
// SUBSCRIBE with the current protocol version; the server answers with
// the run header and then streams FILE and SUMMARY messages.
func (h *Hub) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub progressproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != progressproto.TypeSubscribe || sub.ProtocolVersion != progressproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		id, out, run, ok := h.subscribe()
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "batch finished"), time.Now().Add(time.Second))
			return
		}
		defer h.unsubscribe(id)
		h.log.WithField("subscriber", id).Debug("progress: subscribed")

		if err := writeJSON(conn, run); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: only detects disconnects.
		go func() {
			for {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		<-writeErr
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
