package telephony

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"voicebridge/internal/audio"
)

// MediaSession is what the adapter needs from a live call. The session
// registry's sessions satisfy it.
type MediaSession interface {
	Connected(switchUUID string)
	HandleAudio(frame []byte)
	HandleMetadata(caller, called string)
	HandleDTMF(digit string)
	SwitchHangup()
	Disconnected()
	Output() <-chan []byte
	Done() <-chan struct{}
}

// SessionBinder resolves a call_id to its pending session, waiting out the
// registry's grace window.
type SessionBinder interface {
	Bind(ctx context.Context, callID string) (MediaSession, bool)
}

// controlFrame is the out-of-band JSON the switch interleaves with PCM.
type controlFrame struct {
	Type   string `json:"type"`
	UUID   string `json:"uuid,omitempty"`
	Caller string `json:"caller,omitempty"`
	Called string `json:"called,omitempty"`
	Digit  string `json:"digit,omitempty"`
}

// MediaHandler terminates the switch's per-call media WebSocket: raw linear16
// 8 kHz mono in both directions, 20 ms frames, JSON control frames out of
// band. Output to the switch is paced at wall-clock frame rate to match its
// jitter buffer.
type MediaHandler struct {
	Binder SessionBinder
	Log    *slog.Logger

	upgrader websocket.Upgrader

	// unknownFrames counts ignored garbage from the switch.
	unknownFrames atomic.Int64
}

func NewMediaHandler(binder SessionBinder, log *slog.Logger) *MediaHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MediaHandler{
		Binder: binder,
		Log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// UnknownFrames reports how many unintelligible frames were dropped.
func (h *MediaHandler) UnknownFrames() int64 { return h.unknownFrames.Load() }

// Handle serves /ws/:call_id.
func (h *MediaHandler) Handle(c *gin.Context) {
	callID := c.Param("call_id")
	log := h.Log.With("call_id", callID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media upgrade failed", "err", err)
		return
	}

	sess, ok := h.Binder.Bind(c.Request.Context(), callID)
	if !ok {
		// Orphan: nothing admitted under this id within the grace window.
		log.Warn("orphan media connection")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no session for call")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	switchUUID := c.Query("uuid")
	if switchUUID == "" {
		switchUUID = callID
	}
	sess.Connected(switchUUID)
	log.Info("media attached", "switch_uuid", switchUUID)

	go h.writeLoop(conn, sess, log)

	// Close the socket when the session tears down, unblocking the reader.
	go func() {
		<-sess.Done()
		_ = conn.Close()
	}()

	h.readLoop(conn, sess, log)
}

// readLoop pushes switch frames into the session until the socket drops.
func (h *MediaHandler) readLoop(conn *websocket.Conn, sess MediaSession, log *slog.Logger) {
	defer sess.Disconnected()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-sess.Done():
				// Session ended first; this is the expected close.
			default:
				log.Info("media connection closed", "err", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			sess.HandleAudio(data)

		case websocket.TextMessage:
			var ctrl controlFrame
			if err := json.Unmarshal(data, &ctrl); err != nil {
				h.unknownFrames.Add(1)
				continue
			}
			switch ctrl.Type {
			case "metadata":
				sess.HandleMetadata(ctrl.Caller, ctrl.Called)
			case "dtmf":
				sess.HandleDTMF(ctrl.Digit)
			case "hangup", "disconnect", "stop":
				sess.SwitchHangup()
			default:
				h.unknownFrames.Add(1)
			}

		default:
			h.unknownFrames.Add(1)
		}
	}
}

// writeLoop delivers session audio to the switch at wall-clock pace, one
// frame per tick. The session's bounded output buffer limits how far delivery
// runs ahead of this loop; it does not slow synthesis, whose frames the
// session queues without bound.
func (h *MediaHandler) writeLoop(conn *websocket.Conn, sess MediaSession, log *slog.Logger) {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for range ticker.C {
		select {
		case frame, ok := <-sess.Output():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Debug("media write failed", "err", err)
				return
			}
		case <-sess.Done():
			return
		default:
			// No audio ready this tick.
		}
	}
}
