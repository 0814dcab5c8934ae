package gateway

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

var feedTracer = otel.Tracer("progress-feed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking for production
		return true
	},
}

// subscriberBuffer caps the per-connection event queue. A consumer that falls
// this far behind is dropped rather than allowed to stall the loop.
const subscriberBuffer = 64

// Feed fans generation progress events out to websocket subscribers, keyed by
// session. It satisfies the engine's EventSink.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan model.ProgressEvent]struct{}
	log         *zap.Logger
}

// NewFeed creates an empty progress feed.
func NewFeed(log *zap.Logger) *Feed {
	return &Feed{
		subscribers: make(map[uuid.UUID]map[chan model.ProgressEvent]struct{}),
		log:         log,
	}
}

// Publish delivers an event to every subscriber of its session. Slow
// subscribers are dropped so the generation loop never blocks on the feed.
func (f *Feed) Publish(ev model.ProgressEvent) {
	f.mu.RLock()
	subs := f.subscribers[ev.SessionID]
	var stale []chan model.ProgressEvent
	for ch := range subs {
		select {
		case ch <- ev:
		default:
			stale = append(stale, ch)
		}
	}
	f.mu.RUnlock()

	for _, ch := range stale {
		f.log.Warn("dropping slow feed subscriber",
			zap.String("session_id", ev.SessionID.String()))
		f.unsubscribe(ev.SessionID, ch)
	}
}

// Subscribe registers a new subscriber for a session.
func (f *Feed) Subscribe(sessionID uuid.UUID) chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, subscriberBuffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribers[sessionID] == nil {
		f.subscribers[sessionID] = make(map[chan model.ProgressEvent]struct{})
	}
	f.subscribers[sessionID][ch] = struct{}{}
	return ch
}

func (f *Feed) unsubscribe(sessionID uuid.UUID, ch chan model.ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subscribers[sessionID]
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(f.subscribers, sessionID)
	}
	close(ch)
}

// SubscriberCount reports active subscribers for a session.
func (f *Feed) SubscriberCount(sessionID uuid.UUID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers[sessionID])
}

// Serve handles GET /api/ws/sessions/:id, upgrading the connection and
// streaming progress events until the client disconnects.
// @Summary Stream generation progress
// @Description WebSocket endpoint streaming real-time progress for a generation session
// @Tags sessions
// @Param id path string true "Session ID"
// @Param Authorization header string true "Bearer token"
// @Success 101 "Switching Protocols"
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Security BearerAuth
// @Router /ws/sessions/{id} [get]
func (f *Feed) Serve(c *gin.Context) {
	_, span := feedTracer.Start(c.Request.Context(), "feed.serve")
	defer span.End()

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error: "Invalid session ID",
			Code:  model.ErrCodeInvalidRequest,
		})
		return
	}
	span.SetAttributes(attribute.String("session.id", sessionID.String()))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		f.log.Error("failed to upgrade feed connection",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		return
	}
	defer conn.Close()

	ch := f.Subscribe(sessionID)
	defer f.unsubscribe(sessionID, ch)

	done := make(chan struct{})

	// Reader goroutine only detects disconnects. The feed is one way.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				f.log.Debug("feed write failed, closing subscriber",
					zap.String("session_id", sessionID.String()),
					zap.Error(err))
				return
			}
			if ev.Type == model.EventTerminal {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Status)))
				return
			}
		case <-done:
			return
		}
	}
}
