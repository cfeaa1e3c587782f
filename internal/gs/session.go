package gs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ProxyHeader is attribution metadata attached to outbound requests so
// the ground station can attribute actions to the originating principal.
type ProxyHeader struct {
	Origin            string `json:"origin"`
	AuthenticatedUser string `json:"authenticated_user"`
}

// FramedContent is a multi-frame payload: one JSON header announcing the
// frame count, followed by the frames in declared order. String frames
// go out as text, []byte frames as binary, everything else as JSON.
type FramedContent struct {
	Frames     []any
	HeaderData map[string]any
}

// outboundRequest is one entry in a session's outbox.
type outboundRequest struct {
	requestID uuid.UUID
	payload   any // map[string]any or FramedContent
	proxy     *ProxyHeader
}

// pendingResponse is the one-shot rendezvous between the read pump and a
// control caller. ready is closed exactly once, after data/err are set.
type pendingResponse struct {
	ready chan struct{}
	data  map[string]any
	err   any
}

// Session is one connected ground station. The session exclusively owns
// its outbox and pending map; terminals belong to the session and are
// closed with it.
type Session struct {
	ID   uuid.UUID
	Name string

	conn   *websocket.Conn
	outbox chan outboundRequest

	// busy is the one-slot serialization point for control calls.
	busy sync.Mutex

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingResponse

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id uuid.UUID, name string, conn *websocket.Conn) *Session {
	return &Session{
		ID:      id,
		Name:    name,
		conn:    conn,
		outbox:  make(chan outboundRequest, outboxCapacity),
		pending: make(map[uuid.UUID]*pendingResponse),
		closed:  make(chan struct{}),
	}
}

const outboxCapacity = 16

// enqueue places a request on the outbox, preserving FIFO order.
func (s *Session) enqueue(ctx context.Context, req outboundRequest) error {
	select {
	case s.outbox <- req:
		return nil
	case <-s.closed:
		return fmt.Errorf("groundstation %s disconnected", s.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// addPending registers a waiter for requestID.
func (s *Session) addPending(requestID uuid.UUID) *pendingResponse {
	p := &pendingResponse{ready: make(chan struct{})}
	s.mu.Lock()
	s.pending[requestID] = p
	s.mu.Unlock()
	return p
}

// removePending drops the waiter for requestID (timeout or completion).
func (s *Session) removePending(requestID uuid.UUID) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// resolvePending hands an inbound response to its waiter. Responses to
// unknown ids are dropped. The entry leaves the map before ready closes,
// so a duplicate reply to the same id takes the drop path instead of
// closing the channel twice.
func (s *Session) resolvePending(requestID uuid.UUID, data map[string]any, errPayload any) {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		log.Debug().Stringer("gs", s.ID).Stringer("request", requestID).
			Msg("no one is waiting for this response")
		return
	}
	p.data = data
	p.err = errPayload
	close(p.ready)
}

// close marks the session dead and wakes every outstanding waiter so
// callers do not hang on a disconnected station.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// run drives the read and write pumps until either fails or ctx ends.
func (s *Session) run(ctx context.Context, inbound func(msg map[string]any)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readPump(ctx, inbound) })
	g.Go(func() error { return s.writePump(ctx) })
	return g.Wait()
}

// readPump decodes inbound JSON messages. Responses are correlated into
// the pending map; everything else goes to the inbound dispatcher.
func (s *Session) readPump(ctx context.Context, inbound func(msg map[string]any)) error {
	for {
		var msg map[string]any
		if err := s.conn.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rawID, ok := msg["in_response_to"].(string)
		if !ok {
			inbound(msg)
			continue
		}
		requestID, err := uuid.Parse(rawID)
		if err != nil {
			log.Warn().Stringer("gs", s.ID).Str("in_response_to", rawID).
				Msg("response message carries malformed request id")
			continue
		}

		data, _ := msg["data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		s.resolvePending(requestID, data, msg["error"])
	}
}

// writePump serializes outbox entries onto the wire, preserving order.
func (s *Session) writePump(ctx context.Context) error {
	for {
		select {
		case req := <-s.outbox:
			if err := s.writeRequest(req); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) writeRequest(req outboundRequest) error {
	switch content := req.payload.(type) {
	case FramedContent:
		headerData := content.HeaderData
		if headerData == nil {
			headerData = map[string]any{}
		}
		header := map[string]any{
			"request_id": req.requestID.String(),
			"frames":     len(content.Frames),
			"data":       headerData,
		}
		if req.proxy != nil {
			header["proxy_header"] = req.proxy
		}
		if err := s.conn.WriteJSON(header); err != nil {
			return err
		}
		for _, frame := range content.Frames {
			if err := s.writeFrame(frame); err != nil {
				return err
			}
		}
		log.Debug().Stringer("request", req.requestID).Int("frames", len(content.Frames)).
			Msg("sent framed message to groundstation")
		return nil

	default:
		msg := map[string]any{
			"request_id": req.requestID.String(),
			"data":       req.payload,
		}
		if req.proxy != nil {
			msg["proxy_header"] = req.proxy
		}
		return s.conn.WriteJSON(msg)
	}
}

func (s *Session) writeFrame(frame any) error {
	switch f := frame.(type) {
	case string:
		return s.conn.WriteMessage(websocket.TextMessage, []byte(f))
	case []byte:
		return s.conn.WriteMessage(websocket.BinaryMessage, f)
	default:
		encoded, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode content frame: %w", err)
		}
		return s.conn.WriteMessage(websocket.TextMessage, encoded)
	}
}
