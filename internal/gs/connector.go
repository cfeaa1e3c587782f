// Package gs is the groundstation connector: a bidirectional
// request/response broker over persistent WebSocket sessions, with a
// multiplexed interactive terminal fan-out.
//
// One session per connected station, keyed by the subject of the token
// presented in the hello frame. Each session runs a read and a write
// pump; control calls are serialized per session by a one-slot busy
// lock and correlated by request id.
package gs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/internal/auth"
	"github.com/discosat/satop-platform/pkg/models"
)

// CloseAuthFailure is the WebSocket close code for a rejected token.
const CloseAuthFailure = 3000

// DefaultControlTimeout bounds the wait for a groundstation response.
const DefaultControlTimeout = 60 * time.Second

// StationInfo is one row of the station listing.
type StationInfo struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Connector is the process-wide session and terminal registry.
type Connector struct {
	auth     *auth.Authorization
	upgrader websocket.Upgrader

	// ControlTimeout is how long SendToGS waits for a response.
	// Overridable for tests; defaults to DefaultControlTimeout.
	ControlTimeout time.Duration

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	termMu    sync.RWMutex
	terminals map[TerminalKey]*Terminal
}

// NewConnector creates an empty connector.
func NewConnector(a *auth.Authorization) *Connector {
	return &Connector{
		auth:           a,
		upgrader:       websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ControlTimeout: DefaultControlTimeout,
		sessions:       make(map[uuid.UUID]*Session),
		terminals:      make(map[TerminalKey]*Terminal),
	}
}

// Stations lists the currently connected groundstations.
func (c *Connector) Stations() []StationInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stations := make([]StationInfo, 0, len(c.sessions))
	for id, s := range c.sessions {
		stations = append(stations, StationInfo{ID: id, Name: s.Name})
	}
	return stations
}

func (c *Connector) session(id uuid.UUID) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// helloFrame is the first message of both the station and the operator
// terminal handshakes.
type helloFrame struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

func readHello(conn *websocket.Conn) (*helloFrame, error) {
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("hello must be a text frame")
	}
	var hello helloFrame
	if err := json.Unmarshal(raw, &hello); err != nil {
		return nil, fmt.Errorf("malformed hello: %w", err)
	}
	return &hello, nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// HandleStation is the WS /api/gs/ws endpoint. It performs the hello
// handshake, registers the session and runs its pumps until disconnect.
func (c *Connector) HandleStation(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("groundstation websocket upgrade failed")
		return
	}
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("incoming groundstation websocket")

	hello, err := readHello(conn)
	if err != nil {
		closeWith(conn, websocket.CloseProtocolError, "malformed hello")
		return
	}
	if hello.Type != "hello" || hello.Name == "" || hello.Token == "" {
		conn.WriteJSON(map[string]any{"message": "malformed hello"})
		closeWith(conn, websocket.CloseProtocolError, "malformed hello")
		return
	}

	payload, err := c.auth.Validate(hello.Token, models.TokenAccess)
	if err != nil {
		log.Warn().Err(err).Str("name", hello.Name).Msg("groundstation authorization error")
		conn.WriteJSON(map[string]any{"message": "authorization error"})
		closeWith(conn, CloseAuthFailure, "authorization error")
		return
	}

	session := newSession(payload.Sub, hello.Name, conn)

	c.mu.Lock()
	old, takeover := c.sessions[session.ID]
	if takeover {
		old.close()
	}
	c.sessions[session.ID] = session
	c.mu.Unlock()
	if takeover {
		// The replaced station's terminals are stale; drop them now so
		// the new session starts from a clean slate and announces its
		// own.
		c.closeTerminalsOf(session.ID)
	}

	if err := conn.WriteJSON(map[string]any{"message": "OK", "id": session.ID.String()}); err != nil {
		c.removeSession(session)
		return
	}
	log.Info().Str("name", session.Name).Stringer("id", session.ID).Msg("groundstation connected")

	err = session.run(r.Context(), func(msg map[string]any) {
		c.handleInbound(session.ID, msg)
	})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug().Err(err).Stringer("id", session.ID).Msg("groundstation session ended")
	}

	c.removeSession(session)
	log.Info().Str("name", session.Name).Stringer("id", session.ID).Msg("groundstation disconnected")
}

// removeSession deregisters the session, closes its terminals and fails
// every outstanding pending response.
func (c *Connector) removeSession(s *Session) {
	c.mu.Lock()
	owned := c.sessions[s.ID] == s
	if owned {
		delete(c.sessions, s.ID)
	}
	c.mu.Unlock()

	// Waiters wake via the closed channel; their deferred removePending
	// drains the map.
	s.close()

	// After a takeover the registry slot and the terminals belong to the
	// replacement session.
	if owned {
		c.closeTerminalsOf(s.ID)
	}
}

// handleInbound dispatches a non-response message from a station.
func (c *Connector) handleInbound(gsID uuid.UUID, msg map[string]any) {
	if errPayload, ok := msg["error"]; ok && errPayload != nil {
		log.Error().Stringer("gs", gsID).Interface("error", errPayload).
			Msg("received error from groundstation")
		return
	}

	msgType, ok := msg["type"].(string)
	if !ok || msgType == "" {
		log.Warn().Stringer("gs", gsID).Msg("message from groundstation missing type")
		return
	}

	if cmd, ok := strings.CutPrefix(msgType, "terminal/"); ok {
		c.handleTerminalMessage(gsID, msg, cmd)
		return
	}

	log.Warn().Stringer("gs", gsID).Str("type", msgType).
		Msg("unsupported message type received from groundstation")
}

// SendControl forwards payload to the station on behalf of the
// authenticated principal of ctx and waits for the correlated response.
func (c *Connector) SendControl(ctx context.Context, gsID uuid.UUID, payload any, user uuid.UUID) (map[string]any, error) {
	return c.SendToGS(ctx, gsID, payload, &ProxyHeader{
		Origin:            "control_frame",
		AuthenticatedUser: user.String(),
	})
}

// SendToGS implements the control round-trip contract:
//
//  1. acquire the session's one-slot busy lock, else 503
//  2. register a pending response under a fresh request id and enqueue
//  3. wait for the response up to ControlTimeout, else 502
//  4. a GS-reported error maps to 502 with its details
//
// The busy slot is released on every exit path.
func (c *Connector) SendToGS(ctx context.Context, gsID uuid.UUID, payload any, proxy *ProxyHeader) (map[string]any, error) {
	session, ok := c.session(gsID)
	if !ok {
		return nil, apierror.ServiceUnavailable.WithDetail("Groundstation is not connected")
	}

	if !session.busy.TryLock() {
		return nil, apierror.ServiceUnavailable.WithDetail("Groundstation is busy. Try again later")
	}
	defer session.busy.Unlock()

	requestID := uuid.New()
	pending := session.addPending(requestID)
	defer session.removePending(requestID)

	if err := session.enqueue(ctx, outboundRequest{requestID: requestID, payload: payload, proxy: proxy}); err != nil {
		return nil, apierror.ServiceUnavailable.Wrap(err)
	}
	log.Debug().Stringer("gs", gsID).Stringer("request", requestID).Msg("control request enqueued")

	timer := time.NewTimer(c.ControlTimeout)
	defer timer.Stop()

	select {
	case <-pending.ready:
		if pending.err != nil {
			log.Warn().Stringer("gs", gsID).Interface("error", pending.err).
				Msg("received error from ground station")
			return nil, apierror.UpstreamError.WithDetail(fmt.Sprintf("%v", pending.err))
		}
		return pending.data, nil
	case <-timer.C:
		return nil, apierror.UpstreamError.WithDetail("Groundstation timed out")
	case <-session.closed:
		return nil, apierror.UpstreamError.WithDetail("Groundstation connection lost")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
