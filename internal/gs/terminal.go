package gs

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/discosat/satop-platform/pkg/models"
)

// TerminalKey identifies a terminal within its parent station.
type TerminalKey struct {
	GS         uuid.UUID
	TerminalID string
}

// termClient is one attached operator connection. Writes to a shared
// websocket must be serialized, so each client carries its own lock.
type termClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *termClient) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Terminal is one interactive terminal announced by a ground station.
// At most one attached client holds the writer slot; everyone else is a
// reader. Terminals are owned by their session and die with it.
type Terminal struct {
	Name     string
	ReadOnly bool

	mu      sync.Mutex
	writer  *termClient
	readers []*termClient
}

func (t *Terminal) clients() []*termClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	clients := make([]*termClient, 0, len(t.readers)+1)
	if t.writer != nil {
		clients = append(clients, t.writer)
	}
	return append(clients, t.readers...)
}

// attach adds client, granting the writer slot only when wantWrite is
// set, the terminal is writable and the slot is free. Returns whether
// the client may write.
func (t *Terminal) attach(client *termClient, wantWrite bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wantWrite && !t.ReadOnly && t.writer == nil {
		t.writer = client
		return true
	}
	t.readers = append(t.readers, client)
	return false
}

func (t *Terminal) detach(client *termClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == client {
		t.writer = nil
		return
	}
	for i, c := range t.readers {
		if c == client {
			t.readers = append(t.readers[:i], t.readers[i+1:]...)
			return
		}
	}
}

// broadcast sends payload to every attached client and waits for all
// sends to settle.
func (t *Terminal) broadcast(payload any) {
	var g errgroup.Group
	for _, client := range t.clients() {
		client := client
		g.Go(func() error { return client.sendJSON(payload) })
	}
	if err := g.Wait(); err != nil {
		log.Debug().Err(err).Msg("terminal broadcast failed for a client")
	}
}

// TerminalInfo is one row of the terminal listing.
type TerminalInfo struct {
	Groundstation uuid.UUID `json:"groundstation"`
	TerminalID    string    `json:"terminal_id"`
	Name          string    `json:"name"`
	ReadOnly      bool      `json:"read_only"`
	WriteLocked   bool      `json:"write_locked"`
	WSURL         string    `json:"ws_url"`
}

// Terminals lists every registered terminal.
func (c *Connector) Terminals() []TerminalInfo {
	c.termMu.RLock()
	defer c.termMu.RUnlock()
	infos := make([]TerminalInfo, 0, len(c.terminals))
	for key, t := range c.terminals {
		t.mu.Lock()
		locked := t.writer != nil
		t.mu.Unlock()
		infos = append(infos, TerminalInfo{
			Groundstation: key.GS,
			TerminalID:    key.TerminalID,
			Name:          t.Name,
			ReadOnly:      t.ReadOnly,
			WriteLocked:   locked,
			WSURL:         "/api/gs/terminal/" + key.GS.String() + "/" + key.TerminalID,
		})
	}
	return infos
}

func (c *Connector) terminal(key TerminalKey) (*Terminal, bool) {
	c.termMu.RLock()
	defer c.termMu.RUnlock()
	t, ok := c.terminals[key]
	return t, ok
}

// handleTerminalMessage processes a GS-originated terminal/<cmd> frame.
func (c *Connector) handleTerminalMessage(gsID uuid.UUID, msg map[string]any, cmd string) {
	termID, ok := msg["terminal_id"].(string)
	if !ok || termID == "" {
		log.Warn().Stringer("gs", gsID).Msg("terminal command without a terminal id")
		return
	}
	key := TerminalKey{GS: gsID, TerminalID: termID}

	switch cmd {
	case "open":
		name, _ := msg["terminal_name"].(string)
		if name == "" {
			name = "Terminal"
		}
		readOnly, _ := msg["terminal_read_only"].(bool)

		c.termMu.Lock()
		if _, exists := c.terminals[key]; exists {
			c.termMu.Unlock()
			log.Warn().Stringer("gs", gsID).Str("terminal", termID).Msg("terminal already registered")
			return
		}
		c.terminals[key] = &Terminal{Name: name, ReadOnly: readOnly}
		c.termMu.Unlock()
		log.Info().Stringer("gs", gsID).Str("terminal", termID).Bool("read_only", readOnly).
			Msg("registered terminal")

	case "close":
		c.closeTerminal(key)

	case "stdout":
		term, ok := c.terminal(key)
		if !ok {
			log.Warn().Stringer("gs", gsID).Str("terminal", termID).
				Msg("stdout for unknown terminal dropped")
			return
		}
		response, ok := msg["response"].(map[string]any)
		if !ok {
			log.Warn().Stringer("gs", gsID).Str("terminal", termID).Msg("stdout without a response body")
			return
		}
		if _, ok := response["direction"]; !ok {
			response["direction"] = "output"
		}
		term.broadcast(response)

	default:
		log.Warn().Stringer("gs", gsID).Str("command", cmd).Msg("unknown terminal command")
	}
}

// closeTerminal disconnects all attached clients and removes the
// terminal from the registry.
func (c *Connector) closeTerminal(key TerminalKey) {
	c.termMu.Lock()
	term, ok := c.terminals[key]
	if ok {
		delete(c.terminals, key)
	}
	c.termMu.Unlock()
	if !ok {
		log.Warn().Stringer("gs", key.GS).Str("terminal", key.TerminalID).
			Msg("cannot close unknown terminal")
		return
	}

	var g errgroup.Group
	for _, client := range term.clients() {
		client := client
		g.Go(func() error { return client.conn.Close() })
	}
	g.Wait()
	log.Info().Stringer("gs", key.GS).Str("terminal", key.TerminalID).Msg("terminal closed")
}

// closeTerminalsOf closes every terminal owned by a disconnecting
// session.
func (c *Connector) closeTerminalsOf(gsID uuid.UUID) {
	c.termMu.RLock()
	keys := make([]TerminalKey, 0)
	for key := range c.terminals {
		if key.GS == gsID {
			keys = append(keys, key)
		}
	}
	c.termMu.RUnlock()

	log.Debug().Stringer("gs", gsID).Int("terminals", len(keys)).Msg("closing terminals of session")
	for _, key := range keys {
		c.closeTerminal(key)
	}
}

// HandleTerminalAttach is the operator-side WS endpoint for one
// terminal. The hello decides read-only or read-write; the writer slot
// is granted first come, first served.
func (c *Connector) HandleTerminalAttach(w http.ResponseWriter, r *http.Request, gsID uuid.UUID, termID string) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("terminal websocket upgrade failed")
		return
	}
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("incoming terminal websocket")

	hello, err := readHello(conn)
	if err != nil {
		closeWith(conn, websocket.CloseProtocolError, "malformed hello")
		return
	}
	if (hello.Type != "connect_ro" && hello.Type != "connect_rw") || hello.Token == "" {
		conn.WriteJSON(map[string]any{"error": "malformed hello"})
		closeWith(conn, websocket.CloseProtocolError, "malformed hello")
		return
	}

	payload, err := c.auth.Validate(hello.Token, models.TokenAccess)
	if err != nil {
		log.Warn().Err(err).Msg("terminal client authorization error")
		conn.WriteJSON(map[string]any{"error": "authorization error"})
		closeWith(conn, CloseAuthFailure, "authorization error")
		return
	}
	userID := payload.Sub

	key := TerminalKey{GS: gsID, TerminalID: termID}
	term, ok := c.terminal(key)
	if !ok {
		log.Warn().Stringer("gs", gsID).Str("terminal", termID).
			Msg("client attempted attaching to non-existing terminal")
		conn.WriteJSON(map[string]any{"error": "non-existing terminal"})
		closeWith(conn, websocket.CloseProtocolError, "non-existing terminal")
		return
	}

	client := &termClient{conn: conn}
	canWrite := term.attach(client, hello.Type == "connect_rw")
	defer term.detach(client)
	defer conn.Close()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			log.Info().Stringer("gs", gsID).Str("terminal", termID).Msg("terminal client disconnected")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		command := string(raw)

		if !canWrite {
			client.sendJSON(map[string]any{"error": 401, "details": "Terminal is read-only"})
			continue
		}

		proxy := &ProxyHeader{Origin: "terminal client input", AuthenticatedUser: userID.String()}
		stdin := map[string]any{
			"type":        "terminal/stdin",
			"terminal_id": termID,
			"command":     command,
		}
		if _, err := c.SendToGS(r.Context(), gsID, stdin, proxy); err != nil {
			log.Warn().Err(err).Stringer("gs", gsID).Str("terminal", termID).
				Msg("forwarding terminal input failed")
		}

		term.broadcast(map[string]any{
			"direction": "input",
			"author":    userID.String(),
			"content":   command,
		})
	}
}
