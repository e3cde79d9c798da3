package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/taskdeck/internal/events"
	"github.com/dohr-michael/taskdeck/internal/runner"
	"github.com/dohr-michael/taskdeck/internal/runs"
	"github.com/dohr-michael/taskdeck/internal/tasks"
)

const sendBuffer = 256

var (
	errClientClosed = errors.New("client closed")
	errClientSlow   = errors.New("client send buffer full")
)

// Engine is the part of the run engine the hub drives.
type Engine interface {
	StartRun(ctx context.Context, taskID string, opts runner.StartOptions) (*runs.Run, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
	MarkRunComplete(ctx context.Context, runID string) (bool, error)
	GetRunStatus(ctx context.Context, runID string) (*runs.Run, error)
	RegisterClient(s events.Subscriber) error
	UnregisterClient(s events.Subscriber)
}

// Client represents a connected WebSocket client. It receives every
// broadcast event of its workspace, or all events when no workspace filter
// was requested.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	workspaceID string

	mu     sync.Mutex
	closed bool
}

// Deliver queues e for the client. It fails when the client is gone or
// cannot keep up, which removes it from the broadcaster.
func (c *Client) Deliver(e events.Event) error {
	if c.workspaceID != "" && e.WorkspaceID != "" && e.WorkspaceID != c.workspaceID {
		return nil
	}
	frame, err := NewEventFrame(e)
	if err != nil {
		slog.Error("marshal event frame", "error", err)
		return nil
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		slog.Error("marshal frame", "error", err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closed = true
		close(c.send)
		go c.conn.Close(websocket.StatusPolicyViolation, "too slow")
		return errClientSlow
	}
}

// reply queues a response frame; responses are dropped if the client is gone.
func (c *Client) reply(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub manages WebSocket clients and registers them with the engine.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	engine  Engine
}

// NewHub creates a new WebSocket hub bound to engine.
func NewHub(engine Engine) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		engine:  engine,
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds a client to the hub and the broadcaster.
func (h *Hub) register(c *Client) error {
	if err := h.engine.RegisterClient(c); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients), "workspace_id", c.workspaceID)
	return nil
}

// unregister removes a client from the hub and the broadcaster.
func (h *Hub) unregister(c *Client) {
	h.engine.UnregisterClient(c)
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.shutdown()
	if ok {
		slog.Info("ws client disconnected", "clients", n)
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
// The optional workspace_id query parameter restricts the event stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // the gateway binds to localhost
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		hub:         h,
		workspaceID: r.URL.Query().Get("workspace_id"),
	}

	if err := h.register(client); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame processes an incoming WS frame.
func (c *Client) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameTypeRequest:
		c.handleRequest(ctx, frame)
	default:
		slog.Debug("ws unknown frame type", "type", frame.Type)
	}
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	engine := c.hub.engine

	switch Method(frame.Method) {
	case MethodStartRun:
		var params StartRunParams
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.TaskID == "" {
			c.sendError(frame.ID, "invalid params", "")
			return
		}
		r, err := engine.StartRun(ctx, params.TaskID, runner.StartOptions{
			CLIType:     runs.CLIType(params.CLIType),
			Prompt:      params.Prompt,
			ProjectDir:  params.ProjectDir,
			Interactive: params.Interactive,
		})
		if err != nil {
			c.sendErr(frame.ID, err)
			return
		}
		c.sendOK(frame.ID, r)

	case MethodCancelRun:
		params, ok := c.runParams(frame)
		if !ok {
			return
		}
		cancelled, err := engine.CancelRun(ctx, params.RunID)
		if err != nil {
			c.sendErr(frame.ID, err)
			return
		}
		c.sendOK(frame.ID, map[string]bool{"cancelled": cancelled})

	case MethodCompleteRun:
		params, ok := c.runParams(frame)
		if !ok {
			return
		}
		completed, err := engine.MarkRunComplete(ctx, params.RunID)
		if err != nil {
			c.sendErr(frame.ID, err)
			return
		}
		c.sendOK(frame.ID, map[string]bool{"completed": completed})

	case MethodGetRun:
		params, ok := c.runParams(frame)
		if !ok {
			return
		}
		r, err := engine.GetRunStatus(ctx, params.RunID)
		if err != nil {
			c.sendErr(frame.ID, err)
			return
		}
		if r == nil {
			c.sendError(frame.ID, "run not found", "not_found")
			return
		}
		c.sendOK(frame.ID, r)

	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method, "")
	}
}

func (c *Client) runParams(frame Frame) (RunParams, bool) {
	var params RunParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.RunID == "" {
		c.sendError(frame.ID, "invalid params", "")
		return params, false
	}
	return params, true
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.reply(data)
}

func (c *Client) sendErr(id string, err error) {
	var ve *runner.ValidationError
	switch {
	case errors.As(err, &ve):
		c.sendError(id, ve.Message, string(ve.Reason))
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, runs.ErrTaskNotFound), errors.Is(err, tasks.ErrNotFound):
		c.sendError(id, err.Error(), "not_found")
	default:
		slog.Error("ws request failed", "error", err)
		c.sendError(id, "internal error", "internal")
	}
}

func (c *Client) sendError(id, errMsg, code string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	f.Code = code
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.reply(data)
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		h.engine.UnregisterClient(c)
		c.shutdown()
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}(c)
	}
	wg.Wait()
}
