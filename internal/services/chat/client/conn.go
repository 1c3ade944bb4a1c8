package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	apperrors "github.com/louisbranch/marketchat/internal/platform/errors"
	"github.com/louisbranch/marketchat/internal/services/chat/wire"
	"golang.org/x/net/websocket"
)

// ErrConnClosed is returned for requests on a closed connection.
var ErrConnClosed = errors.New("chat connection closed")

var _ Realtime = (*Conn)(nil)

type pendingCall struct {
	done     chan struct{}
	terminal wire.Frame
	extras   []wire.Frame
}

// Conn is a websocket connection to the chat gateway. Requests are matched to
// their terminal frame by request id; every other frame goes to the event
// handler.
type Conn struct {
	ws      *websocket.Conn
	onEvent func(wire.Frame)
	nextID  atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  chan struct{}
	err     error
}

// Dial opens the realtime channel at serverURL (http or https) using token.
// onEvent runs on the read goroutine for each server-initiated frame.
func Dial(ctx context.Context, serverURL string, token string, onEvent func(wire.Frame)) (*Conn, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if serverURL == "" {
		return nil, errors.New("server url is required")
	}
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	config, err := websocket.NewConfig(wsURL, serverURL)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	config.Header = make(http.Header)
	config.Header.Set("Authorization", "Bearer "+token)
	ws, err := config.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial chat: %w", err)
	}
	return newConn(ws, onEvent), nil
}

func newConn(ws *websocket.Conn, onEvent func(wire.Frame)) *Conn {
	if onEvent == nil {
		onEvent = func(wire.Frame) {}
	}
	c := &Conn{
		ws:      ws,
		onEvent: onEvent,
		pending: make(map[string]*pendingCall),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the connection stops reading.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that ended the read loop.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the socket and fails pending requests.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) readLoop() {
	decoder := json.NewDecoder(c.ws)
	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			c.shutdown(err)
			return
		}
		c.route(frame)
	}
}

func (c *Conn) route(frame wire.Frame) {
	if frame.RequestID == "" {
		c.onEvent(frame)
		return
	}
	c.mu.Lock()
	call, ok := c.pending[frame.RequestID]
	if !ok {
		c.mu.Unlock()
		c.onEvent(frame)
		return
	}
	switch frame.Type {
	case wire.TypeAck, wire.TypeError:
		delete(c.pending, frame.RequestID)
		call.terminal = frame
		c.mu.Unlock()
		close(call.done)
	default:
		call.extras = append(call.extras, frame)
		c.mu.Unlock()
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	c.err = err
	close(c.closed)
	c.pending = make(map[string]*pendingCall)
}

// request writes one frame and waits for its terminal frame.
func (c *Conn) request(ctx context.Context, frameType string, payload any) (wire.AckResult, []wire.Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return wire.AckResult{}, nil, fmt.Errorf("encode %s: %w", frameType, err)
	}
	requestID := fmt.Sprintf("r-%d", c.nextID.Add(1))
	call := &pendingCall{done: make(chan struct{})}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return wire.AckResult{}, nil, ErrConnClosed
	default:
	}
	c.pending[requestID] = call
	c.mu.Unlock()

	c.writeMu.Lock()
	err = json.NewEncoder(c.ws).Encode(wire.Frame{Type: frameType, RequestID: requestID, Payload: body})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(requestID)
		return wire.AckResult{}, nil, fmt.Errorf("write %s: %w", frameType, err)
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		c.forget(requestID)
		return wire.AckResult{}, nil, ctx.Err()
	case <-c.closed:
		return wire.AckResult{}, nil, ErrConnClosed
	}

	if call.terminal.Type == wire.TypeError {
		var envelope wire.ErrorEnvelope
		if err := json.Unmarshal(call.terminal.Payload, &envelope); err != nil {
			return wire.AckResult{}, nil, fmt.Errorf("decode %s error: %w", frameType, err)
		}
		return wire.AckResult{}, nil, apperrors.New(apperrors.Code(envelope.Error.Code), envelope.Error.Message)
	}
	var ack wire.AckEnvelope
	if err := json.Unmarshal(call.terminal.Payload, &ack); err != nil {
		return wire.AckResult{}, nil, fmt.Errorf("decode %s ack: %w", frameType, err)
	}
	return ack.Result, call.extras, nil
}

func (c *Conn) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// JoinRooms subscribes to broadcasts for roomIDs.
func (c *Conn) JoinRooms(ctx context.Context, roomIDs []string) ([]string, error) {
	result, _, err := c.request(ctx, wire.TypeJoinRooms, wire.JoinRoomsPayload{RoomIDs: roomIDs})
	if err != nil {
		return nil, err
	}
	return result.JoinedRooms, nil
}

// Send appends a message and returns the stored copy.
func (c *Conn) Send(ctx context.Context, roomID string, content string, clientMessageID string) (wire.Message, error) {
	result, _, err := c.request(ctx, wire.TypeSend, wire.SendPayload{
		RoomID:          roomID,
		Content:         content,
		ClientMessageID: clientMessageID,
	})
	if err != nil {
		return wire.Message{}, err
	}
	if result.Message == nil {
		return wire.Message{}, errors.New("send ack is missing the message")
	}
	return *result.Message, nil
}

// TypingStart announces typing in roomID.
func (c *Conn) TypingStart(ctx context.Context, roomID string) error {
	_, _, err := c.request(ctx, wire.TypeTypingStart, wire.RoomPayload{RoomID: roomID})
	return err
}

// TypingStop clears typing in roomID.
func (c *Conn) TypingStop(ctx context.Context, roomID string) error {
	_, _, err := c.request(ctx, wire.TypeTypingStop, wire.RoomPayload{RoomID: roomID})
	return err
}

// MarkRead marks every message in roomID read and returns how many changed.
func (c *Conn) MarkRead(ctx context.Context, roomID string) (int, error) {
	result, _, err := c.request(ctx, wire.TypeMarkRead, wire.RoomPayload{RoomID: roomID})
	if err != nil {
		return 0, err
	}
	return result.Count, nil
}

// Leave leaves roomID.
func (c *Conn) Leave(ctx context.Context, roomID string) error {
	_, _, err := c.request(ctx, wire.TypeLeave, wire.RoomPayload{RoomID: roomID})
	return err
}

// HistoryBefore streams up to limit messages older than beforeSeq,
// oldest-first.
func (c *Conn) HistoryBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]wire.Message, bool, error) {
	result, extras, err := c.request(ctx, wire.TypeHistoryBefore, wire.HistoryBeforePayload{
		RoomID:    roomID,
		BeforeSeq: beforeSeq,
		Limit:     limit,
	})
	if err != nil {
		return nil, false, err
	}
	messages := make([]wire.Message, 0, len(extras))
	for _, frame := range extras {
		if frame.Type != wire.TypeHistoryMessage {
			continue
		}
		var envelope wire.MessageEnvelope
		if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
			return nil, false, fmt.Errorf("decode history message: %w", err)
		}
		messages = append(messages, envelope.Message)
	}
	return messages, result.HasMore, nil
}
