// Package client holds the chat client session state: optimistic sends,
// typing timers, room joins and scroll-anchored history, plus the websocket
// and HTTP transports that feed it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/marketchat/internal/platform/errors"
	"github.com/louisbranch/marketchat/internal/services/chat/wire"
)

const (
	defaultTypingThrottle = 2 * time.Second
	defaultTypingIdle     = 3 * time.Second
	defaultHistoryPage    = 20
	roomListPageSize      = 200
	timerRequestTimeout   = 5 * time.Second
)

var (
	errEmptyContent  = apperrors.New(apperrors.CodeValidation, "content is required")
	errSessionClosed = errors.New("session is closed")
)

// Realtime is the request side of the websocket channel.
type Realtime interface {
	JoinRooms(ctx context.Context, roomIDs []string) ([]string, error)
	Send(ctx context.Context, roomID string, content string, clientMessageID string) (wire.Message, error)
	TypingStart(ctx context.Context, roomID string) error
	TypingStop(ctx context.Context, roomID string) error
	MarkRead(ctx context.Context, roomID string) (int, error)
	Leave(ctx context.Context, roomID string) error
}

// Directory is the query side served over HTTP.
type Directory interface {
	ResolveRoom(ctx context.Context, listingID string) (wire.ResolveRoomResponse, error)
	ListRooms(ctx context.Context, page int, limit int) ([]wire.Room, error)
	HistoryBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) (wire.MessagePageResponse, error)
}

// Notice is a user-visible problem, such as a send that failed.
type Notice struct {
	RoomID  string
	Message string
}

// Viewport is the scroll position and total content height of a timeline.
type Viewport struct {
	ScrollTop     float64
	ContentHeight float64
}

// Anchored returns the scroll offset that keeps the rows previously in view
// in place after the content grew from oldHeight to newHeight.
func Anchored(oldScrollTop float64, oldHeight float64, newHeight float64) float64 {
	return oldScrollTop + (newHeight - oldHeight)
}

// SessionConfig wires a session. Realtime and Directory are required.
type SessionConfig struct {
	UserID         string
	Realtime       Realtime
	Directory      Directory
	Clock          Clock
	TypingThrottle time.Duration
	TypingIdle     time.Duration
	HistoryPage    int
	// Measure returns the rendered height of the given rows. The default
	// counts one unit per row.
	Measure func(items []Item) float64
	// NewCorrelationID returns the client_message_id for a send.
	NewCorrelationID func() string
}

type typingTimers struct {
	throttle   Timer
	idle       Timer
	generation uint64
}

// Session is one signed-in user's chat client state.
type Session struct {
	mu sync.Mutex

	userID         string
	realtime       Realtime
	directory      Directory
	clock          Clock
	typingThrottle time.Duration
	typingIdle     time.Duration
	historyPage    int
	measure        func(items []Item) float64
	newCorrelation func() string

	joined      bool
	closed      bool
	nextLocalID int64
	rooms       map[string]wire.Room
	roomOrder   []string
	timelines   map[string]*Timeline
	hasMore     map[string]bool
	drafts      map[string]string
	typing      map[string]*typingTimers
	typists     map[string]map[string]string
	notices     []Notice
}

// NewSession builds an empty session.
func NewSession(config SessionConfig) *Session {
	if config.Clock == nil {
		config.Clock = realClock{}
	}
	if config.TypingThrottle <= 0 {
		config.TypingThrottle = defaultTypingThrottle
	}
	if config.TypingIdle <= 0 {
		config.TypingIdle = defaultTypingIdle
	}
	if config.HistoryPage <= 0 {
		config.HistoryPage = defaultHistoryPage
	}
	if config.Measure == nil {
		config.Measure = func(items []Item) float64 { return float64(len(items)) }
	}
	if config.NewCorrelationID == nil {
		config.NewCorrelationID = uuid.NewString
	}
	return &Session{
		userID:         config.UserID,
		realtime:       config.Realtime,
		directory:      config.Directory,
		clock:          config.Clock,
		typingThrottle: config.TypingThrottle,
		typingIdle:     config.TypingIdle,
		historyPage:    config.HistoryPage,
		measure:        config.Measure,
		newCorrelation: config.NewCorrelationID,
		rooms:          make(map[string]wire.Room),
		timelines:      make(map[string]*Timeline),
		hasMore:        make(map[string]bool),
		drafts:         make(map[string]string),
		typing:         make(map[string]*typingTimers),
		typists:        make(map[string]map[string]string),
	}
}

// LoadRooms fetches every room the user is an active member of.
func (s *Session) LoadRooms(ctx context.Context) ([]wire.Room, error) {
	var all []wire.Room
	for page := 1; ; page++ {
		rooms, err := s.directory.ListRooms(ctx, page, roomListPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, rooms...)
		if len(rooms) < roomListPageSize {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]wire.Room, len(all))
	s.roomOrder = s.roomOrder[:0]
	for _, room := range all {
		s.addRoomLocked(room)
	}
	return all, nil
}

// Open resolves the conversation about listingID, records the room and joins
// its broadcasts. A failed resolve records a notice and shows no room.
func (s *Session) Open(ctx context.Context, listingID string) (wire.Room, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return wire.Room{}, errSessionClosed
	}

	result, err := s.directory.ResolveRoom(ctx, listingID)
	if err != nil {
		s.mu.Lock()
		s.notices = append(s.notices, Notice{Message: "Could not open chat: " + apperrors.PublicMessage(err)})
		s.mu.Unlock()
		return wire.Room{}, err
	}

	s.mu.Lock()
	s.addRoomLocked(result.Room)
	s.mu.Unlock()
	if _, err := s.realtime.JoinRooms(ctx, []string{result.Room.ID}); err != nil {
		s.mu.Lock()
		s.notices = append(s.notices, Notice{RoomID: result.Room.ID, Message: "Live updates unavailable: " + apperrors.PublicMessage(err)})
		s.mu.Unlock()
		return result.Room, err
	}
	return result.Room, nil
}

// OnConnected joins every member room once per connection. Later calls are
// no-ops until OnDisconnected or Logout resets the flag.
func (s *Session) OnConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = true
	s.mu.Unlock()

	rooms, err := s.LoadRooms(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		return nil
	}
	roomIDs := make([]string, 0, len(rooms))
	for _, room := range rooms {
		roomIDs = append(roomIDs, room.ID)
	}
	_, err = s.realtime.JoinRooms(ctx, roomIDs)
	return err
}

// OnDisconnected cancels typing timers and rearms the join flag.
func (s *Session) OnDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = false
	s.cancelAllTypingLocked()
	s.typists = make(map[string]map[string]string)
}

// Logout drops all state and rearms the join flag.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = false
	s.cancelAllTypingLocked()
	s.rooms = make(map[string]wire.Room)
	s.roomOrder = nil
	s.timelines = make(map[string]*Timeline)
	s.hasMore = make(map[string]bool)
	s.drafts = make(map[string]string)
	s.typists = make(map[string]map[string]string)
	s.notices = nil
}

// Close cancels every timer. The session rejects further work.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancelAllTypingLocked()
}

// Type records a keystroke in roomID. The first keystroke in a throttle
// window sends typing.start; typing.stop follows once input goes idle.
func (s *Session) Type(ctx context.Context, roomID string, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.drafts[roomID] = text
	timers, ok := s.typing[roomID]
	if !ok {
		timers = &typingTimers{}
		s.typing[roomID] = timers
	}
	sendStart := timers.throttle == nil
	if sendStart {
		timers.throttle = s.clock.AfterFunc(s.typingThrottle, func() {
			s.throttleElapsed(roomID, timers)
		})
	}
	if timers.idle != nil {
		timers.idle.Stop()
	}
	timers.generation++
	generation := timers.generation
	timers.idle = s.clock.AfterFunc(s.typingIdle, func() {
		s.idleElapsed(roomID, timers, generation)
	})
	s.mu.Unlock()

	if sendStart {
		return s.realtime.TypingStart(ctx, roomID)
	}
	return nil
}

func (s *Session) throttleElapsed(roomID string, timers *typingTimers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing[roomID] == timers {
		timers.throttle = nil
	}
}

func (s *Session) idleElapsed(roomID string, timers *typingTimers, generation uint64) {
	s.mu.Lock()
	if s.typing[roomID] != timers || timers.generation != generation {
		s.mu.Unlock()
		return
	}
	s.cancelTypingLocked(roomID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timerRequestTimeout)
	defer cancel()
	_ = s.realtime.TypingStop(ctx, roomID)
}

// Draft returns the unsent input for roomID.
func (s *Session) Draft(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[roomID]
}

// Send posts content optimistically. The placeholder is replaced when the
// broadcast carrying the same correlation token arrives. A failed send
// removes a still-pending placeholder and records a notice.
func (s *Session) Send(ctx context.Context, roomID string, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errEmptyContent
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.nextLocalID--
	localID := s.nextLocalID
	correlationID := s.newCorrelation()
	s.timelineLocked(roomID).prependPlaceholder(localID, wire.Message{
		RoomID:          roomID,
		SenderID:        s.userID,
		Content:         content,
		ClientMessageID: correlationID,
	})
	s.drafts[roomID] = ""
	s.cancelTypingLocked(roomID)
	s.mu.Unlock()

	if _, err := s.realtime.Send(ctx, roomID, content, correlationID); err != nil {
		s.mu.Lock()
		if s.timelineLocked(roomID).removePlaceholder(localID) {
			s.notices = append(s.notices, Notice{RoomID: roomID, Message: "Message not sent: " + apperrors.PublicMessage(err)})
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Leave leaves roomID and forgets it locally.
func (s *Session) Leave(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.cancelTypingLocked(roomID)
	s.mu.Unlock()

	if err := s.realtime.Leave(ctx, roomID); err != nil {
		s.mu.Lock()
		s.notices = append(s.notices, Notice{RoomID: roomID, Message: "Could not leave: " + apperrors.PublicMessage(err)})
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeRoomLocked(roomID)
	return nil
}

// MarkRead marks roomID read and clears its unread badge.
func (s *Session) MarkRead(ctx context.Context, roomID string) (int, error) {
	count, err := s.realtime.MarkRead(ctx, roomID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		room.UnreadCount = 0
		s.rooms[roomID] = room
	}
	return count, nil
}

// LoadOlder fetches the page before the oldest loaded message and returns
// the viewport that keeps the previous content in place.
func (s *Session) LoadOlder(ctx context.Context, roomID string, view Viewport) (Viewport, error) {
	s.mu.Lock()
	beforeSeq := s.timelineLocked(roomID).OldestSeq()
	s.mu.Unlock()

	page, err := s.directory.HistoryBefore(ctx, roomID, beforeSeq, s.historyPage)
	if err != nil {
		return view, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	timeline := s.timelineLocked(roomID)
	timeline.AppendOlder(page.Messages)
	s.hasMore[roomID] = page.HasMore
	newHeight := s.measure(timeline.Items())
	return Viewport{
		ScrollTop:     Anchored(view.ScrollTop, view.ContentHeight, newHeight),
		ContentHeight: newHeight,
	}, nil
}

// HasMore reports whether older history remains for roomID.
func (s *Session) HasMore(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	more, ok := s.hasMore[roomID]
	return !ok || more
}

// HandleEvent applies one server event frame.
func (s *Session) HandleEvent(ctx context.Context, frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeNewMessage:
		var envelope wire.MessageEnvelope
		if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
			return err
		}
		s.applyMessage(envelope.Message)
	case wire.TypeUserLeft, wire.TypeUserRejoined:
		var event wire.MembershipEvent
		if err := json.Unmarshal(frame.Payload, &event); err != nil {
			return err
		}
		s.applyMessage(event.Message)
	case wire.TypeTyping:
		var event wire.TypingEvent
		if err := json.Unmarshal(frame.Payload, &event); err != nil {
			return err
		}
		s.applyTyping(event)
	case wire.TypeNewRoom:
		var envelope wire.RoomEnvelope
		if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
			return err
		}
		s.mu.Lock()
		s.addRoomLocked(envelope.Room)
		s.mu.Unlock()
		_, err := s.realtime.JoinRooms(ctx, []string{envelope.Room.ID})
		return err
	}
	return nil
}

func (s *Session) applyMessage(message wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timelineLocked(message.RoomID).Apply(message) {
		return
	}
	if room, ok := s.rooms[message.RoomID]; ok {
		last := message
		room.LastMessage = &last
		if !message.System && message.SenderID != s.userID {
			room.UnreadCount++
		}
		s.rooms[message.RoomID] = room
	}
	if typists := s.typists[message.RoomID]; typists != nil {
		delete(typists, message.SenderID)
	}
}

func (s *Session) applyTyping(event wire.TypingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	typists, ok := s.typists[event.RoomID]
	if !ok {
		typists = make(map[string]string)
		s.typists[event.RoomID] = typists
	}
	if event.IsTyping {
		typists[event.UserID] = event.Nickname
		return
	}
	delete(typists, event.UserID)
}

// Typists returns the nicknames currently typing in roomID.
func (s *Session) Typists(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.typists[roomID]))
	for _, nickname := range s.typists[roomID] {
		names = append(names, nickname)
	}
	return names
}

// Rooms returns the known rooms in load order.
func (s *Session) Rooms() []wire.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]wire.Room, 0, len(s.roomOrder))
	for _, roomID := range s.roomOrder {
		rooms = append(rooms, s.rooms[roomID])
	}
	return rooms
}

// Timeline returns the rows of roomID, newest-first.
func (s *Session) Timeline(roomID string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timelineLocked(roomID).Items()
}

// Notices drains pending notices.
func (s *Session) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	notices := s.notices
	s.notices = nil
	return notices
}

// Joined reports whether the join-all step ran for this connection.
func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *Session) timelineLocked(roomID string) *Timeline {
	timeline, ok := s.timelines[roomID]
	if !ok {
		timeline = NewTimeline()
		s.timelines[roomID] = timeline
	}
	return timeline
}

func (s *Session) addRoomLocked(room wire.Room) {
	if _, ok := s.rooms[room.ID]; !ok {
		s.roomOrder = append(s.roomOrder, room.ID)
	}
	s.rooms[room.ID] = room
}

func (s *Session) removeRoomLocked(roomID string) {
	delete(s.rooms, roomID)
	delete(s.timelines, roomID)
	delete(s.hasMore, roomID)
	delete(s.drafts, roomID)
	delete(s.typists, roomID)
	for i, id := range s.roomOrder {
		if id == roomID {
			s.roomOrder = append(s.roomOrder[:i], s.roomOrder[i+1:]...)
			break
		}
	}
}

func (s *Session) cancelTypingLocked(roomID string) {
	timers, ok := s.typing[roomID]
	if !ok {
		return
	}
	if timers.throttle != nil {
		timers.throttle.Stop()
	}
	if timers.idle != nil {
		timers.idle.Stop()
	}
	timers.generation++
	delete(s.typing, roomID)
}

func (s *Session) cancelAllTypingLocked() {
	for roomID := range s.typing {
		s.cancelTypingLocked(roomID)
	}
}
