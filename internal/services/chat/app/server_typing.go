package server

import (
	"sync"
	"time"
)

const (
	defaultTypingThrottle = 2 * time.Second
	defaultTypingExpiry   = 5 * time.Second
)

type typingKey struct {
	roomID string
	userID string
}

type typingState struct {
	nickname   string
	lastRelay  time.Time
	timer      *time.Timer
	generation uint64
}

// typingEmitFunc relays one typing transition to the room.
type typingEmitFunc func(roomID string, userID string, nickname string, isTyping bool)

// typingTracker throttles typing starts per (room, user) and expires typing
// after a quiet period.
type typingTracker struct {
	mu       sync.Mutex
	throttle time.Duration
	expiry   time.Duration
	now      func() time.Time
	emit     typingEmitFunc
	states   map[typingKey]*typingState
	closed   bool
}

func newTypingTracker(throttle time.Duration, expiry time.Duration, emit typingEmitFunc) *typingTracker {
	if throttle <= 0 {
		throttle = defaultTypingThrottle
	}
	if expiry <= 0 {
		expiry = defaultTypingExpiry
	}
	if emit == nil {
		emit = func(string, string, string, bool) {}
	}
	return &typingTracker{
		throttle: throttle,
		expiry:   expiry,
		now:      time.Now,
		emit:     emit,
		states:   make(map[typingKey]*typingState),
	}
}

// start records activity and relays isTyping=true unless a start for the same
// key was relayed within the throttle interval. Every call pushes the expiry
// back.
func (t *typingTracker) start(roomID string, userID string, nickname string) bool {
	key := typingKey{roomID: roomID, userID: userID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	state, ok := t.states[key]
	if !ok {
		state = &typingState{}
		t.states[key] = state
	}
	state.nickname = nickname
	now := t.now()
	relay := state.lastRelay.IsZero() || now.Sub(state.lastRelay) >= t.throttle
	if relay {
		state.lastRelay = now
	}
	state.generation++
	generation := state.generation
	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(t.expiry, func() {
		t.expire(key, generation)
	})
	t.mu.Unlock()

	if relay {
		t.emit(roomID, userID, nickname, true)
	}
	return relay
}

// stop clears typing for the key and relays isTyping=false when it was set.
func (t *typingTracker) stop(roomID string, userID string) bool {
	key := typingKey{roomID: roomID, userID: userID}

	t.mu.Lock()
	state, ok := t.states[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.clearLocked(key, state)
	t.mu.Unlock()

	t.emit(roomID, userID, state.nickname, false)
	return true
}

// stopUser clears typing for userID in every room.
func (t *typingTracker) stopUser(userID string) {
	t.mu.Lock()
	cleared := make(map[typingKey]*typingState)
	for key, state := range t.states {
		if key.userID != userID {
			continue
		}
		t.clearLocked(key, state)
		cleared[key] = state
	}
	t.mu.Unlock()

	for key, state := range cleared {
		t.emit(key.roomID, key.userID, state.nickname, false)
	}
}

func (t *typingTracker) expire(key typingKey, generation uint64) {
	t.mu.Lock()
	state, ok := t.states[key]
	if !ok || state.generation != generation {
		t.mu.Unlock()
		return
	}
	delete(t.states, key)
	t.mu.Unlock()

	t.emit(key.roomID, key.userID, state.nickname, false)
}

func (t *typingTracker) clearLocked(key typingKey, state *typingState) {
	if state.timer != nil {
		state.timer.Stop()
	}
	state.generation++
	delete(t.states, key)
}

func (t *typingTracker) active(roomID string, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[typingKey{roomID: roomID, userID: userID}]
	return ok
}

// close cancels every pending expiry without relaying.
func (t *typingTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, state := range t.states {
		t.clearLocked(key, state)
	}
	t.closed = true
}
