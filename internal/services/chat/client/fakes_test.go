package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/marketchat/internal/services/chat/wire"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due callbacks in schedule order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && timer.at <= c.now {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, timer := range due {
		timer.f()
	}
}

type sendCall struct {
	roomID          string
	content         string
	clientMessageID string
}

type fakeRealtime struct {
	mu           sync.Mutex
	joins        [][]string
	sends        []sendCall
	typingStarts []string
	typingStops  []string
	leaves       []string
	sendErr      error
	joinErr      error
	leaveErr     error
	markCount    int
	// beforeSendReply runs after a send is recorded and before its result
	// returns, like a broadcast that beats the ack.
	beforeSendReply func(call sendCall)
}

func (f *fakeRealtime) JoinRooms(_ context.Context, roomIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, append([]string(nil), roomIDs...))
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	return roomIDs, nil
}

func (f *fakeRealtime) Send(_ context.Context, roomID string, content string, clientMessageID string) (wire.Message, error) {
	call := sendCall{roomID: roomID, content: content, clientMessageID: clientMessageID}
	f.mu.Lock()
	f.sends = append(f.sends, call)
	hook := f.beforeSendReply
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return wire.Message{}, f.sendErr
	}
	return wire.Message{
		ID:              fmt.Sprintf("m-%d", len(f.sends)),
		RoomID:          roomID,
		Seq:             int64(len(f.sends)),
		Content:         content,
		ClientMessageID: clientMessageID,
	}, nil
}

func (f *fakeRealtime) TypingStart(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingStarts = append(f.typingStarts, roomID)
	return nil
}

func (f *fakeRealtime) TypingStop(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingStops = append(f.typingStops, roomID)
	return nil
}

func (f *fakeRealtime) MarkRead(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markCount, nil
}

func (f *fakeRealtime) Leave(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, roomID)
	return f.leaveErr
}

func (f *fakeRealtime) counts() (starts int, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.typingStarts), len(f.typingStops)
}

func (f *fakeRealtime) joinCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.joins...)
}

type historyCall struct {
	roomID    string
	beforeSeq int64
	limit     int
}

type fakeDirectory struct {
	mu           sync.Mutex
	resolved     wire.ResolveRoomResponse
	resolveErr   error
	resolveCalls []string
	rooms        []wire.Room
	history      wire.MessagePageResponse
	calls        []historyCall
	listCalls    int
}

func (f *fakeDirectory) ResolveRoom(_ context.Context, listingID string) (wire.ResolveRoomResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls = append(f.resolveCalls, listingID)
	if f.resolveErr != nil {
		return wire.ResolveRoomResponse{}, f.resolveErr
	}
	return f.resolved, nil
}

func (f *fakeDirectory) ListRooms(_ context.Context, page int, limit int) ([]wire.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	start := (page - 1) * limit
	if start >= len(f.rooms) {
		return nil, nil
	}
	end := min(start+limit, len(f.rooms))
	return append([]wire.Room(nil), f.rooms[start:end]...), nil
}

func (f *fakeDirectory) HistoryBefore(_ context.Context, roomID string, beforeSeq int64, limit int) (wire.MessagePageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, historyCall{roomID: roomID, beforeSeq: beforeSeq, limit: limit})
	return f.history, nil
}

func countingCorrelation() func() string {
	var mu sync.Mutex
	next := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("corr-%d", next)
	}
}
