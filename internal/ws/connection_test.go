package ws

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockWS struct {
	readCh      chan ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan ClientMessage, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	joinCh  chan int64
	leaveCh chan int64
	// per user channel
	userChans map[int64]chan ServerMessage
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:    make(chan int64, 10),
		leaveCh:   make(chan int64, 10),
		userChans: make(map[int64]chan ServerMessage),
	}
}

func (m *mockHub) Join(userID int64) chan ServerMessage {
	m.joinCh <- userID
	ch := make(chan ServerMessage, 10)
	m.userChans[userID] = ch
	return ch
}

func (m *mockHub) Leave(userID int64, ch chan ServerMessage) {
	m.leaveCh <- userID
	if got, ok := m.userChans[userID]; ok && got == ch {
		close(ch)
		delete(m.userChans, userID)
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	const userID int64 = 7

	type posted struct {
		pageID, userID int64
		body           string
	}
	postCh := make(chan posted, 10)
	post := func(pageID, userID int64, body string) error {
		postCh <- posted{pageID, userID, body}
		return nil
	}

	conn := NewConnection(hub, ws, userID, post)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	// Verify Join was called
	select {
	case id := <-hub.joinCh:
		if id != userID {
			t.Errorf("expected Join with %d, got %d", userID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Chat message from client goes through the post callback.
	ws.readCh <- ClientMessage{
		Type:   ClientMessageTypeSend,
		PageID: 10,
		Body:   "hello",
	}
	select {
	case got := <-postCh:
		if got.pageID != 10 || got.userID != userID || got.body != "hello" {
			t.Errorf("post called with %+v", got)
		}
	case <-time.After(1 * time.Second):
		t.Error("post callback not invoked")
	}

	// Blank messages are dropped, not posted.
	ws.readCh <- ClientMessage{Type: ClientMessageTypeSend, PageID: 10, Body: "  "}

	// 2. Server message goes out over the socket.
	hub.userChans[userID] <- ServerMessage{
		Type:   ServerMessageTypeNewPost,
		PageID: 10,
		Nr:     3,
		Author: "chuma",
		Body:   "hi back",
	}
	select {
	case received := <-ws.writeCh:
		sMsg, ok := received.(ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if sMsg.Body != "hi back" || sMsg.Nr != 3 {
			t.Errorf("WS received wrong content: %+v", sMsg)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server message")
	}

	select {
	case got := <-postCh:
		t.Errorf("blank message was posted: %+v", got)
	default:
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	// Verify Leave called
	select {
	case id := <-hub.leaveCh:
		if id != userID {
			t.Errorf("expected Leave with %d, got %d", userID, id)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, 7, func(pageID, userID int64, body string) error {
		return nil
	})

	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_PostError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, 7, func(pageID, userID int64, body string) error {
		return errors.New("not a member")
	})

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	ws.readCh <- ClientMessage{Type: ClientMessageTypeSend, PageID: 10, Body: "hi"}

	// Post failures end the connection so the client resyncs.
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on post error")
	}
}
