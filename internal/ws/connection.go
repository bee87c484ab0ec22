package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(userID int64) chan ServerMessage
	Leave(userID int64, ch chan ServerMessage)
}

// PostFunc creates a chat message on behalf of the connected user. The
// same code path as the HTTP reply endpoint, so membership checks and
// notifications apply.
type PostFunc func(pageID, userID int64, body string) error

type Connection struct {
	ws         wsConnection
	hub        messageHub
	post       PostFunc
	userID     int64
	fromClient chan ClientMessage
	fromServer chan ServerMessage
	errorCh    chan error
}

func NewConnection(hub messageHub, ws wsConnection, userID int64, post PostFunc) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		post:       post,
		userID:     userID,
		fromClient: make(chan ClientMessage),
		fromServer: hub.Join(userID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(msg); err != nil {
				return err
			}
		case msg, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(msg ClientMessage) error {
	if msg.Type != ClientMessageTypeSend {
		return nil
	}
	if strings.TrimSpace(msg.Body) == "" {
		return nil
	}
	// Post errors (gone page, lost membership) end the connection, the
	// client reconnects with fresh state.
	return c.post(msg.PageID, c.userID, msg.Body)
}
