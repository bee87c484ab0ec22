package ws

import (
	"sync"

	"veche/internal/models"
)

type ServerMessageType string

const (
	ServerMessageTypeNewPost ServerMessageType = "newPost"
)

type ClientMessageType string

const (
	ClientMessageTypeSend ClientMessageType = "send"
)

// ServerMessage is pushed to connected members when a page gets a new post,
// whether it arrived through the API, the HTTP reply endpoint or another
// member's socket.
type ServerMessage struct {
	Type   ServerMessageType `json:"type"`
	PageID int64             `json:"pageId"`
	Nr     int               `json:"nr"`
	Author string            `json:"author"`
	Body   string            `json:"body"`
}

// ClientMessage is what a connected browser sends: currently only chat
// messages to a page.
type ClientMessage struct {
	Type   ClientMessageType `json:"type"`
	PageID int64             `json:"pageId"`
	Body   string            `json:"body"`
}

// Hub fans new posts out to connected users. A user may have several open
// connections (tabs); each gets its own channel.
type Hub struct {
	mu    sync.RWMutex
	conns map[int64]map[chan ServerMessage]bool
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[int64]map[chan ServerMessage]bool),
	}
}

func (h *Hub) Join(userID int64) chan ServerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan ServerMessage, 100)
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[chan ServerMessage]bool)
	}
	h.conns[userID][ch] = true
	return ch
}

func (h *Hub) Leave(userID int64, ch chan ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.conns[userID]; ok && set[ch] {
		delete(set, ch)
		close(ch)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
}

// BroadcastNewPost delivers the post to every connected member of the page,
// including the author's other tabs.
func (h *Hub) BroadcastNewPost(page models.Page, post models.Post, author string) {
	msg := ServerMessage{
		Type:   ServerMessageTypeNewPost,
		PageID: page.ID,
		Nr:     post.Nr,
		Author: author,
		Body:   post.Body,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, memberID := range page.MemberIDs {
		for ch := range h.conns[memberID] {
			select {
			case ch <- msg:
			default:
				// Slow consumer, drop rather than block the hub.
			}
		}
	}
}
