package media

import (
	"sync"
)

// Hub maps candidate IDs to their feeds.
type Hub struct {
	opts FeedOptions

	mu    sync.RWMutex
	feeds map[string]*Feed
}

func NewHub(opts FeedOptions) *Hub {
	return &Hub{
		opts:  opts,
		feeds: make(map[string]*Feed),
	}
}

// Open returns the candidate's feed, creating it if needed.
func (h *Hub) Open(candidateID string) *Feed {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, ok := h.feeds[candidateID]; ok {
		return f
	}
	f := NewFeed(h.opts)
	h.feeds[candidateID] = f
	return f
}

func (h *Hub) Feed(candidateID string) (*Feed, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.feeds[candidateID]
	return f, ok
}

// Close closes and forgets the candidate's feed.
func (h *Hub) Close(candidateID string) {
	h.mu.Lock()
	f, ok := h.feeds[candidateID]
	delete(h.feeds, candidateID)
	h.mu.Unlock()

	if ok {
		f.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds)
}
