package minter

import "time"

type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeWarning NoticeKind = "warning"
	NoticeError   NoticeKind = "error"
	NoticeMinted  NoticeKind = "minted"
)

// Notice is a one-shot message for the user, shown once and then dropped.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	Link      string     `json:"link,omitempty"`
	// TxHash is set on minted notices: the transaction that emitted the event.
	TxHash    string     `json:"txHash,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Notify queues a notice. The queue is bounded; the oldest notice is dropped
// first.
func (c *Controller) Notify(kind NoticeKind, message, link string) {
	c.push(Notice{Kind: kind, Message: message, Link: link})
}

func (c *Controller) push(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n.CreatedAt = c.now()
	c.notices = append(c.notices, n)
	if over := len(c.notices) - c.cfg.MaxNotices; over > 0 {
		c.notices = append(c.notices[:0:0], c.notices[over:]...)
	}
}

// Notices drains and returns the queued notices, oldest first.
func (c *Controller) Notices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.notices
	c.notices = nil
	return out
}
