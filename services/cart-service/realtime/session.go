package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/yashrajoria/cart-sync/services/cart-service/models"
)

var sessionSeq atomic.Uint64

// Session is one live connection registered with the hub. The hub writes encoded frames to send;
// the connection's write pump drains it until done is closed. send is never closed, so a publish
// racing a disconnect cannot panic.
type Session struct {
	id     string
	userID string
	seq    uint64

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id, userID string, buffer int) *Session {
	return &Session{
		id:     id,
		userID: userID,
		seq:    sessionSeq.Add(1),
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// UserID is the user filter. Empty means the session receives events for every user.
func (s *Session) UserID() string { return s.userID }

// Messages yields encoded frames in publish order.
func (s *Session) Messages() <-chan []byte { return s.send }

// Done is closed once the session has been disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) wants(e models.ChangeEvent) bool {
	if !e.Origin.FromChangeFeed && e.Origin.SessionID == s.id {
		return false
	}
	return s.userID == "" || s.userID == e.UserID
}

// trySend queues a frame without waiting. Used for replies to this session only.
func (s *Session) trySend(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		closed = true
	})
	return closed
}
