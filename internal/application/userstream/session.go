package userstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

// SessionState 用户会话状态
type SessionState int32

const (
	SessionAttaching SessionState = iota
	SessionActive
	SessionDetaching
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionAttaching:
		return "attaching"
	case SessionActive:
		return "active"
	case SessionDetaching:
		return "detaching"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callbacks is one connection's view of a user session.
type Callbacks struct {
	Balance func(model.Balance)
	Order   func(model.Order)
	Trade   func(model.UserTrade)
	Status  func(port.StatusEvent)
}

type attachment struct {
	connID string
	cb     Callbacks
}

// venueStream holds one venue's listen key and topic streams. Its own
// connected flag is independent of the session state.
type venueStream struct {
	venue     model.Venue
	listenKey string
	cancel    context.CancelFunc
	connected atomic.Bool
	expired   atomic.Bool

	mu       sync.Mutex
	handles  map[model.Topic]port.Handle
	disabled bool
}

func (vs *venueStream) close() {
	vs.mu.Lock()
	handles := vs.handles
	vs.handles = nil
	vs.disabled = true
	vs.mu.Unlock()

	vs.cancel()
	for topic, h := range handles {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Str("venue", vs.venue.String()).Str("topic", string(topic)).Msg("close user stream failed")
		}
	}
}

type session struct {
	userID string
	creds  model.CredentialSet
	state  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	obsMu  sync.Mutex
	conns  []*attachment // copy-on-write
	closed bool

	// statusMu orders status broadcasts across venues
	statusMu sync.Mutex

	venueMu sync.Mutex
	venues  map[model.Venue]*venueStream

	sink port.AccountSink
}

func newSession(userID string, creds model.CredentialSet, sink port.AccountSink) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		userID: userID,
		creds:  creds,
		ctx:    ctx,
		cancel: cancel,
		venues: make(map[model.Venue]*venueStream),
		sink:   sink,
	}
	s.state.Store(int32(SessionAttaching))
	return s
}

func (s *session) snapshot() []*attachment {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if s.closed {
		return nil
	}
	return s.conns
}

// attach adds connID; it reports false if connID was already attached.
func (s *session) attach(connID string, cb Callbacks) bool {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for _, a := range s.conns {
		if a.connID == connID {
			return false
		}
	}
	conns := make([]*attachment, len(s.conns), len(s.conns)+1)
	copy(conns, s.conns)
	s.conns = append(conns, &attachment{connID: connID, cb: cb})
	return true
}

// detach removes connID and returns the remaining count, or -1 if connID
// was not attached.
func (s *session) detach(connID string) int {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for i, a := range s.conns {
		if a.connID != connID {
			continue
		}
		conns := make([]*attachment, 0, len(s.conns)-1)
		conns = append(conns, s.conns[:i]...)
		conns = append(conns, s.conns[i+1:]...)
		s.conns = conns
		if len(conns) == 0 {
			s.closed = true
		}
		return len(conns)
	}
	return -1
}

func (s *session) attachedCount() int {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return len(s.conns)
}

// addVenue reports false once the session has been shut down.
func (s *session) addVenue(vs *venueStream) bool {
	s.venueMu.Lock()
	defer s.venueMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.venues[vs.venue] = vs
	return true
}

// goTracked runs fn on a goroutine shutdown waits for. It does nothing once
// the session is shutting down.
func (s *session) goTracked(fn func()) bool {
	s.venueMu.Lock()
	defer s.venueMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *session) venue(v model.Venue) *venueStream {
	s.venueMu.Lock()
	defer s.venueMu.Unlock()
	return s.venues[v]
}

func (s *session) liveVenues() int {
	s.venueMu.Lock()
	defer s.venueMu.Unlock()
	return len(s.venues)
}

// dropStream closes one venue's streams and renewal, leaving the rest
// running. The venue entry is kept if it was already reopened.
func (s *session) dropStream(vs *venueStream) {
	s.venueMu.Lock()
	if s.venues[vs.venue] == vs {
		delete(s.venues, vs.venue)
	}
	s.venueMu.Unlock()
	vs.close()
}

// events stamps user and venue on decoded records, feeds the sink once and
// fans out to every attached connection.
func (s *session) events(venue model.Venue) port.UserEvents {
	return port.UserEvents{
		Balance: func(b model.Balance) {
			b.UserID, b.Venue = s.userID, venue
			if s.sink != nil {
				s.sink.OnBalance(b)
			}
			for _, a := range s.snapshot() {
				if a.cb.Balance != nil {
					a.cb.Balance(b)
				}
			}
		},
		Order: func(o model.Order) {
			o.UserID, o.Venue = s.userID, venue
			if s.sink != nil {
				s.sink.OnOrder(o)
			}
			for _, a := range s.snapshot() {
				if a.cb.Order != nil {
					a.cb.Order(o)
				}
			}
		},
		Trade: func(t model.UserTrade) {
			t.UserID, t.Venue = s.userID, venue
			if s.sink != nil {
				s.sink.OnUserTrade(t)
			}
			for _, a := range s.snapshot() {
				if a.cb.Trade != nil {
					a.cb.Trade(t)
				}
			}
		},
	}
}

func (s *session) broadcastStatus(ev port.StatusEvent) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, a := range s.snapshot() {
		if a.cb.Status != nil {
			a.cb.Status(ev)
		}
	}
}

// shutdown cancels the scope, closes every venue and waits for renewal loops.
func (s *session) shutdown() {
	s.state.Store(int32(SessionDetaching))
	s.obsMu.Lock()
	s.closed = true
	s.obsMu.Unlock()

	s.venueMu.Lock()
	s.cancel()
	venues := s.venues
	s.venues = make(map[model.Venue]*venueStream)
	s.venueMu.Unlock()
	for _, vs := range venues {
		vs.close()
	}
	s.wg.Wait()
	s.state.Store(int32(SessionClosed))
}
