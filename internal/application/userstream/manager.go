package userstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"xfeed/internal/application/port"
	"xfeed/internal/application/subscription"
	"xfeed/internal/domain/model"
)

var (
	// ErrNoCredentials is returned by Attach when none of the user's
	// credentials match a configured venue.
	ErrNoCredentials = errors.New("no usable venue credentials")
	// ErrNoVenueOpened is returned by Attach, together with the per-venue
	// results, when no stream could be opened and no session was kept.
	ErrNoVenueOpened = errors.New("no user stream opened")
)

// Result is the outcome of opening one topic on one venue.
type Result struct {
	Topic   model.Topic `json:"topic"`
	Venue   model.Venue `json:"venue"`
	Success bool        `json:"success"`
	Err     error       `json:"-"`
}

// Unauthorized reports whether the venue rejected the user's credentials.
func (r Result) Unauthorized() bool { return port.IsUnauthorized(r.Err) }

// AuthErrorFunc is told when a venue rejects a user's credentials.
type AuthErrorFunc func(userID string, venue model.Venue, err error)

// VenueClient bundles a venue's user stream client with its call budget.
type VenueClient struct {
	Streams port.UserStreams
	Limiter port.Reserver // optional
	// RenewEvery is the listen key renewal period; 0 disables renewal.
	RenewEvery time.Duration
}

// Deps 会话管理器依赖
type Deps struct {
	Venues      []VenueClient
	Sink        port.AccountSink // optional, receives every upstream event once
	OnAuthError AuthErrorFunc    // optional
	// OnStatus sees every venue stream status once per session, before the
	// per-connection fan-out. Optional.
	OnStatus func(userID string, ev port.StatusEvent)
	// Concurrency bounds how many venues are opened at once; 0 means all.
	Concurrency int
}

// Manager 管理每个用户的多交易所私有数据流会话。
// One session per user is shared by all of that user's connections.
type Manager struct {
	venues      map[model.Venue]VenueClient
	sink        port.AccountSink
	onAuthError AuthErrorFunc
	onStatus    func(userID string, ev port.StatusEvent)
	concurrency int

	users subscription.KeyedMutex[string]

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(deps Deps) *Manager {
	m := &Manager{
		venues:      make(map[model.Venue]VenueClient, len(deps.Venues)),
		sink:        deps.Sink,
		onAuthError: deps.OnAuthError,
		onStatus:    deps.OnStatus,
		concurrency: deps.Concurrency,
		sessions:    make(map[string]*session),
	}
	for _, vc := range deps.Venues {
		m.venues[vc.Streams.Venue()] = vc
	}
	return m
}

func (m *Manager) lookup(userID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// Attach joins connID to userID's session, creating it on first use. A
// joining connection gets no results since nothing new was opened. A new
// session reports one Result per venue and topic; failures on some venues
// do not fail the others. The session is kept only if at least one stream
// opened; otherwise the results come back with ErrNoVenueOpened.
func (m *Manager) Attach(ctx context.Context, connID, userID string, creds model.CredentialSet, cb Callbacks) ([]Result, error) {
	unlock := m.users.Lock(userID)
	defer unlock()

	if s := m.lookup(userID); s != nil {
		if !s.attach(connID, cb) {
			log.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("connection already attached")
		} else {
			log.Info().Str("user_id", userID).Str("conn_id", connID).Int("attached", s.attachedCount()).Msg("attached to existing session")
		}
		return nil, nil
	}

	var venues []model.Venue
	for v, c := range creds {
		if _, ok := m.venues[v]; ok && c.Valid() {
			venues = append(venues, v)
		}
	}
	if len(venues) == 0 {
		return nil, ErrNoCredentials
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	s := newSession(userID, creds, m.sink)
	s.attach(connID, cb)

	var (
		resMu   sync.Mutex
		results []Result
	)
	g := new(errgroup.Group)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	for _, v := range venues {
		g.Go(func() error {
			rs := m.openVenue(ctx, s, m.venues[v], creds[v])
			resMu.Lock()
			results = append(results, rs...)
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sortResults(results)

	if s.liveVenues() == 0 {
		s.shutdown()
		log.Warn().Str("user_id", userID).Msg("no user stream could be opened")
		return results, ErrNoVenueOpened
	}

	s.state.Store(int32(SessionActive))
	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()

	log.Info().Str("user_id", userID).Str("conn_id", connID).Int("venues", s.liveVenues()).Msg("user session opened")
	return results, nil
}

// openVenue acquires the listen key and opens every user topic for one venue.
func (m *Manager) openVenue(ctx context.Context, s *session, vc VenueClient, creds model.Credentials) []Result {
	venue := vc.Streams.Venue()
	failAll := func(err error) []Result {
		out := make([]Result, 0, len(model.UserTopics))
		for _, t := range model.UserTopics {
			out = append(out, Result{Topic: t, Venue: venue, Err: err})
		}
		return out
	}

	if vc.Limiter != nil {
		if err := vc.Limiter.Reserve(ctx); err != nil {
			return failAll(err)
		}
	}
	listenKey, err := vc.Streams.AcquireListenKey(ctx, creds)
	if err != nil {
		log.Error().Err(err).Str("user_id", s.userID).Str("venue", venue.String()).Msg("acquire listen key failed")
		if port.IsUnauthorized(err) {
			m.authError(s.userID, venue, err)
		}
		return failAll(fmt.Errorf("acquire listen key: %w", err))
	}

	vctx, vcancel := context.WithCancel(s.ctx)
	vs := &venueStream{venue: venue, listenKey: listenKey, cancel: vcancel, handles: make(map[model.Topic]port.Handle)}
	vs.connected.Store(true)

	results := make([]Result, 0, len(model.UserTopics))
	unauthorized := false
	opened := 0
	for _, topic := range model.UserTopics {
		if vc.Limiter != nil {
			if err := vc.Limiter.Reserve(ctx); err != nil {
				results = append(results, Result{Topic: topic, Venue: venue, Err: err})
				continue
			}
		}
		h, err := vc.Streams.SubscribeUser(vctx, topic, listenKey, creds, s.events(venue), m.statusFunc(s, vs, topic))
		if err != nil {
			log.Error().Err(err).Str("user_id", s.userID).Str("venue", venue.String()).Str("topic", string(topic)).Msg("open user stream failed")
			results = append(results, Result{Topic: topic, Venue: venue, Err: err})
			unauthorized = unauthorized || port.IsUnauthorized(err)
			continue
		}
		vs.mu.Lock()
		vs.handles[topic] = h
		vs.mu.Unlock()
		opened++
		results = append(results, Result{Topic: topic, Venue: venue, Success: true})
	}

	if unauthorized {
		// the venue is dropped as a whole; streams that did open are closed below
		m.authError(s.userID, venue, port.ErrUnauthorized)
		for i := range results {
			if results[i].Success {
				results[i] = Result{Topic: results[i].Topic, Venue: venue, Err: port.ErrUnauthorized}
			}
		}
	}
	if opened == 0 || unauthorized {
		vs.close()
		return results
	}

	if !s.addVenue(vs) {
		// session shut down while this venue was opening
		vs.close()
		return results
	}
	if vc.RenewEvery > 0 {
		s.goTracked(func() { m.renewLoop(vctx, s, vc, creds, vs) })
	}
	return results
}

// statusFunc tags a venue stream's status with venue and topic and fans it
// out to every attached connection.
func (m *Manager) statusFunc(s *session, vs *venueStream, topic model.Topic) port.StatusFunc {
	return func(ev port.StatusEvent) {
		vs.mu.Lock()
		disabled := vs.disabled
		vs.mu.Unlock()
		if disabled {
			return
		}

		ev.Venue, ev.Topic = vs.venue, topic
		expired := false
		switch ev.Kind {
		case port.StatusInterrupted:
			vs.connected.Store(false)
		case port.StatusRestored:
			vs.connected.Store(true)
		case port.StatusError:
			switch {
			case port.IsUnauthorized(ev.Err):
				m.authError(s.userID, vs.venue, ev.Err)
				// closing from the stream's own goroutine would wait on itself
				go s.dropStream(vs)
			case port.IsListenKeyExpired(ev.Err):
				expired = true
			}
		}
		log.Info().Str("user_id", s.userID).Str("venue", vs.venue.String()).Str("topic", string(topic)).Str("status", string(ev.Kind)).Msg("user stream status")
		if m.onStatus != nil {
			m.onStatus(s.userID, ev)
		}
		s.broadcastStatus(ev)
		if expired {
			// after the broadcast so connections see the expiry before the reopen
			m.expire(s, vs)
		}
	}
}

func (m *Manager) renewLoop(ctx context.Context, s *session, vc VenueClient, creds model.Credentials, vs *venueStream) {
	venue := vc.Streams.Venue()

	ticker := time.NewTicker(vc.RenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if vc.Limiter != nil {
			if err := vc.Limiter.Reserve(ctx); err != nil {
				return
			}
		}
		err := vc.Streams.RenewListenKey(ctx, creds, vs.listenKey)
		if err == nil {
			log.Debug().Str("user_id", s.userID).Str("venue", venue.String()).Msg("listen key renewed")
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if port.IsListenKeyExpired(err) {
			log.Warn().Err(err).Str("user_id", s.userID).Str("venue", venue.String()).Msg("listen key gone, re-acquiring")
			m.expire(s, vs)
			return
		}
		log.Warn().Err(err).Str("user_id", s.userID).Str("venue", venue.String()).Msg("listen key renewal failed")
		if port.IsUnauthorized(err) {
			m.authError(s.userID, venue, err)
			s.dropStream(vs)
			return
		}
	}
}

// expire schedules one rekey per expired venue stream, however many of its
// topics report the expiry.
func (m *Manager) expire(s *session, vs *venueStream) {
	if !vs.expired.CompareAndSwap(false, true) {
		return
	}
	s.goTracked(func() { m.rekey(s, vs) })
}

// rekey closes a venue whose listen key expired and opens it again under a
// fresh key. Every topic's outcome is broadcast: restored, or an error for
// topics that could not be reopened.
func (m *Manager) rekey(s *session, old *venueStream) {
	venue := old.venue
	s.dropStream(old)

	vc, ok := m.venues[venue]
	if !ok {
		return
	}
	results := m.openVenue(s.ctx, s, vc, s.creds[venue])
	if s.ctx.Err() != nil {
		return
	}

	failed := 0
	for _, r := range results {
		ev := port.StatusEvent{Kind: port.StatusRestored, Venue: venue, Topic: r.Topic, Time: time.Now()}
		if !r.Success {
			ev.Kind, ev.Err = port.StatusError, r.Err
			failed++
		}
		if m.onStatus != nil {
			m.onStatus(s.userID, ev)
		}
		s.broadcastStatus(ev)
	}
	log.Info().Str("user_id", s.userID).Str("venue", venue.String()).Int("failed", failed).Msg("venue reopened after listen key expiry")
}

func (m *Manager) authError(userID string, venue model.Venue, err error) {
	if m.onAuthError != nil {
		m.onAuthError(userID, venue, err)
	}
}

// Detach removes connID from userID's session. The last detach cancels the
// session and closes every venue stream.
func (m *Manager) Detach(userID, connID string) {
	unlock := m.users.Lock(userID)
	defer unlock()

	s := m.lookup(userID)
	if s == nil {
		return
	}
	remaining := s.detach(connID)
	if remaining != 0 {
		return
	}

	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	s.shutdown()
	log.Info().Str("user_id", userID).Str("conn_id", connID).Msg("user session closed")
}

// Close shuts every session down.
func (m *Manager) Close() {
	m.mu.Lock()
	users := make([]string, 0, len(m.sessions))
	for u := range m.sessions {
		users = append(users, u)
	}
	m.mu.Unlock()

	for _, u := range users {
		unlock := m.users.Lock(u)
		m.mu.Lock()
		s := m.sessions[u]
		delete(m.sessions, u)
		m.mu.Unlock()
		if s != nil {
			s.shutdown()
		}
		unlock()
	}
}

// Sessions 当前用户会话数
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Attached returns how many connections share userID's session.
func (m *Manager) Attached(userID string) int {
	s := m.lookup(userID)
	if s == nil {
		return 0
	}
	return s.attachedCount()
}

// State returns userID's session state.
func (m *Manager) State(userID string) (SessionState, bool) {
	s := m.lookup(userID)
	if s == nil {
		return SessionClosed, false
	}
	return SessionState(s.state.Load()), true
}

// VenueConnected reports whether venue's streams for userID are open and
// not currently interrupted.
func (m *Manager) VenueConnected(userID string, venue model.Venue) bool {
	s := m.lookup(userID)
	if s == nil {
		return false
	}
	vs := s.venue(venue)
	return vs != nil && vs.connected.Load()
}

func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Venue != rs[j].Venue {
			return rs[i].Venue < rs[j].Venue
		}
		return slices.Index(model.UserTopics, rs[i].Topic) < slices.Index(model.UserTopics, rs[j].Topic)
	})
}
