package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
)

// State 上游订阅生命周期
type State int32

const (
	StateOpening State = iota
	StateActive
	StateInterrupted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Ack 描述一次 Subscribe 的结果
type Ack struct {
	Key       string `json:"key"`
	Opened    bool   `json:"opened"`    // a new upstream was opened for this call
	Duplicate bool   `json:"duplicate"` // the connection was already registered
	RefCount  int    `json:"ref_count"`
}

type registration[D any] struct {
	connID   string
	onData   func(D)
	onStatus port.StatusFunc
}

// upstream is one shared feed. regs is copy-on-write: dispatch takes the
// current slice under obsMu and invokes it without holding any lock, so a
// callback may unsubscribe itself.
type upstream[K comparable, D any] struct {
	key    K
	keyStr string
	state  atomic.Int32

	handle    port.Handle
	cancel    context.CancelFunc
	closeOnce sync.Once

	obsMu   sync.Mutex
	regs    []*registration[D]
	closed  bool
	lastErr error

	// statusMu keeps status broadcasts for this upstream in order.
	statusMu sync.Mutex
}

func (u *upstream[K, D]) snapshot() []*registration[D] {
	u.obsMu.Lock()
	defer u.obsMu.Unlock()
	if u.closed {
		return nil
	}
	return u.regs
}

func (u *upstream[K, D]) dispatchData(d D) {
	for _, reg := range u.snapshot() {
		reg.onData(d)
	}
}

func (u *upstream[K, D]) dispatchStatus(ev port.StatusEvent) {
	u.statusMu.Lock()
	defer u.statusMu.Unlock()

	switch ev.Kind {
	case port.StatusInterrupted:
		u.state.CompareAndSwap(int32(StateActive), int32(StateInterrupted))
	case port.StatusRestored:
		u.state.CompareAndSwap(int32(StateInterrupted), int32(StateActive))
	case port.StatusError:
		u.obsMu.Lock()
		u.lastErr = ev.Err
		u.obsMu.Unlock()
	}

	regs := u.snapshot()
	log.Debug().Str("key", u.keyStr).Str("status", string(ev.Kind)).Int("registrations", len(regs)).Msg("upstream status")
	for _, reg := range regs {
		if reg.onStatus != nil {
			reg.onStatus(ev)
		}
	}
}

func (u *upstream[K, D]) shutdown() {
	u.closeOnce.Do(func() {
		u.state.Store(int32(StateClosed))
		u.cancel()
		if u.handle == nil {
			return
		}
		if err := u.handle.Close(); err != nil {
			log.Warn().Err(err).Str("key", u.keyStr).Msg("close upstream handle failed")
		}
	})
}

// Registry 按 key 复用上游订阅，引用计数归零时关闭上游。
//
// Mutations of one key are serialized by a per-key mutex; mapMu only guards
// the top-level maps, so unrelated keys never wait on each other's opener.
type Registry[K comparable, D any] struct {
	name string
	open port.Opener[K, D]

	keys KeyedMutex[K]

	mapMu  sync.Mutex
	subs   map[K]*upstream[K, D]
	byConn map[string]map[K]struct{}
}

// NewRegistry creates a registry; name is used in logs and metrics (usually the topic).
func NewRegistry[K comparable, D any](name string, open port.Opener[K, D]) *Registry[K, D] {
	return &Registry[K, D]{
		name:   name,
		open:   open,
		subs:   make(map[K]*upstream[K, D]),
		byConn: make(map[string]map[K]struct{}),
	}
}

func (r *Registry[K, D]) Name() string { return r.name }

func (r *Registry[K, D]) lookup(key K) *upstream[K, D] {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	return r.subs[key]
}

func (r *Registry[K, D]) track(connID string, key K) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	keys, ok := r.byConn[connID]
	if !ok {
		keys = make(map[K]struct{})
		r.byConn[connID] = keys
	}
	keys[key] = struct{}{}
}

func (r *Registry[K, D]) untrack(connID string, key K) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	keys := r.byConn[connID]
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.byConn, connID)
	}
}

// Subscribe registers connID for key. The first subscriber opens the
// upstream while holding the key's lock; concurrent subscribers for the same
// key wait and then join it. An opener error is returned untouched and
// leaves no state behind. ctx bounds the open call only.
func (r *Registry[K, D]) Subscribe(ctx context.Context, connID string, key K, onData func(D), onStatus port.StatusFunc) (Ack, error) {
	keyStr := fmt.Sprint(key)
	reg := &registration[D]{connID: connID, onData: onData, onStatus: onStatus}

	unlock := r.keys.Lock(key)
	defer unlock()

	if up := r.lookup(key); up != nil {
		up.obsMu.Lock()
		for _, existing := range up.regs {
			if existing.connID == connID {
				n := len(up.regs)
				up.obsMu.Unlock()
				log.Debug().Str("registry", r.name).Str("key", keyStr).Str("conn_id", connID).Msg("duplicate subscribe ignored")
				return Ack{Key: keyStr, Duplicate: true, RefCount: n}, nil
			}
		}
		regs := make([]*registration[D], len(up.regs), len(up.regs)+1)
		copy(regs, up.regs)
		up.regs = append(regs, reg)
		n := len(up.regs)
		up.obsMu.Unlock()

		r.track(connID, key)
		return Ack{Key: keyStr, RefCount: n}, nil
	}

	up := &upstream[K, D]{key: key, keyStr: keyStr, regs: []*registration[D]{reg}}
	up.state.Store(int32(StateOpening))

	scope, cancel := context.WithCancel(context.Background())
	up.cancel = cancel
	stop := context.AfterFunc(ctx, cancel)
	handle, err := r.open(scope, key, up.dispatchData, up.dispatchStatus)
	stop()
	if err != nil {
		cancel()
		log.Error().Err(err).Str("registry", r.name).Str("key", keyStr).Msg("open upstream failed")
		return Ack{}, err
	}
	if scope.Err() != nil {
		// caller gave up while the opener was finishing
		up.handle = handle
		up.shutdown()
		return Ack{}, ctx.Err()
	}
	up.handle = handle
	up.state.CompareAndSwap(int32(StateOpening), int32(StateActive))

	r.mapMu.Lock()
	r.subs[key] = up
	r.mapMu.Unlock()
	r.track(connID, key)

	log.Info().Str("registry", r.name).Str("key", keyStr).Str("conn_id", connID).Msg("upstream opened")
	return Ack{Key: keyStr, Opened: true, RefCount: 1}, nil
}

// Unsubscribe removes connID's registration for key and closes the upstream
// when it was the last one. It reports whether a registration was removed.
func (r *Registry[K, D]) Unsubscribe(connID string, key K) bool {
	unlock := r.keys.Lock(key)
	defer unlock()

	up := r.lookup(key)
	if up == nil {
		return false
	}

	up.obsMu.Lock()
	idx := -1
	for i, reg := range up.regs {
		if reg.connID == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		up.obsMu.Unlock()
		return false
	}
	regs := make([]*registration[D], 0, len(up.regs)-1)
	regs = append(regs, up.regs[:idx]...)
	regs = append(regs, up.regs[idx+1:]...)
	up.regs = regs
	last := len(regs) == 0
	if last {
		up.closed = true
	}
	up.obsMu.Unlock()

	r.untrack(connID, key)
	if !last {
		return true
	}

	r.mapMu.Lock()
	delete(r.subs, key)
	r.mapMu.Unlock()
	up.shutdown()

	log.Info().Str("registry", r.name).Str("key", up.keyStr).Msg("upstream closed")
	return true
}

// UnsubscribeAll drops every registration owned by connID.
func (r *Registry[K, D]) UnsubscribeAll(connID string) int {
	r.mapMu.Lock()
	keys := make([]K, 0, len(r.byConn[connID]))
	for k := range r.byConn[connID] {
		keys = append(keys, k)
	}
	r.mapMu.Unlock()

	n := 0
	for _, k := range keys {
		if r.Unsubscribe(connID, k) {
			n++
		}
	}
	return n
}

// Close shuts every upstream down regardless of registrations.
func (r *Registry[K, D]) Close() {
	r.mapMu.Lock()
	keys := make([]K, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	r.mapMu.Unlock()

	for _, key := range keys {
		unlock := r.keys.Lock(key)
		if up := r.lookup(key); up != nil {
			up.obsMu.Lock()
			up.closed = true
			up.regs = nil
			up.obsMu.Unlock()

			r.mapMu.Lock()
			delete(r.subs, key)
			r.mapMu.Unlock()
			up.shutdown()
		}
		unlock()
	}

	r.mapMu.Lock()
	r.byConn = make(map[string]map[K]struct{})
	r.mapMu.Unlock()
}

// Count 当前上游订阅数
func (r *Registry[K, D]) Count() int {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	return len(r.subs)
}

// Registrations 所有上游的下游注册总数
func (r *Registry[K, D]) Registrations() int {
	r.mapMu.Lock()
	subs := make([]*upstream[K, D], 0, len(r.subs))
	for _, up := range r.subs {
		subs = append(subs, up)
	}
	r.mapMu.Unlock()

	n := 0
	for _, up := range subs {
		up.obsMu.Lock()
		n += len(up.regs)
		up.obsMu.Unlock()
	}
	return n
}

// RefCount returns the number of registrations for key, 0 if none.
func (r *Registry[K, D]) RefCount(key K) int {
	up := r.lookup(key)
	if up == nil {
		return 0
	}
	up.obsMu.Lock()
	defer up.obsMu.Unlock()
	return len(up.regs)
}

// StateOf returns the lifecycle state of key's upstream.
func (r *Registry[K, D]) StateOf(key K) (State, bool) {
	up := r.lookup(key)
	if up == nil {
		return StateClosed, false
	}
	return State(up.state.Load()), true
}

// LastError returns the last error status reported by key's upstream.
func (r *Registry[K, D]) LastError(key K) error {
	up := r.lookup(key)
	if up == nil {
		return nil
	}
	up.obsMu.Lock()
	defer up.obsMu.Unlock()
	return up.lastErr
}
