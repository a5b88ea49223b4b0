package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phonectl/relay/internal/protocol"
)

// pairEntry holds the two role slots for one pairId. Either or both
// may be nil; an entry with both slots nil is removed, never kept.
type pairEntry struct {
	pc    Conn
	phone Conn
}

func (e *pairEntry) slot(role protocol.Role) *Conn {
	if role == protocol.RolePC {
		return &e.pc
	}
	return &e.phone
}

func (e *pairEntry) empty() bool {
	return e.pc == nil && e.phone == nil
}

// registryImpl implements the Registry interface.
type registryImpl struct {
	cfg    Config
	logger *slog.Logger
	events EventSink // may be nil

	mu    sync.Mutex
	pairs map[string]*pairEntry

	swept     int64
	evictions int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a new Connection Registry. events may be nil to
// disable lifecycle event emission.
func NewRegistry(cfg Config, events EventSink, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	return &registryImpl{
		cfg:    cfg,
		logger: logger,
		events: events,
		pairs:  make(map[string]*pairEntry),
	}
}

// Start launches the background sweep loop.
func (r *registryImpl) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweepLoop(r.ctx)
	}()

	r.logger.Info("connection registry started",
		"sweep_interval", r.cfg.SweepInterval,
	)
	return nil
}

// Stop shuts down the sweep loop.
func (r *registryImpl) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("connection registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register binds conn into the (pairID, role) slot.
func (r *registryImpl) Register(pairID string, role protocol.Role, conn Conn) (RegistrationResult, error) {
	if pairID == "" {
		return RegistrationResult{}, ErrMissingPairID
	}
	if role != protocol.RolePC && role != protocol.RolePhone {
		return RegistrationResult{}, ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pairs[pairID]
	if !ok {
		entry = &pairEntry{}
		r.pairs[pairID] = entry
	}

	var result RegistrationResult

	slot := entry.slot(role)
	if prior := *slot; prior != nil && prior.ID() != conn.ID() {
		// Newest registration wins; close the old occupant first.
		prior.Close()
		r.evictions++
		result.Evicted = true
		r.notify(PairEvent{PairID: pairID, Role: role, ConnID: prior.ID(), Kind: EventEvicted})
		r.logger.Info("evicted prior connection",
			"pair_id", pairID,
			"role", role,
			"conn_id", prior.ID(),
		)
	}
	*slot = conn

	partner := *entry.slot(role.Opposite())
	result.Paired = partner != nil
	result.PartnerPresent = partner != nil

	r.notify(PairEvent{PairID: pairID, Role: role, ConnID: conn.ID(), Kind: EventRegistered})
	r.logger.Debug("registered",
		"pair_id", pairID,
		"role", role,
		"conn_id", conn.ID(),
		"paired", result.Paired,
	)

	return result, nil
}

// LookupPartner returns the connection in the opposite role's slot.
func (r *registryImpl) LookupPartner(pairID string, role protocol.Role) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pairs[pairID]
	if !ok {
		return nil, false
	}

	partner := *entry.slot(role.Opposite())
	if partner == nil {
		return nil, false
	}
	return partner, true
}

// Deregister clears the slot if conn is still its occupant.
func (r *registryImpl) Deregister(pairID string, role protocol.Role, conn Conn) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pairs[pairID]
	if !ok {
		return nil, false
	}

	slot := entry.slot(role)
	occupant := *slot
	if occupant == nil || occupant.ID() != conn.ID() {
		// Slot is empty or was taken over by a newer registration.
		return nil, false
	}
	*slot = nil

	partner := *entry.slot(role.Opposite())
	if entry.empty() {
		delete(r.pairs, pairID)
	}

	r.notify(PairEvent{PairID: pairID, Role: role, ConnID: conn.ID(), Kind: EventDeregistered})
	r.logger.Debug("deregistered",
		"pair_id", pairID,
		"role", role,
		"conn_id", conn.ID(),
	)

	return partner, true
}

// Sweep removes pair entries where neither slot holds a ready
// connection. It takes the same lock as Register/Deregister so it can
// never race a registration that is repopulating a slot.
func (r *registryImpl) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for pairID, entry := range r.pairs {
		if ready(entry.pc) || ready(entry.phone) {
			continue
		}

		if entry.pc != nil {
			r.notify(PairEvent{PairID: pairID, Role: protocol.RolePC, ConnID: entry.pc.ID(), Kind: EventSwept})
		}
		if entry.phone != nil {
			r.notify(PairEvent{PairID: pairID, Role: protocol.RolePhone, ConnID: entry.phone.ID(), Kind: EventSwept})
		}

		delete(r.pairs, pairID)
		removed++
	}

	if removed > 0 {
		r.swept += int64(removed)
		r.logger.Info("swept stale pairs", "removed", removed)
	}
	return removed
}

// Stats returns current table statistics.
func (r *registryImpl) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Pairs:     len(r.pairs),
		Swept:     r.swept,
		Evictions: r.evictions,
	}
	for _, entry := range r.pairs {
		if entry.pc != nil {
			s.Connections++
		}
		if entry.phone != nil {
			s.Connections++
		}
		if entry.pc != nil && entry.phone != nil {
			s.FullPairs++
		}
	}
	return s
}

// sweepLoop runs Sweep on a fixed interval until the context ends.
func (r *registryImpl) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// notify emits a pair event. Must be called with the lock held; the
// sink never blocks.
func (r *registryImpl) notify(ev PairEvent) {
	if r.events == nil {
		return
	}
	ev.At = time.Now()
	r.events.Send(ev)
}

func ready(c Conn) bool {
	return c != nil && c.Ready()
}
