package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/metrics"
	sentryutil "github.com/SplitFi/go-salesindexer/service/sentry"
)

const (
	defaultMaxInFlight = 8
	defaultMaxRespawns = 5
)

// Config sizes a cluster
type Config struct {
	// Size is the number of workers. Zero means one less than the number of CPUs.
	Size int
	// MaxInFlight caps the units outstanding on one worker; the rest wait in the manager's queue
	MaxInFlight int
	// MaxRespawns is how many times in a row a slot's worker may die before coming online
	// before the slot is abandoned
	MaxRespawns int
	Spawner     Spawner
	// RespawnBackoff builds the wait between respawns of one slot
	RespawnBackoff func() backoff.BackOff
}

// Future is the eventual result of a unit of work
type Future struct {
	UUID   string
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func newFuture(id string) *Future {
	return &Future{UUID: id, done: make(chan struct{})}
}

func (f *Future) resolve(result json.RawMessage, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

// Wait blocks until the unit completes or ctx is done
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type unit struct {
	id     string
	seq    uint64
	method string
	data   json.RawMessage
	state  WorkState
	member *member
	sentAt time.Time
	future *Future
}

type member struct {
	id        string
	slot      *slot
	state     MemberState
	online    bool
	proc      *Process
	outbox    chan Message
	inFlight  map[string]*unit
	completed int
}

func (mb *member) live() bool {
	return mb.online && mb.state != MemberError
}

// slot is a position in the cluster that a member and its replacements occupy in turn
type slot struct {
	index     int
	member    *member
	backlog   []*unit
	deaths    int
	abandoned bool
	backoff   backoff.BackOff
}

// MemberStats is a snapshot of one worker
type MemberStats struct {
	UUID      string      `json:"uuid"`
	Slot      int         `json:"slot"`
	State     MemberState `json:"state"`
	InFlight  int         `json:"inFlight"`
	Backlog   int         `json:"backlog"`
	Completed int         `json:"completed"`
}

// Stats is a snapshot of the cluster
type Stats struct {
	Members    []MemberStats `json:"members"`
	Pending    int           `json:"pending"`
	Spawns     int           `json:"spawns"`
	Respawns   int           `json:"respawns"`
	Reassigned int           `json:"reassigned"`
	Completed  int           `json:"completed"`
}

// Manager distributes units of work over a set of worker processes. All of its state is owned
// by a single loop goroutine; public methods hand closures to that loop.
type Manager struct {
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	stopped chan struct{}

	// owned by the loop
	slots    []*slot
	units    map[string]*unit
	pending  []*unit
	cursor   int
	seq      uint64
	stopping bool
	stats    Stats
}

func NewManager(cfg Config) *Manager {
	if cfg.Size <= 0 {
		cfg.Size = runtime.NumCPU() - 1
		if cfg.Size < 1 {
			cfg.Size = 1
		}
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.MaxRespawns <= 0 {
		cfg.MaxRespawns = defaultMaxRespawns
	}
	if cfg.RespawnBackoff == nil {
		cfg.RespawnBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	m := &Manager{
		cfg:     cfg,
		ctx:     context.Background(),
		events:  make(chan func()),
		stopped: make(chan struct{}),
		units:   make(map[string]*unit),
	}
	go m.loop()
	return m
}

// Start spawns the workers. Work submitted before Start fails with ErrWorkerUnavailable; work
// submitted after it is queued until a worker is online.
func (m *Manager) Start(ctx context.Context) *Manager {
	m.do(func() {
		m.ctx, m.cancel = context.WithCancel(logger.NewContextWithFields(ctx, logrus.Fields{"component": "cluster"}))
		for i := 0; i < m.cfg.Size; i++ {
			s := &slot{index: i, backoff: m.cfg.RespawnBackoff()}
			m.slots = append(m.slots, s)
			m.spawn(s)
		}
	})
	logger.For(ctx).Infof("started cluster of %d workers", m.cfg.Size)
	return m
}

// Stop kills every worker and fails all outstanding work with ErrManagerStopped
func (m *Manager) Stop() {
	m.do(func() {
		m.stopping = true
		for _, s := range m.slots {
			if s.member != nil && s.member.state != MemberError {
				m.retire(s.member)
			}
			for _, u := range s.backlog {
				m.complete(u, nil, ErrManagerStopped)
			}
			s.backlog = nil
		}
		for _, u := range m.units {
			m.complete(u, nil, ErrManagerStopped)
		}
		m.pending = nil
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// Submit queues one unit of work. data is marshalled to JSON.
func (m *Manager) Submit(method string, data any) (*Future, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", method, err)
	}
	u := &unit{id: uuid.New().String(), method: method, data: raw, state: WorkQueued}
	u.future = newFuture(u.id)

	ok := m.do(func() {
		if m.stopping {
			u.future.resolve(nil, ErrManagerStopped)
			return
		}
		if !m.anyUsableSlot() {
			u.future.resolve(nil, ErrWorkerUnavailable)
			return
		}
		u.seq = m.seq
		m.seq++
		m.units[u.id] = u
		m.pending = append(m.pending, u)
		m.pump()
	})
	if !ok {
		return nil, ErrManagerStopped
	}
	return u.future, nil
}

// Available is the number of workers currently online
func (m *Manager) Available() int {
	n := 0
	m.do(func() {
		for _, s := range m.slots {
			if s.member != nil && s.member.live() {
				n++
			}
		}
	})
	return n
}

// Size is the configured number of workers
func (m *Manager) Size() int {
	return m.cfg.Size
}

// Stats returns a snapshot of the cluster
func (m *Manager) Stats() Stats {
	var out Stats
	m.do(func() {
		out = m.stats
		out.Pending = len(m.pending)
		out.Members = nil
		for _, s := range m.slots {
			ms := MemberStats{Slot: s.index, State: MemberError, Backlog: len(s.backlog)}
			if s.member != nil {
				ms.UUID = s.member.id
				ms.State = s.member.state
				ms.InFlight = len(s.member.inFlight)
				ms.Completed = s.member.completed
			}
			out.Members = append(out.Members, ms)
		}
	})
	return out
}

func (m *Manager) loop() {
	defer close(m.stopped)
	for f := range m.events {
		f()
		if m.stopping {
			return
		}
	}
}

// do runs f on the loop and waits for it. It returns false once the manager has stopped.
func (m *Manager) do(f func()) bool {
	done := make(chan struct{})
	select {
	case m.events <- func() { defer close(done); f() }:
		<-done
		return true
	case <-m.stopped:
		return false
	}
}

func (m *Manager) spawn(s *slot) {
	if m.stopping || s.abandoned {
		return
	}
	id := uuid.New().String()
	ctx := logger.NewContextWithFields(m.ctx, logrus.Fields{"workerUUID": id, "slot": s.index})

	mb := &member{
		id:       id,
		slot:     s,
		state:    MemberInitializing,
		outbox:   make(chan Message, m.cfg.MaxInFlight+2),
		inFlight: make(map[string]*unit),
	}
	s.member = mb
	m.stats.Spawns++

	proc, err := m.cfg.Spawner.Spawn(m.ctx, id)
	if err != nil {
		logger.For(ctx).WithError(err).Error("failed to spawn worker")
		m.onExit(mb, err)
		return
	}
	mb.proc = proc
	c := newConn(proc.Stdout, proc.Stdin)

	go m.write(ctx, mb, c)
	go m.read(ctx, mb, c)

	mb.outbox <- Message{Method: MethodPing}
}

// write forwards a member's outbox to its stdin
func (m *Manager) write(ctx context.Context, mb *member, c *conn) {
	for msg := range mb.outbox {
		if err := c.send(msg); err != nil {
			logger.For(ctx).WithError(err).Warn("failed to write to worker")
			mb.proc.Kill()
			for range mb.outbox {
			}
			return
		}
	}
	c.close()
}

// read forwards a member's messages to the loop until its stdout fails
func (m *Manager) read(ctx context.Context, mb *member, c *conn) {
	defer sentryutil.RecoverAndRaise(ctx)
	for {
		msg, err := c.receive()
		if err != nil {
			if mb.proc.Wait != nil {
				if werr := mb.proc.Wait(); werr != nil {
					err = fmt.Errorf("%v: %w", err, werr)
				}
			}
			m.do(func() { m.onExit(mb, err) })
			return
		}
		if !m.do(func() { m.onMessage(mb, msg) }) {
			return
		}
	}
}

func (m *Manager) onMessage(mb *member, msg Message) {
	if mb.state == MemberError {
		return
	}
	switch msg.Method {
	case MethodPong:
		if !mb.online {
			mb.online = true
			mb.state = MemberFree
			mb.slot.deaths = 0
			mb.slot.backoff.Reset()
			logger.For(m.ctx).WithField("workerUUID", mb.id).Debug("worker online")
		}
	case MethodUpdateState:
		if msg.Work == nil {
			return
		}
		u, ok := mb.inFlight[msg.Work.UUID]
		if !ok {
			return
		}
		switch msg.Work.State {
		case WorkDone:
			m.finish(mb, u, msg.Work.Result, nil)
		case WorkRejected:
			m.finish(mb, u, nil, RemoteError{Method: u.method, Message: msg.Work.Error})
		default:
			u.state = msg.Work.State
		}
	}
	m.pump()
}

func (m *Manager) finish(mb *member, u *unit, result json.RawMessage, err error) {
	delete(mb.inFlight, u.id)
	mb.completed++
	if len(mb.inFlight) == 0 {
		mb.state = MemberFree
	}
	metrics.ClusterUnitLatency.WithLabelValues(u.method).Observe(time.Since(u.sentAt).Seconds())
	m.complete(u, result, err)
}

func (m *Manager) complete(u *unit, result json.RawMessage, err error) {
	if err != nil {
		u.state = WorkRejected
	} else {
		u.state = WorkDone
		m.stats.Completed++
	}
	delete(m.units, u.id)
	u.future.resolve(result, err)
}

// onExit moves a dead member's outstanding units to its slot's backlog and schedules a replacement
func (m *Manager) onExit(mb *member, err error) {
	if mb.state == MemberError {
		return
	}
	wasOnline := mb.online
	m.retire(mb)
	if m.stopping {
		return
	}

	s := mb.slot
	orphaned := make([]*unit, 0, len(mb.inFlight))
	for _, u := range mb.inFlight {
		orphaned = append(orphaned, u)
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].seq < orphaned[j].seq })
	for _, u := range orphaned {
		u.member = nil
		u.state = WorkQueued
	}
	mb.inFlight = map[string]*unit{}
	s.backlog = append(orphaned, s.backlog...)
	m.stats.Reassigned += len(orphaned)
	metrics.ClusterReassigned.Add(float64(len(orphaned)))

	if !wasOnline {
		s.deaths++
	}
	entry := logger.For(m.ctx).WithError(err).WithFields(logrus.Fields{
		"workerUUID": mb.id,
		"slot":       s.index,
		"reassigned": len(orphaned),
		"deaths":     s.deaths,
	})

	if s.deaths >= m.cfg.MaxRespawns {
		entry.Error("worker keeps dying before it comes online, abandoning its slot")
		s.abandoned = true
		for _, u := range s.backlog {
			m.complete(u, nil, ErrWorkerUnavailable)
		}
		s.backlog = nil
		if !m.anyUsableSlot() {
			for _, u := range m.pending {
				m.complete(u, nil, ErrWorkerUnavailable)
			}
			m.pending = nil
		}
		m.pump()
		return
	}

	wait := s.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = time.Second
	}
	entry.Warnf("worker died, respawning in %s", wait)
	m.stats.Respawns++
	metrics.ClusterRespawns.Inc()
	time.AfterFunc(wait, func() {
		m.do(func() { m.spawn(s) })
	})
	m.pump()
}

// retire kills a member and stops its writer
func (m *Manager) retire(mb *member) {
	mb.state = MemberError
	close(mb.outbox)
	if mb.proc != nil {
		if err := mb.proc.Kill(); err != nil {
			logger.For(m.ctx).WithError(err).Warn("failed to kill worker")
		}
	}
}

func (m *Manager) anyUsableSlot() bool {
	for _, s := range m.slots {
		if !s.abandoned {
			return true
		}
	}
	return false
}

// pump hands queued units to members with spare capacity. A slot's backlog goes to that slot's
// own member before anything in the shared queue.
func (m *Manager) pump() {
	if m.stopping {
		return
	}
	for _, s := range m.slots {
		mb := s.member
		if mb == nil || !mb.live() {
			continue
		}
		for len(s.backlog) > 0 && len(mb.inFlight) < m.cfg.MaxInFlight {
			u := s.backlog[0]
			s.backlog = s.backlog[1:]
			m.send(mb, u)
		}
	}
	for len(m.pending) > 0 {
		mb := m.nextMember()
		if mb == nil {
			return
		}
		u := m.pending[0]
		m.pending = m.pending[1:]
		m.send(mb, u)
	}
}

// nextMember picks the next live member with spare capacity in round-robin order
func (m *Manager) nextMember() *member {
	n := len(m.slots)
	for i := 0; i < n; i++ {
		s := m.slots[(m.cursor+i)%n]
		mb := s.member
		if mb == nil || !mb.live() || len(s.backlog) > 0 || len(mb.inFlight) >= m.cfg.MaxInFlight {
			continue
		}
		m.cursor = (m.cursor + i + 1) % n
		return mb
	}
	return nil
}

func (m *Manager) send(mb *member, u *unit) {
	u.member = mb
	u.state = WorkSubmitted
	u.sentAt = time.Now()
	mb.inFlight[u.id] = u
	mb.state = MemberBusy
	select {
	case mb.outbox <- Message{UUID: u.id, Method: u.method, Data: u.data}:
	default:
		// the outbox holds MaxInFlight units plus a ping, so this only happens to a wedged writer.
		// The unit stays in flight and is reassigned with the rest when the member is retired.
		err := fmt.Errorf("outbox of worker %s is full", mb.id)
		go m.do(func() { m.onExit(mb, err) })
	}
}
