package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"ejlog/scheduler/internal/coordinator"
	"ejlog/scheduler/internal/prenotatore"
	"ejlog/scheduler/pkg/entity"
)

type fakeSource struct {
	mu         sync.Mutex
	lists      []entity.Lista
	fetchErr   error
	getErr     error
	fetchCalls int
}

func (f *fakeSource) FetchEligibleLists(ctx context.Context, limit int) ([]entity.Lista, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]entity.Lista, 0, limit)
	for _, l := range f.lists {
		if len(out) == limit {
			break
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeSource) GetList(ctx context.Context, listID int64) (*entity.Lista, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, l := range f.lists {
		if l.ID == listID {
			cp := l
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("list %d: %w", listID, entity.ErrListNotFound)
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	deny     map[string]bool
	acquired int
	released int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string), deny: make(map[string]bool)}
}

func (l *fakeLocker) AcquireLock(ctx context.Context, resourceID, ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny[resourceID] {
		return false
	}
	if _, taken := l.held[resourceID]; taken {
		return false
	}
	l.held[resourceID] = ownerID
	l.acquired++
	return true
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, resourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[resourceID]; !ok {
		return false
	}
	delete(l.held, resourceID)
	l.released++
	return true
}

func (l *fakeLocker) ReleaseAllLocks(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.held)
	l.held = make(map[string]string)
	l.released += n
	return n
}

func (l *fakeLocker) counts() (acquired, released, held int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released, len(l.held)
}

type fakePrenotatore struct {
	tipo  int
	calls *atomic.Int64
	fn    func(ctx context.Context, listID int64, call int64) (*prenotatore.Result, error)
}

func newFakePrenotatore(tipo int, fn func(ctx context.Context, listID int64, call int64) (*prenotatore.Result, error)) *fakePrenotatore {
	return &fakePrenotatore{tipo: tipo, calls: atomic.NewInt64(0), fn: fn}
}

func (p *fakePrenotatore) Type() int { return p.tipo }
func (p *fakePrenotatore) Name() string { return fmt.Sprintf("fake-%d", p.tipo) }

func (p *fakePrenotatore) Accept(lista entity.Lista) bool {
	return lista.IDTipoLista == p.tipo && !lista.Terminata && !lista.RecordCancellato
}

func (p *fakePrenotatore) PrenotaLista(ctx context.Context, listID int64) (*prenotatore.Result, error) {
	call := p.calls.Inc()
	if p.fn == nil {
		return &prenotatore.Result{ListID: listID, Tipo: p.tipo, PrenotazioniCreated: 1, Stato: entity.StatoPrenotata}, nil
	}
	return p.fn(ctx, listID, call)
}

type fakeRegistry struct {
	byType map[int]prenotatore.Prenotatore
}

func newFakeRegistry(ps ...prenotatore.Prenotatore) *fakeRegistry {
	r := &fakeRegistry{byType: make(map[int]prenotatore.Prenotatore)}
	for _, p := range ps {
		r.byType[p.Type()] = p
	}
	return r
}

func (r *fakeRegistry) Get(tipo int) (prenotatore.Prenotatore, bool) {
	p, ok := r.byType[tipo]
	return p, ok
}

func (r *fakeRegistry) Find(lista entity.Lista) (prenotatore.Prenotatore, bool) {
	p, ok := r.byType[lista.IDTipoLista]
	if !ok || !p.Accept(lista) {
		return nil, false
	}
	return p, true
}

func (r *fakeRegistry) Stats() prenotatore.RegistryStats {
	stats := prenotatore.RegistryStats{Count: len(r.byType), Prenotatori: map[int]string{}}
	for t, p := range r.byType {
		stats.Types = append(stats.Types, t)
		stats.Prenotatori[t] = p.Name()
	}
	return stats
}

type fakeCoordinator struct {
	leader    *atomic.Bool
	stopped   *atomic.Bool
	instances []entity.HeartbeatAge
}

func newFakeCoordinator(leader bool) *fakeCoordinator {
	return &fakeCoordinator{leader: atomic.NewBool(leader), stopped: atomic.NewBool(false)}
}

func (c *fakeCoordinator) CanProcessLists() bool { return c.leader.Load() }

func (c *fakeCoordinator) State() coordinator.State {
	return coordinator.State{Mode: "AUTO", InstanceID: "go-test", IsLeader: c.leader.Load()}
}

func (c *fakeCoordinator) ActiveInstances(ctx context.Context) ([]entity.HeartbeatAge, error) {
	return c.instances, nil
}

func (c *fakeCoordinator) Stop(ctx context.Context) error {
	c.stopped.Store(true)
	c.leader.Store(false)
	return nil
}

type recordedEvent struct {
	eventType string
	payload   []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{eventType: eventType, payload: payload})
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}

func launched(id int64, tipo int) entity.Lista {
	t := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	return entity.Lista{
		ID:            id,
		NumLista:      fmt.Sprintf("L-%04d", id),
		IDTipoLista:   tipo,
		DataCreazione: t.Add(time.Duration(id) * time.Minute),
		DataLancio:    &t,
	}
}

// blockingPublisher 阻塞直到 release 关闭或 ctx 到期
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	ctxErrs []error
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *blockingPublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.ctxErrs = append(p.ctxErrs, ctx.Err())
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *blockingPublisher) errs() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.ctxErrs...)
}
