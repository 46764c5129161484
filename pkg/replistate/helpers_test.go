package replistate

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/replistate/replistate/pkg/applier"
	"github.com/replistate/replistate/pkg/store"
	"github.com/replistate/replistate/pkg/store/memstore"
)

// quietStore wraps a memstore.Store with a Subscribe that never delivers
// notifications, so an engine under test only syncs when the test says so
// and applied-event counts stay deterministic. The change-reaction path
// itself is covered by TestChangeReaction_RemoteMetaTriggersSync, which
// uses the real subscription.
type quietStore struct{ *memstore.Store }

func (quietStore) Subscribe(store.ChangeHandler) func() { return func() {} }

func quiet(s *memstore.Store) store.Adapter { return quietStore{s} }

// todoState is the minimal application state used by this package's own
// tests: an ordered list of todo titles, folded one event at a time by
// testApplier.Apply. Real hosts ship something richer; tests only need enough surface to exercise baselines and replay ordering.
type todoState struct {
	Todos []string `json:"todos"`
}

func cloneTodoState(s todoState) todoState {
	out := todoState{Todos: append([]string(nil), s.Todos...)}
	return out
}

type createTodoOp struct {
	Title string `json:"title"`
}

// testApplier backs a single Engine[todoState] in tests. appliedCount lets a
// test assert exactly how many events a Sync/bootstrap actually replayed.
type testApplier struct {
	mu           sync.Mutex
	state        todoState
	appliedCount atomic.Int64
	applyErr     error
	snapshotErr  error
	loadSnapErr  error
}

func newTestApplier() *testApplier {
	return &testApplier{}
}

func (a *testApplier) handlers() applier.Handlers[todoState] {
	return applier.Handlers[todoState]{
		Apply:        a.apply,
		Snapshot:     a.snapshot,
		LoadSnapshot: a.loadSnapshot,
	}
}

// bootstrapOnlyHandlers returns a Handlers value with no Snapshot/LoadSnapshot,
// i.e. a peer that only ever replays events and never authors a baseline.
func (a *testApplier) bootstrapOnlyHandlers() applier.Handlers[todoState] {
	return applier.Handlers[todoState]{Apply: a.apply}
}

func (a *testApplier) apply(ctx context.Context, ev applier.Event) error {
	if a.applyErr != nil {
		return a.applyErr
	}
	var op createTodoOp
	if err := json.Unmarshal(ev.Data, &op); err != nil {
		return err
	}
	a.mu.Lock()
	a.state.Todos = append(a.state.Todos, op.Title)
	a.mu.Unlock()
	a.appliedCount.Add(1)
	return nil
}

func (a *testApplier) snapshot(ctx context.Context) (todoState, error) {
	if a.snapshotErr != nil {
		return todoState{}, a.snapshotErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneTodoState(a.state), nil
}

func (a *testApplier) loadSnapshot(ctx context.Context, s todoState) error {
	if a.loadSnapErr != nil {
		return a.loadSnapErr
	}
	a.mu.Lock()
	a.state = cloneTodoState(s)
	a.mu.Unlock()
	return nil
}

func (a *testApplier) todos() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.state.Todos...)
}

func (a *testApplier) applied() int {
	return int(a.appliedCount.Load())
}

func todoPayload(title string) createTodoOp {
	return createTodoOp{Title: title}
}

// recordTodo mirrors how a real host uses this package: it owns its state
// and updates it directly for its own writes, then calls Record purely to
// persist and replicate the event — Apply is never invoked for a peer's own
// events, only for ones replayed from elsewhere.
func recordTodo(ctx context.Context, e *Engine[todoState], app *testApplier, title string) (uint64, error) {
	app.mu.Lock()
	app.state.Todos = append(app.state.Todos, title)
	app.mu.Unlock()
	return e.Record(ctx, "create", todoPayload(title))
}
