package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcane-ops/sentryrun/internal/approval"
	"github.com/arcane-ops/sentryrun/internal/audit"
	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/storage/memstore"
)

type fakeModule struct {
	mu       sync.Mutex
	manifest Manifest
	events   *[]string
	failInit bool
	failStop bool
}

func newFakeModule(id string, deps []string, events *[]string) *fakeModule {
	return &fakeModule{
		manifest: Manifest{ID: id, Version: "0.1.0", Category: CategoryDetector, Dependencies: deps},
		events:   events,
	}
}

func (f *fakeModule) Manifest() Manifest { return f.manifest }

func (f *fakeModule) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.events = append(*f.events, f.manifest.ID+":"+op)
}

func (f *fakeModule) Initialize(context.Context, *Context) error {
	if f.failInit {
		return errors.New("init failed")
	}
	f.record("initialize")
	return nil
}
func (f *fakeModule) Start(context.Context) error {
	f.record("start")
	return nil
}
func (f *fakeModule) Stop(context.Context) error {
	f.record("stop")
	if f.failStop {
		return errors.New("stop failed")
	}
	return nil
}
func (f *fakeModule) Destroy(context.Context) error {
	f.record("destroy")
	return nil
}
func (f *fakeModule) Health(context.Context) Health {
	return Health{Status: HealthHealthy}
}

func newTestKernel() *Kernel {
	store := memstore.New()
	bus := eventbus.New(nil)
	gate := approval.New(store, audit.New(store), bus)
	return New(store, bus, gate, nil)
}

func TestLifecycleOrderRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel()
	var events []string

	a := newFakeModule("detector.a", []string{"detector.b"}, &events)
	b := newFakeModule("detector.b", nil, &events)
	c := newFakeModule("detector.c", []string{"detector.b"}, &events)

	require.NoError(t, k.Register(a))
	require.NoError(t, k.Register(b))
	require.NoError(t, k.Register(c))

	require.NoError(t, k.InitializeAll(ctx, nil))
	require.NoError(t, k.StartAll(ctx))

	for _, id := range []string{"detector.a", "detector.b", "detector.c"} {
		state, ok := k.State(id)
		require.True(t, ok)
		assert.Equal(t, StateRunning, state)
	}

	k.StopAll(ctx)
	k.DestroyAll(ctx)

	// B must initialize/start before A and C; B must stop after A and C.
	bInitIdx := indexOf(events, "detector.b:initialize")
	aInitIdx := indexOf(events, "detector.a:initialize")
	cInitIdx := indexOf(events, "detector.c:initialize")
	assert.Less(t, bInitIdx, aInitIdx)
	assert.Less(t, bInitIdx, cInitIdx)

	bStopIdx := indexOf(events, "detector.b:stop")
	aStopIdx := indexOf(events, "detector.a:stop")
	assert.Greater(t, bStopIdx, aStopIdx)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	k := newTestKernel()
	var events []string
	m := newFakeModule("detector.x", nil, &events)
	require.NoError(t, k.Register(m))

	err := k.Register(newFakeModule("detector.x", nil, &events))
	require.Error(t, err)
}

func TestFailingStopDoesNotHaltShutdown(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel()
	var events []string

	a := newFakeModule("detector.a", nil, &events)
	a.failStop = true
	b := newFakeModule("detector.b", nil, &events)

	require.NoError(t, k.Register(a))
	require.NoError(t, k.Register(b))
	require.NoError(t, k.InitializeAll(ctx, nil))
	require.NoError(t, k.StartAll(ctx))

	k.StopAll(ctx)

	stateA, _ := k.State("detector.a")
	stateB, _ := k.State("detector.b")
	assert.Equal(t, StateStopped, stateA)
	assert.Equal(t, StateStopped, stateB)
}

func TestModuleNeverRunsBeforeItsDependency(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel()
	var events []string

	dep := newFakeModule("detector.dep", nil, &events)
	dependent := newFakeModule("detector.dependent", []string{"detector.dep"}, &events)

	require.NoError(t, k.Register(dependent))
	require.NoError(t, k.Register(dep))
	require.NoError(t, k.InitializeAll(ctx, nil))
	require.NoError(t, k.StartAll(ctx))

	depStartIdx := indexOf(events, "detector.dep:start")
	dependentStartIdx := indexOf(events, "detector.dependent:start")
	assert.Less(t, depStartIdx, dependentStartIdx)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
