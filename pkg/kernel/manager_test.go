package kernel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/pkg/activity"
	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/executor"
	"github.com/substratehq/substrate/pkg/pool"
	"github.com/substratehq/substrate/pkg/storage"
	"github.com/substratehq/substrate/pkg/types"
)

// fakeExec scripts executor behavior without spawning a subprocess. Execute
// replays the script and closes the channel, unless a manual channel is set.
type fakeExec struct {
	mu     sync.Mutex
	status types.KernelStatus
	script []types.Event
	manual chan types.Event

	interrupted bool
	stopped     bool
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		status: types.KernelStatusIdle,
		script: []types.Event{
			{Type: types.EventStream, Name: "stdout", Text: "ok"},
			{Type: types.EventStreamComplete, OutputCount: 1},
		},
	}
}

func (f *fakeExec) Start(context.Context) error { return nil }

func (f *fakeExec) Execute(_ context.Context, code string) (<-chan types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manual != nil {
		return f.manual, nil
	}
	ch := make(chan types.Event, len(f.script))
	for _, ev := range f.script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeExec) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = true
	return nil
}

func (f *fakeExec) Status() types.KernelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeExec) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.status = types.KernelStatusDead
	return nil
}

func (f *fakeExec) setStatus(s types.KernelStatus) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func testConfig() config.Kernels {
	return config.Kernels{
		AllowedTypes: []config.KernelType{
			{Mode: types.KernelModeWorker, Language: types.LanguagePython},
			{Mode: types.KernelModeWorker, Language: types.LanguageJavaScript},
		},
		MaxPerNamespace:   3,
		InactivityTimeout: time.Hour,
	}
}

// newTestManager returns a manager whose factory hands out fresh fakeExecs,
// recording each one it makes.
func newTestManager(t *testing.T, cfg config.Kernels) (*Manager, *[]*fakeExec) {
	t.Helper()
	m := NewManager(cfg, nil, activity.NewController(time.Second), nil)
	var made []*fakeExec
	var mu sync.Mutex
	m.factory = func(context.Context, types.KernelMode, types.KernelLanguage) (executor.Executor, error) {
		mu.Lock()
		defer mu.Unlock()
		f := newFakeExec()
		made = append(made, f)
		return f, nil
	}
	return m, &made
}

func TestCreateKernelDefaultsAndList(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	id, err := m.CreateKernel(context.Background(), CreateOptions{Namespace: "team-a"})
	require.NoError(t, err)
	assert.Contains(t, id, "team-a:")

	kernels := m.ListKernels("team-a")
	require.Len(t, kernels, 1)
	assert.Equal(t, id, kernels[0].ID)
	assert.Equal(t, types.KernelModeWorker, kernels[0].Mode)
	assert.Equal(t, types.LanguagePython, kernels[0].Language)

	// Other namespaces see nothing
	assert.Empty(t, m.ListKernels("team-b"))
}

func TestCreateKernelTypeNotAllowed(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.CreateKernel(context.Background(), CreateOptions{
		Namespace: "team-a",
		Mode:      types.KernelModeMain,
		Language:  types.LanguagePython,
	})
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestCreateKernelConflict(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.CreateKernel(context.Background(), CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)
	_, err = m.CreateKernel(context.Background(), CreateOptions{ID: "k1", Namespace: "team-a"})
	assert.True(t, errdefs.IsConflict(err))

	// The same local id in another namespace is fine
	_, err = m.CreateKernel(context.Background(), CreateOptions{ID: "k1", Namespace: "team-b"})
	assert.NoError(t, err)
}

func TestNamespaceCapEvictsIdle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerNamespace = 2
	m, _ := newTestManager(t, cfg)

	ctx := context.Background()
	id1, err := m.CreateKernel(ctx, CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = m.CreateKernel(ctx, CreateOptions{ID: "k2", Namespace: "team-a"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// k3 evicts k1, the least recently active
	_, err = m.CreateKernel(ctx, CreateOptions{ID: "k3", Namespace: "team-a"})
	require.NoError(t, err)

	kernels := m.ListKernels("team-a")
	require.Len(t, kernels, 2)
	for _, k := range kernels {
		assert.NotEqual(t, id1, k.ID)
	}
}

func TestNamespaceCapAllBusy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerNamespace = 1
	m, made := newTestManager(t, cfg)

	ctx := context.Background()
	_, err := m.CreateKernel(ctx, CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)
	(*made)[0].setStatus(types.KernelStatusBusy)

	_, err = m.CreateKernel(ctx, CreateOptions{ID: "k2", Namespace: "team-a"})
	assert.True(t, errdefs.IsQuotaExceeded(err))
}

func TestExecuteStreamEventOrder(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()
	_, err := m.CreateKernel(ctx, CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)

	sess, err := m.ExecuteStream(ctx, "team-a", "k1", "print('ok')")
	require.NoError(t, err)

	sub := sess.Subscribe()
	var events []types.Event
	for ev := range sub {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, types.EventStream, events[0].Type)
	assert.Equal(t, "ok", events[0].Text)
	assert.Equal(t, types.EventStreamComplete, events[1].Type)

	require.True(t, sess.Wait(nil))
	info, err := m.GetInfo("team-a", "k1")
	require.NoError(t, err)
	require.Len(t, info.History, 1)
	assert.Equal(t, "print('ok')", info.History[0].Code)
}

func TestExecuteStreamEmptyCode(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.CreateKernel(context.Background(), CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)

	_, err = m.ExecuteStream(context.Background(), "team-a", "k1", "")
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestExecuteStreamRevivesDeadKernel(t *testing.T) {
	m, made := newTestManager(t, testConfig())
	ctx := context.Background()
	_, err := m.CreateKernel(ctx, CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)
	(*made)[0].setStatus(types.KernelStatusDead)

	sess, err := m.ExecuteStream(ctx, "team-a", "k1", "print(1)")
	require.NoError(t, err)
	require.True(t, sess.Wait(nil))

	// A replacement executor was started under the same id
	assert.Len(t, *made, 2)
	k, err := m.GetKernel("team-a", "k1")
	require.NoError(t, err)
	assert.Equal(t, types.KernelStatusIdle, k.Status)
}

func TestDestroyKernelClosesSessions(t *testing.T) {
	m, made := newTestManager(t, testConfig())
	ctx := context.Background()
	_, err := m.CreateKernel(ctx, CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)

	// Keep the execution open so the session is live when the kernel dies
	manual := make(chan types.Event)
	(*made)[0].mu.Lock()
	(*made)[0].manual = manual
	(*made)[0].mu.Unlock()

	sess, err := m.ExecuteStream(ctx, "team-a", "k1", "while True: pass")
	require.NoError(t, err)
	sub := sess.Subscribe()

	require.NoError(t, m.DestroyKernel("team-a", "k1"))
	close(manual)

	_, open := <-sub
	assert.False(t, open)
	assert.True(t, (*made)[0].stopped)

	_, err = m.GetKernel("team-a", "k1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRestartWipesHistory(t *testing.T) {
	m, made := newTestManager(t, testConfig())
	ctx := context.Background()
	_, err := m.CreateKernel(ctx, CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)

	sess, err := m.ExecuteStream(ctx, "team-a", "k1", "x = 1")
	require.NoError(t, err)
	require.True(t, sess.Wait(nil))

	require.NoError(t, m.RestartKernel(ctx, "team-a", "k1"))
	assert.True(t, (*made)[0].stopped)
	assert.Len(t, *made, 2)

	info, err := m.GetInfo("team-a", "k1")
	require.NoError(t, err)
	assert.Empty(t, info.History)
}

func TestInterruptAndPing(t *testing.T) {
	m, made := newTestManager(t, testConfig())
	_, err := m.CreateKernel(context.Background(), CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)

	require.NoError(t, m.InterruptKernel("team-a", "k1"))
	assert.True(t, (*made)[0].interrupted)

	assert.NoError(t, m.PingKernel("team-a", "k1"))
	assert.True(t, errdefs.IsNotFound(m.PingKernel("team-a", "nope")))
	assert.True(t, errdefs.IsNotFound(m.PingKernel("team-b", "k1")))
}

func TestArchiveSurvivesManagerHistory(t *testing.T) {
	archive, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer archive.Close()

	m, _ := newTestManager(t, testConfig())
	m.archive = archive

	ctx := context.Background()
	_, err = m.CreateKernel(ctx, CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sess, err := m.ExecuteStream(ctx, "team-a", "k1", fmt.Sprintf("print(%d)", i))
		require.NoError(t, err)
		require.True(t, sess.Wait(nil))
	}

	// Archive writes are async with respect to Wait; poll briefly
	deadline := time.Now().Add(time.Second)
	var archived []*types.ExecutionRecord
	for time.Now().Before(deadline) {
		archived, err = archive.ListExecutions("team-a:k1")
		require.NoError(t, err)
		if len(archived) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, archived, 2)

	info, err := m.GetInfo("team-a", "k1")
	require.NoError(t, err)
	assert.Len(t, info.History, 2)

	// Destroy drops the archived history too
	require.NoError(t, m.DestroyKernel("team-a", "k1"))
	archived, err = archive.ListExecutions("team-a:k1")
	require.NoError(t, err)
	assert.Empty(t, archived)
}

func TestWarmPoolHit(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	warm := newFakeExec()
	p := pool.New(config.Pool{
		Enabled: true,
		Size:    1,
		PreloadConfigs: []config.KernelType{
			{Mode: types.KernelModeWorker, Language: types.LanguagePython},
		},
	}, func(context.Context, types.KernelMode, types.KernelLanguage) (executor.Executor, error) {
		return warm, nil
	})
	p.Preload()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && p.Size(types.KernelModeWorker, types.LanguagePython) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	m.SetPool(p)

	// Cold starts are off the table: the factory must not be called
	m.factory = func(context.Context, types.KernelMode, types.KernelLanguage) (executor.Executor, error) {
		return nil, fmt.Errorf("unexpected cold start")
	}

	_, err := m.CreateKernel(context.Background(), CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)

	k, err := m.GetKernel("team-a", "k1")
	require.NoError(t, err)
	assert.Equal(t, types.KernelStatusIdle, k.Status)
}

func TestShutdownDestroysEverything(t *testing.T) {
	m, made := newTestManager(t, testConfig())
	ctx := context.Background()
	_, err := m.CreateKernel(ctx, CreateOptions{ID: "k1", Namespace: "team-a"})
	require.NoError(t, err)
	_, err = m.CreateKernel(ctx, CreateOptions{ID: "k2", Namespace: "team-b"})
	require.NoError(t, err)

	m.Shutdown()
	assert.Empty(t, m.ListKernels("team-a"))
	assert.Empty(t, m.ListKernels("team-b"))
	for _, f := range *made {
		assert.True(t, f.stopped)
	}
}
