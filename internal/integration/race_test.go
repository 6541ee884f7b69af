package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcplab/internal/debug"
	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/logs"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/internal/registry"
	"github.com/standardbeagle/mcplab/internal/state"
	"github.com/standardbeagle/mcplab/internal/testutil"
	"github.com/standardbeagle/mcplab/pkg/events"
	"github.com/standardbeagle/mcplab/pkg/ports"
)

func TestMain(m *testing.M) {
	testutil.RunStubIfRequested()
	os.Exit(m.Run())
}

// TestSystemWideRaceConditions hammers the shared components from many
// goroutines; run with -race.
func TestSystemWideRaceConditions(t *testing.T) {
	t.Run("EventBusWorkerPoolStress", func(t *testing.T) {
		eb := events.NewEventBus()
		defer eb.Shutdown()

		const numPublishers = 50
		const eventsPerPublisher = 200

		var handlerExecutions int64
		eb.Subscribe(events.LogLine, func(event events.Event) {
			atomic.AddInt64(&handlerExecutions, 1)
		})
		eb.Subscribe(events.DeployStarted, func(event events.Event) {
			atomic.AddInt64(&handlerExecutions, 1)
		})

		var wg sync.WaitGroup
		for i := 0; i < numPublishers; i++ {
			wg.Add(1)
			go func(publisherID int) {
				defer wg.Done()
				for j := 0; j < eventsPerPublisher; j++ {
					eventType := events.LogLine
					if j%2 == 0 {
						eventType = events.DeployStarted
					}
					eb.Publish(events.Event{
						Type:      eventType,
						ProjectID: fmt.Sprintf("stress-%d", publisherID),
						Data:      map[string]interface{}{"sequence": j},
					})
				}
			}(i)
		}
		wg.Wait()

		testutil.RequireEventually(t, 5*time.Second, func() bool {
			return atomic.LoadInt64(&handlerExecutions) == numPublishers*eventsPerPublisher
		}, "every event reaches exactly one handler")
	})

	t.Run("PortAllocatorConcurrentAllocate", func(t *testing.T) {
		alloc, err := ports.NewAllocator(ports.DefaultStartPort, ports.DefaultEndPort)
		require.NoError(t, err)

		const workers = 20
		const perWorker = 5

		var mu sync.Mutex
		seen := make(map[int]int)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					port, err := alloc.Allocate()
					if err != nil {
						continue
					}
					mu.Lock()
					seen[port]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		for port, n := range seen {
			assert.Equal(t, 1, n, "port %d handed out twice", port)
			alloc.Free(port)
		}
		assert.Empty(t, alloc.Allocated())
	})

	t.Run("LogStoreConcurrentWritersAndReaders", func(t *testing.T) {
		eb := events.NewEventBus()
		defer eb.Shutdown()
		store := logs.NewStore(100)
		defer store.Attach(eb)()

		const projects = 8
		const linesPerProject = 300

		var wg sync.WaitGroup
		for p := 0; p < projects; p++ {
			id := fmt.Sprintf("proj-%d", p)
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 0; i < linesPerProject; i++ {
					eb.Publish(events.Event{
						Type:      events.LogLine,
						ProjectID: id,
						Data:      map[string]interface{}{"line": fmt.Sprintf("line %d", i), "isError": i%10 == 0},
					})
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					_ = store.Search(id, logs.LevelInfo, nil)
					_ = store.Errors(id)
				}
			}()
		}
		wg.Wait()

		testutil.RequireEventually(t, 5*time.Second, func() bool {
			for p := 0; p < projects; p++ {
				if len(store.Recent(fmt.Sprintf("proj-%d", p), 0)) != 100 {
					return false
				}
			}
			return true
		}, "each project ring fills to its cap")
	})

	t.Run("ProjectLockSerializesWork", func(t *testing.T) {
		alloc, err := ports.NewAllocator(ports.DefaultStartPort, ports.DefaultEndPort)
		require.NoError(t, err)
		st := state.New(alloc)

		counters := make([]int, 4)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				idx := i % len(counters)
				unlock := st.Lock(fmt.Sprintf("p%d", idx))
				defer unlock()
				v := counters[idx]
				time.Sleep(100 * time.Microsecond)
				counters[idx] = v + 1
			}(i)
		}
		wg.Wait()

		for _, n := range counters {
			assert.Equal(t, 25, n)
		}
	})

	t.Run("ConcurrentDeploysOfOneProject", func(t *testing.T) {
		f := newStack(t)
		p := f.project(t, "svc")

		const deployers = 5
		var wg sync.WaitGroup
		var succeeded int64
		for i := 0; i < deployers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.deploy.Deploy(context.Background(), p.ID, deploy.Config{}); err == nil {
					atomic.AddInt64(&succeeded, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(deployers), succeeded)
		statuses := f.deploy.Statuses()
		require.Len(t, statuses, 1)
		assert.Equal(t, []int{statuses[0].Port}, f.state.Ports().Allocated())
	})

	t.Run("DebugSessionsAcrossProjects", func(t *testing.T) {
		f := newStack(t)
		const n = 4
		ids := make([]string, n)
		for i := range ids {
			ids[i] = f.project(t, fmt.Sprintf("dbg-%d", i)).ID
		}

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ctx := context.Background()
				_, err := f.debug.Start(ctx, id)
				assert.NoError(t, err)
				res := f.debug.Execute(ctx, id, "add", map[string]any{"a": 2, "b": 3})
				assert.True(t, res.Success, "%+v", res)
				assert.NoError(t, f.debug.Stop(ctx, id))
			}(id)
		}
		wg.Wait()

		assert.Empty(t, f.state.Sessions())
	})

	t.Run("StatusUpdatesAcrossManagers", func(t *testing.T) {
		files, err := registry.NewFileStore(t.TempDir(), nil)
		require.NoError(t, err)
		slow := &slowStore{FileStore: files, delay: 50 * time.Millisecond}
		f := newStackWith(t, slow)
		p := f.project(t, "shared")
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.debug.Start(ctx, p.ID)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			time.Sleep(60 * time.Millisecond)
			assert.NoError(t, f.deploy.Stop(ctx, p.ID))
		}()
		wg.Wait()

		_, inSession := f.state.Session(p.ID)
		got, err := files.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, inSession)
		assert.True(t, got.DebugSessionActive, "debug flag lost to the deploy update")
		assert.False(t, got.DeploymentActive)
	})
}

// slowStore widens the window between reading and writing a project.
type slowStore struct {
	*registry.FileStore
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, id string) (*registry.Project, error) {
	p, err := s.FileStore.Get(ctx, id)
	time.Sleep(s.delay)
	return p, err
}

func (s *slowStore) Update(ctx context.Context, id string, fn func(*registry.Project) error) (*registry.Project, error) {
	return s.FileStore.Update(ctx, id, func(p *registry.Project) error {
		time.Sleep(s.delay)
		return fn(p)
	})
}

type stack struct {
	projects registry.Registry
	state    *state.Store
	debug    *debug.Manager
	deploy   *deploy.Manager
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackWith(t, registry.NewMemoryStore(t.TempDir()))
}

func newStackWith(t *testing.T, projects registry.Registry) *stack {
	t.Helper()
	alloc, err := ports.NewAllocator(ports.DefaultStartPort, ports.DefaultEndPort)
	require.NoError(t, err)
	st := state.New(alloc)
	bus := events.NewEventBus()
	t.Cleanup(bus.Shutdown)

	sup := process.NewSupervisor(nil,
		process.WithStartupGrace(300*time.Millisecond),
		process.WithStopGrace(2*time.Second),
		process.WithEventBus(bus))
	echoExe, echoEnv := testutil.StubCommand(t, testutil.StubEcho)
	httpExe, httpEnv := testutil.StubCommand(t, testutil.StubHTTP)

	f := &stack{projects: projects, state: st}
	f.debug = debug.NewManager(st, projects, sup, debug.Options{
		Command: func(string, string) (string, []string, map[string]string) {
			return echoExe, nil, echoEnv
		},
		CallTimeout:  2 * time.Second,
		StartupGrace: 200 * time.Millisecond,
		StopGrace:    time.Second,
	}, nil, debug.WithEventBus(bus))
	f.deploy = deploy.NewManager(st, projects, sup, deploy.Options{
		Command: func(string, string) (string, []string, map[string]string) {
			return httpExe, nil, httpEnv
		},
		StartupGrace: 300 * time.Millisecond,
		StopGrace:    2 * time.Second,
		RestartPause: 50 * time.Millisecond,
	}, bus, nil)
	t.Cleanup(func() { _ = f.deploy.StopAll(context.Background()) })
	return f
}

func (f *stack) project(t *testing.T, name string) *registry.Project {
	t.Helper()
	p, err := f.projects.Create(context.Background(), name, "")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(p.Path, 0755))
	src := "from mcp.server import Server\n\nserver = Server(\"x\")\n\nif __name__ == \"__main__\":\n    main()\n"
	require.NoError(t, os.WriteFile(filepath.Join(p.Path, "server.py"), []byte(src), 0644))
	return p
}
