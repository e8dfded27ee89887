package client_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/client"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/engine"
	"github.com/cascadehq/cascade/httpapi"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/store/memory"
	"github.com/cascadehq/cascade/task"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []*task.Task
}

func (d *recordingDispatcher) Submit(_ context.Context, t *task.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t)
	return nil
}

func (d *recordingDispatcher) Tracked(_ id.TaskID) bool { return true }

// replayStarter defers to the engine, which is built after the DLQ
// service it feeds.
type replayStarter struct {
	eng *engine.Engine
}

func (r *replayStarter) StartInstanceFrom(ctx context.Context, source id.InstanceID, input []byte) (id.InstanceID, error) {
	return r.eng.StartInstanceFrom(ctx, source, input)
}

func newTestClient(t *testing.T) (*client.Client, *dlq.Service) {
	t.Helper()
	s := memory.New()
	d := &recordingDispatcher{}
	starter := &replayStarter{}
	deadLetter := dlq.NewService(s, starter)
	eng := engine.New(s, s, d, engine.WithDeadLetter(deadLetter))
	starter.eng = eng

	srv := httpapi.NewServer(eng, s,
		httpapi.WithDeadLetter(deadLetter),
		httpapi.WithCrons(s),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return client.New(ts.URL), deadLetter
}

func TestDefinitionAndInstanceRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	def, err := c.RegisterDefinition(ctx, httpapi.RegisterDefinitionRequest{
		Name: "order-fulfillment",
		Steps: []definition.Step{
			{ID: "reserve", TargetService: "inventory"},
			{ID: "charge", TargetService: "payments", DependsOn: []string{"reserve"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, def.Version)

	fetched, err := c.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	require.Equal(t, def.Name, fetched.Name)

	defs, err := c.ListDefinitions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	started, err := c.StartInstance(ctx, def.ID, map[string]string{"order": "ord-1"})
	require.NoError(t, err)
	require.NotEmpty(t, started.InstanceID)

	view, err := c.GetInstance(ctx, started.InstanceID)
	require.NoError(t, err)
	require.Equal(t, "running", view.Status)
	require.Len(t, view.Steps, 2)

	require.NoError(t, c.CancelInstance(ctx, started.InstanceID, "test done"))
	err = c.CancelInstance(ctx, started.InstanceID, "")
	require.True(t, client.IsConflict(err))
}

func TestNotFoundErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetDefinition(ctx, id.NewDefinitionID())
	require.True(t, client.IsNotFound(err))

	_, err = c.GetInstance(ctx, id.NewInstanceID().String())
	require.True(t, client.IsNotFound(err))
}

func TestDLQRoundTrip(t *testing.T) {
	c, deadLetter := newTestClient(t)
	ctx := context.Background()

	// The dead task must come from a real instance: a replay starts a
	// fresh run of that instance's workflow.
	def, err := c.RegisterDefinition(ctx, httpapi.RegisterDefinitionRequest{
		Name: "billing",
		Steps: []definition.Step{
			{ID: "charge", TargetService: "payments"},
		},
	})
	require.NoError(t, err)
	started, err := c.StartInstance(ctx, def.ID, map[string]string{"order": "ord-1"})
	require.NoError(t, err)

	instID, err := id.ParseInstanceID(started.InstanceID)
	require.NoError(t, err)
	tk := task.New(instID, "charge", "payments", []byte(`{}`), 4)
	require.NoError(t, deadLetter.Push(ctx, tk, "gateway down"))

	count, err := c.CountDLQ(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	entries, err := c.ListDLQ(ctx, client.DLQFilter{TargetService: "payments"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	replayed, err := c.ReplayDLQ(ctx, entries[0].ID)
	require.NoError(t, err)
	require.Equal(t, started.InstanceID, replayed.SourceInstanceID)
	require.NotEqual(t, started.InstanceID, replayed.InstanceID)

	fresh, err := c.GetInstance(ctx, replayed.InstanceID)
	require.NoError(t, err)
	require.Equal(t, "running", fresh.Status)

	purged, err := c.PurgeDLQ(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestCronRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sched, err := c.RegisterCron(ctx, httpapi.RegisterCronRequest{
		Name:           "nightly",
		Expression:     "@every 1h",
		DefinitionName: "order-fulfillment",
	})
	require.NoError(t, err)
	require.True(t, sched.Enabled)

	disabled, err := c.DisableCron(ctx, sched.ID)
	require.NoError(t, err)
	require.False(t, disabled.Enabled)

	enabled, err := c.EnableCron(ctx, sched.ID)
	require.NoError(t, err)
	require.True(t, enabled.Enabled)

	require.NoError(t, c.DeleteCron(ctx, sched.ID))
	_, err = c.GetCron(ctx, sched.ID)
	require.True(t, client.IsNotFound(err))
}
