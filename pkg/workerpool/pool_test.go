package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func task(id int) Task {
	return Task{Payload: resource.RawResource{URL: "https://a.com/" + strconv.Itoa(id), Depth: id, Body: []byte("x")}}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(0, func(context.Context, resource.RawResource) ([]resource.RawResource, error) { return nil, nil }, testLogger())
	assert.Error(t, err)
	_, err = New(1, nil, testLogger())
	assert.Error(t, err)
}

func TestPool_RunsTasksAndReturnsChildren(t *testing.T) {
	p, err := New(3, func(_ context.Context, raw resource.RawResource) ([]resource.RawResource, error) {
		return []resource.RawResource{{URL: raw.URL + "/child"}}, nil
	}, testLogger())
	require.NoError(t, err)
	defer p.Dispose()

	children, err := p.Run(context.Background(), task(1))
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "https://a.com/1/child", children[0].URL)
	assert.EqualValues(t, 1, p.Stats().Completed)
}

func TestPool_FIFOUnderLoad(t *testing.T) {
	const workers, tasks = 2, 6
	started := make(chan int, tasks)
	release := make([]chan struct{}, tasks)
	for i := range release {
		release[i] = make(chan struct{})
	}

	p, err := New(workers, func(_ context.Context, raw resource.RawResource) ([]resource.RawResource, error) {
		started <- raw.Depth
		<-release[raw.Depth]
		return nil, nil
	}, testLogger())
	require.NoError(t, err)
	defer p.Dispose()

	outs := make([]<-chan Outcome, tasks)
	for i := 0; i < tasks; i++ {
		outs[i], err = p.Submit(task(i))
		require.NoError(t, err)
	}

	first := map[int]bool{<-started: true, <-started: true}
	assert.Equal(t, map[int]bool{0: true, 1: true}, first, "the first M tasks start immediately")

	stats := p.Stats()
	assert.Equal(t, workers, stats.Busy)
	assert.Equal(t, tasks-workers, stats.Pending)

	// Each freed worker takes the oldest pending task.
	for i := 0; i < tasks-workers; i++ {
		close(release[i])
		waitOutcome(t, outs[i])
		select {
		case got := <-started:
			assert.Equal(t, i+workers, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never started", i+workers)
		}
	}
	for i := tasks - workers; i < tasks; i++ {
		close(release[i])
		assert.NoError(t, waitOutcome(t, outs[i]).Err)
	}
	assert.Equal(t, 0, p.Stats().Pending)
}

func TestPool_PanicIsIsolated(t *testing.T) {
	p, err := New(1, func(_ context.Context, raw resource.RawResource) ([]resource.RawResource, error) {
		if raw.Depth == 1 {
			panic("parser exploded")
		}
		return nil, nil
	}, testLogger())
	require.NoError(t, err)
	defer p.Dispose()

	_, err = p.Run(context.Background(), task(1))
	require.Error(t, err)
	var fault *WorkerFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "parser exploded", fault.Value)
	assert.Equal(t, "https://a.com/1", fault.URL)
	assert.NotEmpty(t, fault.Stack)
	assert.ErrorIs(t, err, utils.ErrWorkerFault)

	_, err = p.Run(context.Background(), task(2))
	assert.NoError(t, err, "the same worker keeps serving")
	assert.EqualValues(t, 1, p.Stats().Faults)
}

func TestPool_WorkerExitIsReplaced(t *testing.T) {
	p, err := New(1, func(_ context.Context, raw resource.RawResource) ([]resource.RawResource, error) {
		if raw.Depth == 1 {
			runtime.Goexit()
		}
		return []resource.RawResource{{URL: "ok"}}, nil
	}, testLogger())
	require.NoError(t, err)
	defer p.Dispose()

	out1, err := p.Submit(task(1))
	require.NoError(t, err)
	out2, err := p.Submit(task(2))
	require.NoError(t, err)

	o1 := waitOutcome(t, out1)
	assert.ErrorIs(t, o1.Err, utils.ErrWorkerFault)
	o2 := waitOutcome(t, out2)
	require.NoError(t, o2.Err)
	assert.Len(t, o2.Children, 1)
}

func TestPool_Dispose(t *testing.T) {
	inHandler := make(chan struct{})
	handlerDone := make(chan struct{})
	p, err := New(1, func(ctx context.Context, raw resource.RawResource) ([]resource.RawResource, error) {
		close(inHandler)
		<-ctx.Done()
		close(handlerDone)
		return nil, ctx.Err()
	}, testLogger())
	require.NoError(t, err)

	inflight, err := p.Submit(task(0))
	require.NoError(t, err)
	<-inHandler
	pending, err := p.Submit(task(1))
	require.NoError(t, err)

	p.Dispose()
	assert.ErrorIs(t, waitOutcome(t, inflight).Err, utils.ErrDisposed)
	assert.ErrorIs(t, waitOutcome(t, pending).Err, utils.ErrDisposed)

	select {
	case <-handlerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}

	_, err = p.Submit(task(2))
	assert.ErrorIs(t, err, utils.ErrDisposed)
	assert.True(t, p.Disposed())
	assert.NotPanics(t, p.Dispose, "dispose is idempotent")
}

func TestPool_DisposeIdle(t *testing.T) {
	p, err := New(4, func(context.Context, resource.RawResource) ([]resource.RawResource, error) { return nil, nil }, testLogger())
	require.NoError(t, err)
	p.Dispose()
	p.Dispose()
	assert.Equal(t, Stats{Workers: 4}, p.Stats())
}

func TestPool_TransferValidation(t *testing.T) {
	p, err := New(1, func(context.Context, resource.RawResource) ([]resource.RawResource, error) { return nil, nil }, testLogger())
	require.NoError(t, err)
	defer p.Dispose()

	tk := task(0)
	tk.Transfer = []any{tk.Payload.Body, "not bytes"}
	_, err = p.Submit(tk)
	require.Error(t, err)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.Index)
	assert.Equal(t, "string", te.Type)
	assert.ErrorIs(t, err, utils.ErrNotTransferable)
}

func TestPool_TransferHandsOverBody(t *testing.T) {
	seen := make(chan []byte, 2)
	p, err := New(1, func(_ context.Context, raw resource.RawResource) ([]resource.RawResource, error) {
		seen <- raw.Body
		return nil, nil
	}, testLogger())
	require.NoError(t, err)
	defer p.Dispose()

	body := []byte("large binary payload")

	copied := Task{Payload: resource.RawResource{URL: "https://a.com/c", Body: body}}
	_, err = p.Run(context.Background(), copied)
	require.NoError(t, err)
	got := <-seen
	assert.Equal(t, body, got)
	assert.NotSame(t, &body[0], &got[0], "bodies are copied by default")

	transferred := Task{Payload: resource.RawResource{URL: "https://a.com/t", Body: body}, Transfer: []any{body}}
	_, err = p.Run(context.Background(), transferred)
	require.NoError(t, err)
	got = <-seen
	assert.Same(t, &body[0], &got[0], "transferred bodies are not copied")
}

func TestPool_PayloadLosesNonScalarMeta(t *testing.T) {
	seen := make(chan resource.Meta, 1)
	p, err := New(1, func(_ context.Context, raw resource.RawResource) ([]resource.RawResource, error) {
		seen <- raw.Meta
		return nil, nil
	}, testLogger())
	require.NoError(t, err)
	defer p.Dispose()

	tk := task(0)
	tk.Payload.Meta.ContentType = "text/html"
	tk.Payload.Meta.Headers = map[string][]string{"A": {"b"}}
	_, err = p.Run(context.Background(), tk)
	require.NoError(t, err)

	meta := <-seen
	assert.Equal(t, "text/html", meta.ContentType)
	assert.Nil(t, meta.Headers)
}

func TestPool_RunHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p, err := New(1, func(context.Context, resource.RawResource) ([]resource.RawResource, error) {
		<-block
		return nil, nil
	}, testLogger())
	require.NoError(t, err)
	defer p.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Run(ctx, task(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorsFormat(t *testing.T) {
	assert.Contains(t, (&TransferError{Index: 2, Type: "int"}).Error(), "transfer item 2 has type int")
	assert.Contains(t, (&WorkerFault{Worker: 1, TaskID: "t", URL: "u", Value: fmt.Errorf("x")}).Error(), "worker 1 task t")
}
