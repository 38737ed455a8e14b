package script

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestQueueBoundAndDrainOrder(t *testing.T) {
	q := NewQueues(3)
	for i := 0; i < 3; i++ {
		if err := q.EnqueuePTY(PTYRequest{SessionKey: "s", Op: PTYWrite, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.EnqueuePTY(PTYRequest{SessionKey: "s"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("overflow enqueue = %v, want ErrQueueFull", err)
	}

	pty, hub, conn, send := q.Drain()
	if len(hub)+len(conn)+len(send) != 0 {
		t.Error("untouched queues not empty")
	}
	if len(pty) != 3 {
		t.Fatalf("drained %d pty requests, want 3", len(pty))
	}
	for i, r := range pty {
		if r.Data[0] != byte(i) {
			t.Errorf("request %d out of order: %v", i, r.Data)
		}
	}

	// Drain resets the bound.
	if err := q.EnqueuePTY(PTYRequest{SessionKey: "s"}); err != nil {
		t.Errorf("enqueue after drain: %v", err)
	}
}

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	rt := NewCallbackRuntime()
	rt.Bind(NewQueues(8))

	var order []int
	rt.On(EvSessionOutput, func(ev Event, q *Queues) { order = append(order, 1) })
	rt.On(EvSessionOutput, func(ev Event, q *Queues) { order = append(order, 2) })
	rt.On(EvSessionExit, func(ev Event, q *Queues) { order = append(order, 99) })

	rt.Dispatch(Event{Kind: EvSessionOutput, SessionKey: "s"})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("handler order = %v", order)
	}
}

func TestDispatchIsolatesPanics(t *testing.T) {
	rt := NewCallbackRuntime()
	rt.Bind(NewQueues(8))

	ran := false
	rt.On(EvTick, func(ev Event, q *Queues) { panic("boom") })
	rt.On(EvTick, func(ev Event, q *Queues) { ran = true })

	rt.Dispatch(Event{Kind: EvTick}) // must not unwind
	if !ran {
		t.Error("handler after panicking one did not run")
	}
}

func TestHandlerEnqueuesEffects(t *testing.T) {
	q := NewQueues(8)
	rt := NewCallbackRuntime()
	rt.Bind(q)

	rt.On(EvPeerMessage, func(ev Event, q *Queues) {
		q.EnqueuePTY(PTYRequest{SessionKey: ev.SessionKey, Op: PTYWrite, Data: ev.Data})
		q.EnqueueSend(SendRequest{SessionKey: ev.SessionKey, Peer: ev.Peer, Data: []byte("ack")})
	})

	rt.Dispatch(Event{Kind: EvPeerMessage, SessionKey: "s", Peer: "viewer", Data: []byte("ls\n")})

	pty, _, _, send := q.Drain()
	if len(pty) != 1 || string(pty[0].Data) != "ls\n" {
		t.Errorf("pty queue = %+v", pty)
	}
	if len(send) != 1 || send[0].Peer != "viewer" {
		t.Errorf("send queue = %+v", send)
	}
}

func TestReloadHook(t *testing.T) {
	rt := NewCallbackRuntime()
	if err := rt.Reload(); err != nil {
		t.Errorf("reload without hook: %v", err)
	}
	wantErr := errors.New("parse failed")
	rt.OnReload(func() error { return wantErr })
	if err := rt.Reload(); !errors.Is(err, wantErr) {
		t.Errorf("reload = %v, want %v", err, wantErr)
	}
}

func TestWatcherCoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrate.lua")
	if err := os.WriteFile(path, []byte("-- v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan []string, 4)
	w, err := NewWatcher([]string{dir}, 50*time.Millisecond, func(paths []string) {
		changes <- paths
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// A save burst: several writes in quick succession.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("-- v2"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case paths := <-changes:
		if len(paths) == 0 {
			t.Error("change notification with no paths")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	// The burst collapsed: no second notification arrives promptly.
	select {
	case extra := <-changes:
		t.Errorf("burst produced extra notification: %v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
