// Package hub runs the single-threaded event loop that owns all session
// state. Async producers (PTY readers, exit watchers, channel pumps, timers,
// the script watcher, control-plane handlers) never touch that state; they
// enqueue typed events and the loop processes them in arrival order. One
// tick is: block for the first event, drain the rest without blocking,
// dispatch each through the handlers and the script engine, execute the
// engine's queued requests, then flush changed screens to viewers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perchlabs/perch/internal/channel"
	"github.com/perchlabs/perch/internal/crypto"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/pty"
	"github.com/perchlabs/perch/internal/script"
)

// ErrUnknownSession is returned for operations naming a session the hub
// does not hold.
var ErrUnknownSession = errors.New("hub: unknown session")

// ErrDuplicateSession is returned when a spawn reuses a live session key.
var ErrDuplicateSession = errors.New("hub: session key already in use")

// Notifier posts out-of-band alerts (attention requests, exit reports). The
// loop never calls it inline; posts run on a helper goroutine and report
// back as NetResponse events.
type Notifier interface {
	Post(ctx context.Context, title, body string) error
}

// ExitNotifier is optionally implemented by a Notifier that also wants
// session exit reports.
type ExitNotifier interface {
	PostExit(ctx context.Context, sessionKey, command string, exitCode int) error
}

// Store persists session lifecycle records.
type Store interface {
	RecordStart(key, command string, pid int, at time.Time) error
	RecordExit(key string, code *int, at time.Time) error
}

// Config wires the loop's collaborators. Nil collaborators disable their
// feature; the loop itself has no required dependencies beyond the PTY and
// term packages.
type Config struct {
	// Runtime is the embedded orchestration engine. Nil gets an empty
	// CallbackRuntime so dispatch is always safe.
	Runtime script.Runtime

	// Queues carry the engine's requests back to the loop. Nil gets a
	// default-bounded set.
	Queues *script.Queues

	// TickInterval bounds how long the loop blocks with no events, so
	// periodic engine ticks and flushes still happen under silence.
	TickInterval time.Duration

	// CleanupEvery schedules the reap of exited, viewerless sessions.
	CleanupEvery time.Duration

	// EventBuffer sizes the event queue. Producers block when it fills,
	// which backpressures PTY readers instead of dropping output wakeups.
	EventBuffer int

	// Crypto, when set, establishes peer sessions from relay-announced
	// public keys before AddPeer.
	Crypto crypto.Service

	// ChannelFactory builds the remote channel for a new session. Nil means
	// sessions are local-only until a factory-less attach arrives.
	ChannelFactory func(sessionKey string) (*channel.Channel, error)

	Notifier Notifier
	Store    Store
}

// Loop is the hub event loop. Create with New, drive with Run, feed with
// Enqueue. All other methods are safe from any goroutine.
type Loop struct {
	cfg     Config
	runtime script.Runtime
	queues  *script.Queues

	events chan Event
	done   chan struct{}

	// loop-thread state; never touched elsewhere
	sessions map[string]*sessionHandle
	stopping bool

	runCtx context.Context
	cache  *Cache
}

// New creates a loop. The runtime is bound to the request queues here so
// engine handlers can enqueue from their first dispatch.
func New(cfg Config) *Loop {
	if cfg.Runtime == nil {
		cfg.Runtime = script.NewCallbackRuntime()
	}
	if cfg.Queues == nil {
		cfg.Queues = script.NewQueues(256)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = time.Minute
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	cfg.Runtime.Bind(cfg.Queues)
	return &Loop{
		cfg:      cfg,
		runtime:  cfg.Runtime,
		queues:   cfg.Queues,
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]*sessionHandle),
		cache:    newCache(),
	}
}

// Cache exposes the read-only session mirror.
func (l *Loop) Cache() *Cache {
	return l.cache
}

// Enqueue hands one event to the loop. Blocks while the queue is full;
// returns immediately once the loop has stopped.
func (l *Loop) Enqueue(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// After schedules a TimerFired event.
func (l *Loop) After(d time.Duration, id string) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Enqueue(TimerFired{ID: id})
	})
}

// Run processes events until ctx is canceled or a Shutdown event arrives.
// Either way every viewer gets a final flush and every session is closed
// before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.runCtx = ctx
	defer close(l.done)

	cleanup := time.NewTicker(l.cfg.CleanupEvery)
	defer cleanup.Stop()
	idle := time.NewTicker(l.cfg.TickInterval)
	defer idle.Stop()

	var batch []Event
	for {
		batch = batch[:0]

		select {
		case ev := <-l.events:
			batch = append(batch, ev)
		case <-cleanup.C:
			batch = append(batch, CleanupTick{})
		case <-idle.C:
			l.dispatch(script.Event{Kind: script.EvTick})
		case <-ctx.Done():
			l.flushAll()
			l.closeAll()
			return ctx.Err()
		}

	drained:
		for {
			select {
			case ev := <-l.events:
				batch = append(batch, ev)
			default:
				break drained
			}
		}

		for _, ev := range batch {
			l.handleIsolated(ev)
		}
		l.drainScriptRequests()
		l.flushAll()

		if l.stopping {
			l.closeAll()
			return nil
		}
	}
}

// handleIsolated runs one event handler; a panic is logged and the loop
// keeps going. One broken handler must not take the hub down.
func (l *Loop) handleIsolated(ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("event handler panicked", "event", fmt.Sprintf("%T", ev), "panic", fmt.Sprint(rec))
		}
	}()
	l.handle(ev)
}

func (l *Loop) handle(ev Event) {
	switch ev := ev.(type) {
	case PtyOutput:
		if h, ok := l.sessions[ev.SessionKey]; ok {
			h.dirty = true
			l.dispatch(script.Event{Kind: script.EvSessionOutput, SessionKey: ev.SessionKey})
		}

	case PtyNotification:
		l.dispatch(script.Event{
			Kind:       script.EvSessionNotification,
			SessionKey: ev.Note.SessionKey,
			Title:      ev.Note.Title,
			Body:       ev.Note.Body,
		})
		l.postNotification(ev.Note.SessionKey, ev.Note.Title, ev.Note.Body)

	case SessionExited:
		h, ok := l.sessions[ev.SessionKey]
		if !ok {
			return
		}
		h.exited = true
		h.exitCode = ev.Code
		h.exitedAt = time.Now()
		h.dirty = true // final screen state still goes out
		l.cache.update(ev.SessionKey, func(info *SessionInfo) {
			info.State = pty.StateExited
			info.ExitedAt = h.exitedAt
			info.ExitCode = ev.Code
		})
		if l.cfg.Store != nil {
			go func(key string, code *int, at time.Time) {
				err := l.cfg.Store.RecordExit(key, code, at)
				l.Enqueue(NetResponse{Op: "store.exit", Key: key, Err: err})
			}(ev.SessionKey, ev.Code, h.exitedAt)
		}
		if en, ok := l.cfg.Notifier.(ExitNotifier); ok && ev.Code != nil {
			key, command, code := ev.SessionKey, h.spec.Command, *ev.Code
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				err := en.PostExit(ctx, key, command, code)
				l.Enqueue(NetResponse{Op: "notify.exit", Key: key, Err: err})
			}()
		}
		l.dispatch(script.Event{Kind: script.EvSessionExit, SessionKey: ev.SessionKey, ExitCode: ev.Code})

	case ChannelMessage:
		h, ok := l.sessions[ev.SessionKey]
		if !ok {
			return
		}
		l.dispatch(script.Event{
			Kind:       script.EvPeerMessage,
			SessionKey: ev.SessionKey,
			Peer:       ev.Msg.Peer,
			Data:       ev.Msg.Data,
		})
		// Peer payloads are keyboard input for the child.
		if err := h.session.WriteInput(ev.Msg.Data); err != nil && !errors.Is(err, pty.ErrNotRunning) {
			logger.Warn("peer input dropped", "session", ev.SessionKey, "peer", ev.Msg.Peer, "err", err)
		}

	case PeerJoined:
		l.handlePeerJoined(ev)

	case PeerLeft:
		h, ok := l.sessions[ev.SessionKey]
		if !ok {
			return
		}
		id := pty.ClientID{Kind: pty.ClientBrowser, ID: ev.Peer}
		if h.channel != nil {
			h.channel.RemovePeer(ev.Peer)
		}
		h.registry.Detach(id)
		h.removeViewer(id)
		l.cache.update(ev.SessionKey, func(info *SessionInfo) { info.Viewers = h.registry.Len() })
		l.dispatch(script.Event{Kind: script.EvPeerLeft, SessionKey: ev.SessionKey, Peer: ev.Peer})

	case NetResponse:
		if ev.Err != nil {
			logger.Warn("background operation failed", "op", ev.Op, "key", ev.Key, "err", ev.Err)
		}

	case TimerFired:
		l.dispatch(script.Event{Kind: script.EvTimer, TimerID: ev.ID})

	case FileChanged:
		if err := l.runtime.Reload(); err != nil {
			logger.Error("script reload failed, previous program kept", "err", err)
		} else {
			logger.Info("script reloaded", "paths", ev.Paths)
		}
		l.dispatch(script.Event{Kind: script.EvFileChanged, Paths: ev.Paths})

	case CleanupTick:
		l.reapExited()

	case Shutdown:
		l.stopping = true

	case SpawnSession:
		err := l.spawn(ev.Key, ev.Spec)
		reply(ev.Reply, err)

	case CloseSession:
		h, ok := l.sessions[ev.Key]
		if !ok {
			reply(ev.Reply, fmt.Errorf("%w: %s", ErrUnknownSession, ev.Key))
			return
		}
		h.session.Kill()
		reply(ev.Reply, nil)

	case AttachViewer:
		h, ok := l.sessions[ev.Key]
		if !ok {
			reply(ev.Reply, fmt.Errorf("%w: %s", ErrUnknownSession, ev.Key))
			return
		}
		cols, rows := ev.Cols, ev.Rows
		if cols == 0 || rows == 0 {
			c, r := h.session.Emulator().Size()
			cols, rows = uint16(c), uint16(r)
		}
		h.registry.Attach(ev.Client, cols, rows)
		h.addViewer(ev.Client, ev.Sink)
		l.cache.update(ev.Key, func(info *SessionInfo) { info.Viewers = h.registry.Len() })
		reply(ev.Reply, nil)

	case DetachViewer:
		h, ok := l.sessions[ev.Key]
		if !ok {
			return
		}
		h.registry.Detach(ev.Client)
		h.removeViewer(ev.Client)
		l.cache.update(ev.Key, func(info *SessionInfo) { info.Viewers = h.registry.Len() })

	case ResizeViewer:
		h, ok := l.sessions[ev.Key]
		if !ok {
			return
		}
		h.registry.Resize(ev.Client, ev.Cols, ev.Rows)
		h.dirty = true
		l.cache.update(ev.Key, func(info *SessionInfo) {
			if owner, ok := h.registry.Owner(); ok {
				info.Cols, info.Rows = owner.Cols, owner.Rows
			}
		})

	case SetScrollback:
		h, ok := l.sessions[ev.Key]
		if !ok {
			return
		}
		if emu := h.session.Emulator(); emu != nil {
			emu.SetScrollbackOffset(ev.Offset)
			h.dirty = true
		}

	default:
		logger.Error("unhandled event variant", "event", fmt.Sprintf("%T", ev))
	}
}

func (l *Loop) handlePeerJoined(ev PeerJoined) {
	h, ok := l.sessions[ev.SessionKey]
	if !ok || h.channel == nil {
		return
	}
	if l.cfg.Crypto != nil && ev.PublicKey != "" {
		if err := l.cfg.Crypto.EnsureSession(ev.Peer, ev.PublicKey); err != nil {
			logger.Warn("peer key exchange failed", "session", ev.SessionKey, "peer", ev.Peer, "err", err)
			return
		}
	}
	if err := h.channel.AddPeer(ev.Peer); err != nil {
		logger.Warn("peer rejected", "session", ev.SessionKey, "peer", ev.Peer, "err", err)
		return
	}

	id := pty.ClientID{Kind: pty.ClientBrowser, ID: ev.Peer}
	cols, rows := ev.Cols, ev.Rows
	if cols == 0 || rows == 0 {
		c, r := h.session.Emulator().Size()
		cols, rows = uint16(c), uint16(r)
	}
	h.registry.Attach(id, cols, rows)
	ch, peer := h.channel, ev.Peer
	h.addViewer(id, func(data []byte) error { return ch.SendTo(data, peer) })
	l.cache.update(ev.SessionKey, func(info *SessionInfo) { info.Viewers = h.registry.Len() })
	l.dispatch(script.Event{Kind: script.EvPeerJoined, SessionKey: ev.SessionKey, Peer: ev.Peer})
}

// spawn creates and wires one session. All callbacks out of the pty package
// only enqueue.
func (l *Loop) spawn(key string, spec SessionSpec) error {
	if key == "" {
		return errors.New("hub: empty session key")
	}
	if _, exists := l.sessions[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, key)
	}

	sess := pty.NewSession(key)
	err := sess.Spawn(pty.SpawnConfig{
		Command:       spec.Command,
		Args:          spec.Args,
		WorkingDir:    spec.WorkingDir,
		Env:           spec.Env,
		Cols:          spec.Cols,
		Rows:          spec.Rows,
		ScrollbackCap: spec.ScrollbackCap,
		AuditPath:     spec.AuditPath,
		OnOutput:      func() { l.Enqueue(PtyOutput{SessionKey: key}) },
		OnExit:        func(code *int) { l.Enqueue(SessionExited{SessionKey: key, Code: code}) },
		OnNotify:      func(n pty.Notification) { l.Enqueue(PtyNotification{Note: n}) },
	})
	if err != nil {
		return err
	}

	h := &sessionHandle{
		key:       key,
		spec:      spec,
		session:   sess,
		viewers:   make(map[pty.ClientID]*viewerState),
		startedAt: time.Now(),
	}
	h.registry = pty.NewRegistry(func(cols, rows uint16) {
		if err := sess.Resize(cols, rows); err != nil && !errors.Is(err, pty.ErrNotRunning) {
			logger.Warn("owner resize failed", "session", key, "err", err)
		}
	})

	if l.cfg.ChannelFactory != nil {
		ch, err := l.cfg.ChannelFactory(key)
		if err != nil {
			sess.Close()
			return fmt.Errorf("hub: channel for %s: %w", key, err)
		}
		h.channel = ch
		go l.connectAndPump(key, ch)
	}

	l.sessions[key] = h
	l.cache.put(SessionInfo{
		Key:       key,
		Command:   spec.Command,
		State:     pty.StateRunning,
		Cols:      spec.Cols,
		Rows:      spec.Rows,
		StartedAt: h.startedAt,
	})

	if l.cfg.Store != nil {
		go func(pid int, at time.Time) {
			err := l.cfg.Store.RecordStart(key, spec.Command, pid, at)
			l.Enqueue(NetResponse{Op: "store.start", Key: key, Err: err})
		}(sess.Pid(), h.startedAt)
	}
	return nil
}

// connectAndPump dials the session channel and forwards its inbound traffic
// as events. Runs off-loop; the pump ends when the channel closes.
func (l *Loop) connectAndPump(key string, ch *channel.Channel) {
	ctx := l.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ch.Connect(ctx); err != nil {
		l.Enqueue(NetResponse{Op: "channel.connect", Key: key, Err: err})
		return
	}
	l.Enqueue(NetResponse{Op: "channel.connect", Key: key})
	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) && ctx.Err() == nil {
				l.Enqueue(NetResponse{Op: "channel.recv", Key: key, Err: err})
			}
			return
		}
		l.Enqueue(ChannelMessage{SessionKey: key, Msg: msg})
	}
}

// dispatch hands one event to the script engine. The engine's handlers run
// synchronously here on the loop thread; their effects land in the request
// queues and are executed right after the batch.
func (l *Loop) dispatch(ev script.Event) {
	l.runtime.Dispatch(ev)
}

// drainScriptRequests executes everything the engine queued during this
// tick's dispatches, in enqueue order within each queue.
func (l *Loop) drainScriptRequests() {
	ptyReqs, hubReqs, connReqs, sendReqs := l.queues.Drain()

	for _, r := range ptyReqs {
		h, ok := l.sessions[r.SessionKey]
		if !ok {
			logger.Warn("script pty request for unknown session", "session", r.SessionKey)
			continue
		}
		switch r.Op {
		case script.PTYWrite:
			if err := h.session.WriteInput(r.Data); err != nil && !errors.Is(err, pty.ErrNotRunning) {
				logger.Warn("script write failed", "session", r.SessionKey, "err", err)
			}
		case script.PTYResize:
			if err := h.session.Resize(r.Cols, r.Rows); err != nil && !errors.Is(err, pty.ErrNotRunning) {
				logger.Warn("script resize failed", "session", r.SessionKey, "err", err)
			}
		case script.PTYKill:
			h.session.Kill()
		case script.PTYScroll:
			if emu := h.session.Emulator(); emu != nil {
				emu.SetScrollbackOffset(r.Offset)
				h.dirty = true
			}
		}
	}

	for _, r := range hubReqs {
		switch r.Op {
		case script.HubSpawnSession:
			if err := l.spawn(r.SessionKey, SessionSpec{
				Command:    r.Command,
				Args:       r.Args,
				WorkingDir: r.WorkingDir,
				Cols:       r.Cols,
				Rows:       r.Rows,
			}); err != nil {
				logger.Warn("script spawn failed", "session", r.SessionKey, "err", err)
			}
		case script.HubCloseSession:
			if h, ok := l.sessions[r.SessionKey]; ok {
				h.session.Kill()
			}
		case script.HubShutdown:
			l.stopping = true
		}
	}

	for _, r := range connReqs {
		h, ok := l.sessions[r.SessionKey]
		if !ok || h.channel == nil {
			continue
		}
		switch r.Op {
		case script.ConnConnect:
			go l.connectAndPump(r.SessionKey, h.channel)
		case script.ConnDisconnect:
			h.channel.Disconnect()
		case script.ConnDropPeer:
			h.channel.RemovePeer(r.Peer)
		}
	}

	for _, r := range sendReqs {
		h, ok := l.sessions[r.SessionKey]
		if !ok || h.channel == nil {
			continue
		}
		var err error
		if r.Peer == "" {
			err = h.channel.Send(r.Data)
		} else {
			err = h.channel.SendTo(r.Data, r.Peer)
		}
		if err != nil {
			logger.Warn("script send failed", "session", r.SessionKey, "peer", r.Peer, "err", err)
		}
	}
}

func (l *Loop) flushAll() {
	for _, h := range l.sessions {
		h.flush()
	}
}

// reapExited closes and forgets sessions that have exited and lost all
// viewers. Their cache record survives so `list` still shows the exit.
func (l *Loop) reapExited() {
	for key, h := range l.sessions {
		if h.exited && h.registry.Len() == 0 && !h.dirty {
			h.close()
			delete(l.sessions, key)
			logger.Info("session reaped", "key", key)
		}
	}
}

func (l *Loop) closeAll() {
	for key, h := range l.sessions {
		h.close()
		delete(l.sessions, key)
	}
}

func (l *Loop) postNotification(key, title, body string) {
	if l.cfg.Notifier == nil {
		return
	}
	ctx := l.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		postCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err := l.cfg.Notifier.Post(postCtx, title, body)
		l.Enqueue(NetResponse{Op: "notify", Key: key, Err: err})
	}()
}

// reply sends on a possibly-nil reply channel without ever blocking.
func reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
