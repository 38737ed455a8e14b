package control

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/perchlabs/perch/internal/hub"
)

// startDaemon brings up a hub loop plus control server on a fresh socket.
func startDaemon(t *testing.T, secret string) (*Client, string) {
	t.Helper()

	// Unix socket paths have a hard length cap; keep them short.
	dir, err := os.MkdirTemp("/tmp", "perch-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "perchd.sock")

	loop := hub.New(hub.Config{
		TickInterval: 10 * time.Millisecond,
		CleanupEvery: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	srv := NewServer(Config{
		Loop:       loop,
		SocketPath: sock,
		Secret:     secret,
		DefaultSpec: hub.SessionSpec{
			Command: "/bin/sh",
			Cols:    80,
			Rows:    24,
		},
	})
	go srv.ListenAndServe(ctx)

	// Wait for the socket to appear.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client, err := NewClient(sock, secret)
	if err != nil {
		t.Fatal(err)
	}
	return client, sock
}

func TestSpawnListKill(t *testing.T) {
	client, _ := startDaemon(t, "")

	sess, err := client.Spawn(SpawnRequest{Key: "shell", Command: "/bin/cat"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sess.Key != "shell" || sess.State != "running" {
		t.Errorf("spawned = %+v", sess)
	}

	list, err := client.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Key != "shell" {
		t.Errorf("list = %+v", list)
	}

	if err := client.Kill("shell"); err != nil {
		t.Fatalf("kill: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := client.Get("shell")
		if err != nil {
			t.Fatal(err)
		}
		if sess.State == "exited" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never exited after kill")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDefaultSpecAndGeneratedKey(t *testing.T) {
	client, _ := startDaemon(t, "")

	// No command: the configured default shell is used, key is generated.
	sess, err := client.Spawn(SpawnRequest{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sess.Key == "" {
		t.Error("no key generated")
	}
	if sess.Command != "/bin/sh" {
		t.Errorf("command = %q, want default shell", sess.Command)
	}
	client.Kill(sess.Key)
}

func TestKillUnknownSession(t *testing.T) {
	client, _ := startDaemon(t, "")
	err := client.Kill("ghost")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("kill unknown = %v, want HTTP 404", err)
	}
}

func TestDuplicateSpawnConflicts(t *testing.T) {
	client, _ := startDaemon(t, "")
	if _, err := client.Spawn(SpawnRequest{Key: "dup", Command: "/bin/cat"}); err != nil {
		t.Fatal(err)
	}
	_, err := client.Spawn(SpawnRequest{Key: "dup", Command: "/bin/cat"})
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("duplicate spawn = %v, want HTTP 409", err)
	}
	client.Kill("dup")
}

func TestAuthRejectsUnsignedRequests(t *testing.T) {
	_, sock := startDaemon(t, "s3cret")

	// A client with no token is refused.
	bare, err := NewClient(sock, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bare.List(); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("unauthenticated list = %v, want HTTP 401", err)
	}

	// The wrong secret is refused too.
	wrong, err := NewClient(sock, "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wrong.List(); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("wrong-secret list = %v, want HTTP 401", err)
	}

	// The right secret works.
	good, err := NewClient(sock, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := good.List(); err != nil {
		t.Errorf("authenticated list: %v", err)
	}
}

func TestStatusCounts(t *testing.T) {
	client, _ := startDaemon(t, "")
	if _, err := client.Spawn(SpawnRequest{Key: "a", Command: "/bin/cat"}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Spawn(SpawnRequest{Key: "b", Command: "/bin/cat"}); err != nil {
		t.Fatal(err)
	}

	st, err := client.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.Running != 2 {
		t.Errorf("running = %d, want 2", st.Running)
	}
	client.Kill("a")
	client.Kill("b")
}

func TestAttachBridgesViewer(t *testing.T) {
	client, _ := startDaemon(t, "")

	if _, err := client.Spawn(SpawnRequest{Key: "tty", Command: "/bin/cat"}); err != nil {
		t.Fatal(err)
	}
	defer client.Kill("tty")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := client.Attach(ctx, "tty", 80, 24)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	// Keyboard input goes in as a binary frame; cat echoes, and the screen
	// render comes back over the same socket.
	if err := conn.Write(ctx, websocket.MessageBinary, []byte("polo\r")); err != nil {
		t.Fatal(err)
	}

	var seen []byte
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (saw %d bytes)", err, len(seen))
		}
		seen = append(seen, data...)
		if bytes.Contains(seen, []byte("polo")) {
			return
		}
	}
}

func TestAttachDeliversExitReportAndCloses(t *testing.T) {
	client, _ := startDaemon(t, "")

	if _, err := client.Spawn(SpawnRequest{Key: "mortal", Command: "/bin/cat"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := client.Attach(ctx, "mortal", 80, 24)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	if err := client.Kill("mortal"); err != nil {
		t.Fatalf("kill: %v", err)
	}

	// The exit report arrives as its own frame, then the server closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("socket closed before the exit report: %v", err)
		}
		if code, ok := hub.ParseExitNotification(data); ok {
			if code == nil {
				t.Error("exit report carried no code")
			}
			break
		}
	}
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("socket stayed open after the exit report")
	}
}

func TestAttachUnknownSessionRefused(t *testing.T) {
	client, _ := startDaemon(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Attach(ctx, "ghost", 80, 24)
	if err == nil {
		// The server may accept the upgrade before refusing; the close
		// must then arrive immediately.
		_, _, rerr := conn.Read(ctx)
		conn.Close(websocket.StatusNormalClosure, "")
		if rerr == nil {
			t.Error("attach to unknown session delivered data")
		}
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	client, _ := startDaemon(t, "")
	_, err := client.History(5)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("history without store = %v, want HTTP 404", err)
	}
}
