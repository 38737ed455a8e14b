package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/perchlabs/perch/internal/hub"
)

// detachByte is Ctrl+] — the telnet escape, unlikely inside a session.
const detachByte = 0x1d

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <key>",
		Short: "Attach the terminal to a session (detach with Ctrl+])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			return runAttach(client, args[0])
		},
	}
}

func runAttach(client attacher, key string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("attach requires a terminal")
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return fmt.Errorf("terminal size: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := client.Attach(ctx, key, cols, rows)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22)

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	// Window changes propagate as control messages; the daemon applies them
	// only while this viewer owns the size.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			c, r, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			msg, _ := json.Marshal(map[string]any{"type": "resize", "cols": c, "rows": r})
			conn.Write(ctx, websocket.MessageText, msg)
		}
	}()

	// Screen updates to stdout; the daemon's exit report ends the attach.
	done := make(chan error, 1)
	finalMsg := make(chan string, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				done <- nil
				return
			}
			if code, ok := hub.ParseExitNotification(data); ok {
				if code != nil {
					finalMsg <- fmt.Sprintf("session exited (code %d)", *code)
				} else {
					finalMsg <- "session exited"
				}
				done <- nil
				return
			}
			if _, err := os.Stdout.Write(data); err != nil {
				done <- err
				return
			}
		}
	}()

	// Keyboard to the session.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				done <- nil
				return
			}
			chunk := buf[:n]
			for i, b := range chunk {
				if b == detachByte {
					if i > 0 {
						conn.Write(ctx, websocket.MessageBinary, append([]byte(nil), chunk[:i]...))
					}
					done <- nil
					return
				}
			}
			if err := conn.Write(ctx, websocket.MessageBinary, append([]byte(nil), chunk...)); err != nil {
				done <- nil
				return
			}
		}
	}()

	err = <-done
	cancel()
	msg := "detached"
	select {
	case m := <-finalMsg:
		msg = m
	default:
	}
	fmt.Fprintln(os.Stderr, "\r\n"+msg)
	return err
}

// attacher is the slice of the control client attach needs; tests stub it.
type attacher interface {
	Attach(ctx context.Context, key string, cols, rows int) (*websocket.Conn, error)
}
