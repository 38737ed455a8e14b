package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/control"
)

func main() {
	root := &cobra.Command{
		Use:   "perch",
		Short: "perch — terminal session hub CLI",
		Long:  "Spawns, lists, and attaches to PTY sessions managed by perchd.",
	}

	root.PersistentFlags().String("config", "", "config file")

	root.AddCommand(
		spawnCmd(),
		lsCmd(),
		killCmd(),
		attachCmd(),
		historyCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient(cmd *cobra.Command) (*control.Client, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	client, err := control.NewClient(cfg.SocketPath(), cfg.Control.Secret)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func spawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn [command [args...]]",
		Short: "Start a new session (daemon's default shell when no command given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			req := control.SpawnRequest{}
			if len(args) > 0 {
				req.Command = args[0]
				req.Args = args[1:]
			}
			req.Key, _ = cmd.Flags().GetString("key")
			req.WorkingDir, _ = cmd.Flags().GetString("dir")
			cols, _ := cmd.Flags().GetUint16("cols")
			rows, _ := cmd.Flags().GetUint16("rows")
			req.Cols, req.Rows = cols, rows

			sess, err := client.Spawn(req)
			if err != nil {
				return err
			}
			fmt.Println(sess.Key)
			return nil
		},
	}
	cmd.Flags().String("key", "", "session key (generated when empty)")
	cmd.Flags().String("dir", "", "working directory")
	cmd.Flags().Uint16("cols", 0, "initial columns")
	cmd.Flags().Uint16("rows", 0, "initial rows")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			sessions, err := client.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSTATE\tCOMMAND\tSIZE\tVIEWERS\tSTARTED")
			for _, s := range sessions {
				state := s.State
				if s.ExitCode != nil {
					state = fmt.Sprintf("%s(%d)", s.State, *s.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%d\t%s\n",
					s.Key, state, s.Command, s.Cols, s.Rows, s.Viewers, s.StartedAt)
			}
			return w.Flush()
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <key>...",
		Short: "Terminate sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			var failed []string
			for _, key := range args {
				if err := client.Kill(key); err != nil {
					fmt.Fprintf(os.Stderr, "kill %s: %v\n", key, err)
					failed = append(failed, key)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("failed to kill: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := client.History(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tCOMMAND\tPID\tSTARTED\tEXITED\tCODE")
			for _, e := range entries {
				exited, code := "-", "-"
				if e.ExitedAt != nil {
					exited = *e.ExitedAt
				}
				if e.ExitCode != nil {
					code = fmt.Sprint(*e.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					e.Key, e.Command, e.Pid, e.StartedAt, exited, code)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "max entries")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status()
			if err != nil {
				return err
			}
			fmt.Printf("running: %d\nexited: %d\nviewers: %d\n", st.Running, st.Exited, st.Viewers)
			return nil
		},
	}
}
