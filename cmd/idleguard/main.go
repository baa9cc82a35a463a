// idleguard is the command-line client for idleguardd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zach-source/idleguard/internal/client"
	"github.com/zach-source/idleguard/internal/protocol"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// daemonClient is the part of client.Client the commands use.
type daemonClient interface {
	EnsureReady(ctx context.Context) error
	Status(ctx context.Context) (protocol.Status, error)
	Attach(ctx context.Context, location string) (protocol.Status, error)
	Detach(ctx context.Context) (protocol.Status, error)
	Signal(ctx context.Context, kind string, visible bool) (protocol.AckResponse, error)
	Continue(ctx context.Context) (protocol.AckResponse, error)
	Logout(ctx context.Context) (protocol.AckResponse, error)
	Decrement(ctx context.Context) (protocol.AckResponse, error)
	Watch(ctx context.Context, fn func(protocol.Frame)) error
}

var newClient = func() (daemonClient, error) { return client.New() }

// errExit signals a non-zero exit after the command already reported.
var errExit = errors.New("exit")

const requestTimeout = 30 * time.Second

var jsonOutput bool

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintln(stderr, "idleguard:", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "idleguard",
		Short:         "Drive and inspect the idle-session guard",
		SilenceErrors: true,
		SilenceUsage:  true,
		Long: `idleguard talks to idleguardd over its unix socket.

Environment:
  IDLEGUARD_AUTOSTART=0        disable daemon autostart
  IDLEGUARD_DAEMON_PATH=PATH   daemon binary to autostart`,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newStatusCmd(stdout),
		newAttachCmd(stdout),
		newDetachCmd(stdout),
		newSignalCmd(stdout),
		newAckCmd(stdout, "continue", "Dismiss the warning and keep the session", daemonClient.Continue),
		newAckCmd(stdout, "logout", "End the session now", daemonClient.Logout),
		newAckCmd(stdout, "decrement", "Advance the countdown by one second", daemonClient.Decrement),
		newWatchCmd(stdout, stderr),
		newAuditCmd(stdout, stderr),
	)
	return root
}

// withClient connects to the daemon, starting it if allowed, and runs fn
// under a request timeout.
func withClient(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, c daemonClient) error) error {
	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c, err := newClient()
	if err != nil {
		return fmt.Errorf("client init: %w", err)
	}
	if err := c.EnsureReady(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return fn(ctx, c)
}

func newStatusCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the guard state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, requestTimeout, func(ctx context.Context, c daemonClient) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printStatus(stdout, st)
			})
		},
	}
}

func newAttachCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "attach URL",
		Short: "Arm the guard for the page at URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, requestTimeout, func(ctx context.Context, c daemonClient) error {
				st, err := c.Attach(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(stdout, st)
			})
		},
	}
}

func newDetachCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "detach",
		Short: "Disarm the guard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, requestTimeout, func(ctx context.Context, c daemonClient) error {
				st, err := c.Detach(ctx)
				if err != nil {
					return err
				}
				return printStatus(stdout, st)
			})
		},
	}
}

func newSignalCmd(stdout io.Writer) *cobra.Command {
	var visible bool
	cmd := &cobra.Command{
		Use:   "signal KIND",
		Short: "Forward an activity signal (click, keypress, focus, visibilitychange, escape, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, requestTimeout, func(ctx context.Context, c daemonClient) error {
				ack, err := c.Signal(ctx, args[0], visible)
				if err != nil {
					return err
				}
				return printAck(stdout, ack)
			})
		},
	}
	cmd.Flags().BoolVar(&visible, "visible", false, "page is visible (visibilitychange only)")
	return cmd
}

func newAckCmd(stdout io.Writer, use, short string, call func(daemonClient, context.Context) (protocol.AckResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, requestTimeout, func(ctx context.Context, c daemonClient) error {
				ack, err := call(c, ctx)
				if err != nil {
					return err
				}
				if err := printAck(stdout, ack); err != nil {
					return err
				}
				if !ack.Accepted {
					return errExit
				}
				return nil
			})
		},
	}
}

func newWatchCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream status and navigation events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, 0, func(ctx context.Context, c daemonClient) error {
				return c.Watch(ctx, func(f protocol.Frame) {
					if err := printFrame(stdout, f); err != nil {
						fmt.Fprintln(stderr, "watch:", err) //nolint:errcheck // best-effort stderr
					}
				})
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st protocol.Status) error {
	if jsonOutput {
		return printJSON(w, st)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "state:      %s\n", st.State)
	if st.Location != "" {
		fmt.Fprintf(&b, "location:   %s\n", st.Location)
	}
	if st.State == "watching" || st.State == "warning" {
		fmt.Fprintf(&b, "idle:       %ds of %ds\n", st.Activity.IdleSeconds, st.Config.InactivitySeconds)
		fmt.Fprintf(&b, "countdown:  %d (%s)\n", st.Countdown, st.Phase)
		fmt.Fprintf(&b, "action:     %s\n", st.Config.PostTimeoutAction)
	}
	if st.ShowTimeoutModal {
		fmt.Fprintf(&b, "modal:      %s\n", st.Config.Modal.Message)
	}
	if st.LastAction != nil {
		fmt.Fprintf(&b, "last:       %s %s\n", st.LastAction.Action, st.LastAction.URL)
	}
	if st.FlagStore != "" {
		fmt.Fprintf(&b, "flag store: %s\n", st.FlagStore)
	}
	if st.SettingsSource != "" {
		fmt.Fprintf(&b, "settings:   %s\n", st.SettingsSource)
	}
	fmt.Fprintf(&b, "clients:    %d\n", st.EventClients)
	_, err := io.WriteString(w, b.String())
	return err
}

func printAck(w io.Writer, ack protocol.AckResponse) error {
	if jsonOutput {
		return printJSON(w, ack)
	}
	verdict := "ok"
	if !ack.Accepted {
		verdict = "ignored"
	}
	_, err := fmt.Fprintf(w, "%s (state: %s)\n", verdict, ack.State)
	return err
}

func printFrame(w io.Writer, f protocol.Frame) error {
	if jsonOutput {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	switch {
	case f.Type == protocol.FrameNavigate && f.Navigate != nil:
		_, err := fmt.Fprintf(w, "%s navigate %s %s\n", time.Now().Format(time.TimeOnly), f.Navigate.Action, f.Navigate.URL)
		return err
	case f.Type == protocol.FrameStatus && f.Status != nil:
		st := f.Status
		line := fmt.Sprintf("%s %s", time.Now().Format(time.TimeOnly), st.State)
		if st.IsCountingDown {
			line += fmt.Sprintf(" countdown=%d", st.Countdown)
		}
		_, err := fmt.Fprintln(w, line)
		return err
	}
	return nil
}
