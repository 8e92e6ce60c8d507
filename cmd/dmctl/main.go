package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/dmsync/internal/api"
	"github.com/matheus3301/dmsync/internal/client"
	"github.com/matheus3301/dmsync/internal/config"
	"github.com/matheus3301/dmsync/internal/lock"
	"github.com/matheus3301/dmsync/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type globals struct {
	profile string
	json    bool
	timeout time.Duration

	name   string
	client *client.Client
}

func main() {
	g := &globals{}

	root := &cobra.Command{
		Use:           "dmctl",
		Short:         "Control a running dmsyncd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.connect()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if g.client != nil {
				_ = g.client.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&g.profile, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		statusCmd(g),
		loginCmd(g),
		logoutCmd(g),
		conversationCmd(g, "activate", "Start syncing a conversation", api.MethodActivate),
		conversationCmd(g, "deactivate", "Release a conversation", api.MethodDeactivate),
		conversationCmd(g, "wake", "Fetch a conversation now", api.MethodWake),
		conversationCmd(g, "read", "Mark a conversation read", api.MethodMarkRead),
		sendCmd(g),
		sendActionCmd(g, "retry", "Resubmit a failed send", api.MethodRetry),
		sendActionCmd(g, "discard", "Drop a failed send", api.MethodDiscard),
		summariesCmd(g),
		logCmd(g),
		watchCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", g.explain(err))
		os.Exit(1)
	}
}

func (g *globals) connect() error {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return err
	}
	g.name = profile.Resolve(g.profile, cfg)
	if err := profile.ValidateName(g.name); err != nil {
		return err
	}
	c, err := client.New(profile.SocketPath(g.name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", g.name, err)
	}
	g.client = c
	return nil
}

func (g *globals) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

// explain turns a dial failure into a hint about the daemon.
func (g *globals) explain(err error) error {
	if status.Code(err) != codes.Unavailable || g.name == "" {
		return err
	}
	if held := lock.Inspect(profile.Dir(g.name)); held != nil {
		return fmt.Errorf("daemon for profile %q (pid %d) is not answering: %w", g.name, held.PID, err)
	}
	return fmt.Errorf("no daemon running for profile %q, start dmsyncd --profile %s", g.name, g.name)
}
