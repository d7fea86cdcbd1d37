package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/omutex"
)

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("OMUTEX_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "omutex")
	cmd := newRootCommand(logger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

type lockFlags struct {
	store           string
	key             string
	identity        string
	ttl             time.Duration
	refreshInterval time.Duration
	acquireTimeout  time.Duration
}

func (f *lockFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.store, "store", os.Getenv("OMUTEX_STORE"),
		"store URL (mem://, disk:///path, s3://host/bucket, aws://bucket?region=..., azure://account/container)")
	cmd.Flags().StringVar(&f.key, "key", "", "lock key within the store")
	cmd.Flags().StringVar(&f.identity, "identity", "", "holder identity (default host:pid:nonce)")
	cmd.Flags().DurationVar(&f.ttl, "ttl", omutex.DefaultTTL, "lease duration")
	cmd.Flags().DurationVar(&f.refreshInterval, "refresh-interval", 0, "lease refresh period (default ttl/8)")
	cmd.Flags().DurationVar(&f.acquireTimeout, "acquire-timeout", omutex.DefaultAcquireTimeout,
		"how long to wait for the lock; negative waits forever")
	_ = cmd.MarkFlagRequired("key")
}

func (f *lockFlags) config(logger pslog.Logger) omutex.Config {
	return omutex.Config{
		Store:           f.store,
		Key:             f.key,
		Identity:        f.identity,
		TTL:             f.ttl,
		RefreshInterval: f.refreshInterval,
		AcquireTimeout:  f.acquireTimeout,
		Logger:          logger,
	}
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "omutex",
		Short:         "Mutual exclusion backed by an object store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(logger))
	root.AddCommand(newStatusCommand(logger))
	root.AddCommand(newReleaseCommand(logger))
	return root
}

// newRunCommand holds the lock for the duration of a child command, in the
// spirit of flock(1) but across hosts.
func newRunCommand(logger pslog.Logger) *cobra.Command {
	flags := &lockFlags{}
	cmd := &cobra.Command{
		Use:   "run --key KEY -- command [args...]",
		Short: "Run a command while holding the lock",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := omutex.New(flags.config(logger))
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Synchronize(cmd.Context(), func(ctx context.Context) error {
				child := exec.CommandContext(ctx, args[0], args[1:]...)
				child.Stdin = os.Stdin
				child.Stdout = os.Stdout
				child.Stderr = os.Stderr
				if err := child.Run(); err != nil {
					return fmt.Errorf("command failed: %w", err)
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatusCommand(logger pslog.Logger) *cobra.Command {
	flags := &lockFlags{}
	cmd := &cobra.Command{
		Use:   "status --key KEY",
		Short: "Show the lock record's holder and lease expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := omutex.New(flags.config(logger))
			if err != nil {
				return err
			}
			defer m.Close()
			holder, expires, err := m.Holder(cmd.Context())
			if err != nil {
				return err
			}
			if holder == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "unlocked")
				return nil
			}
			state := "held"
			if !expires.After(time.Now()) {
				state = "expired"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s holder=%s expires=%s\n",
				state, holder, expires.Format(time.RFC3339))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// newReleaseCommand force-deletes the lock record. For operators cleaning
// up after a holder that cannot be reached; the holder's refresher will
// fail on its next interval.
func newReleaseCommand(logger pslog.Logger) *cobra.Command {
	flags := &lockFlags{}
	cmd := &cobra.Command{
		Use:   "release --key KEY",
		Short: "Force-delete the lock record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := omutex.OpenStore(flags.store)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Delete(cmd.Context(), flags.key, ""); err != nil {
				return fmt.Errorf("release %q: %w", flags.key, err)
			}
			logger.Warn("lock record force-deleted", "key", flags.key)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
