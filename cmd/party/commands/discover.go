package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/domain"
)

const defaultDiscoverFor = 10 * time.Second

var (
	discoverMethod string
	discoverFor    time.Duration
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List sessions advertised on the local network",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), func(ctx context.Context, s *stack) error {
			return discoverSessions(ctx, s)
		})
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverMethod, "method", "", "pin one transport: primary, fallback or simulated")
	discoverCmd.Flags().DurationVar(&discoverFor, "timeout", defaultDiscoverFor, "how long to listen")
}

func discoverSessions(ctx context.Context, s *stack) error {
	opts, err := s.discoveryOptions(discoverMethod)
	if err != nil {
		return err
	}
	unsub := s.orch.Discovery.Subscribe(
		func(ds discovery.DiscoveredSession) { printSession(ds.Advertisement, string(ds.Method)) },
		func(id domain.SessionID) { fmt.Printf("%s  gone\n", id) },
	)
	defer unsub()

	if err := s.orch.DiscoverSessions(ctx, opts); err != nil {
		return err
	}
	fmt.Printf("Listening via %v for %s\n", s.orch.Discovery.ActiveMethods(), discoverFor)

	select {
	case <-ctx.Done():
	case <-time.After(discoverFor):
	}
	s.orch.StopDiscovery()
	fmt.Printf("%d session(s) found\n", len(s.orch.Discovered().Get()))
	return nil
}
