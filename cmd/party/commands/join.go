package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/Party/internal/app/orch"
	"github.com/dkeye/Party/internal/client"
	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/domain"
)

var (
	joinCode   string
	joinAddr   string
	joinMethod string
	joinWait   time.Duration
)

var errJoinTarget = errors.New("join needs a session id, or --addr with --code")

var joinCmd = &cobra.Command{
	Use:   "join [session-id]",
	Short: "Join a session and stay in it until interrupted",
	Long: `Join a discovered session by id, or dial a host directly with --addr and
either a session id or the code the host shows (--code ABC-234).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id domain.SessionID
		if len(args) == 1 {
			id = domain.SessionID(args[0])
		}
		if id == "" && (joinAddr == "" || joinCode == "") {
			return errJoinTarget
		}
		return run(cmd.Context(), func(ctx context.Context, s *stack) error {
			return joinSession(ctx, s, id)
		})
	},
}

func init() {
	joinCmd.Flags().StringVar(&joinCode, "code", "", "session code shown by the host")
	joinCmd.Flags().StringVar(&joinAddr, "addr", "", "host address as ip:port, skips discovery")
	joinCmd.Flags().StringVar(&joinMethod, "method", "", "pin one discovery transport")
	joinCmd.Flags().DurationVar(&joinWait, "wait", defaultDiscoverFor, "how long to look for the session")
}

func joinSession(ctx context.Context, s *stack, id domain.SessionID) error {
	if joinAddr != "" {
		if err := s.orch.JoinAddress(ctx, joinAddr, id, joinCode); err != nil {
			return err
		}
	} else {
		if err := awaitDiscovered(ctx, s, id); err != nil {
			return err
		}
		if err := s.orch.JoinSession(ctx, id); err != nil {
			return err
		}
	}

	ended := make(chan string, 1)
	unsubSession := s.orch.Session().Subscribe(func(si *orch.SessionInfo) {
		if si == nil {
			return
		}
		switch si.State {
		case string(client.StateDisconnected), string(client.StateFailed):
			select {
			case ended <- si.State + " " + si.Reason:
			default:
			}
		}
	})
	defer unsubSession()

	info := s.orch.Session().Get()
	if info != nil {
		fmt.Printf("Joined %q hosted by %s\n", info.Name, info.HostName)
	}
	unsubMembers := s.orch.Members().Subscribe(func(ms []domain.Member) {
		if len(ms) > 0 {
			fmt.Printf("%d members: %s\n", len(ms), memberNames(ms))
		}
	})
	defer unsubMembers()
	unsubQuality := s.orch.Quality().Subscribe(func(q orch.NetworkQuality) {
		if q != orch.QualityUnknown {
			fmt.Printf("network: %s\n", q)
		}
	})
	defer unsubQuality()

	select {
	case <-ctx.Done():
		_ = s.orch.LeaveSession()
		fmt.Println("Left session")
		return nil
	case why := <-ended:
		return fmt.Errorf("session ended: %s", why)
	}
}

// awaitDiscovered runs discovery until id shows up or joinWait passes.
func awaitDiscovered(ctx context.Context, s *stack, id domain.SessionID) error {
	opts, err := s.discoveryOptions(joinMethod)
	if err != nil {
		return err
	}
	found := make(chan struct{}, 1)
	unsub := s.orch.Discovery.Subscribe(func(ds discovery.DiscoveredSession) {
		if ds.Advertisement.SessionID == id {
			select {
			case found <- struct{}{}:
			default:
			}
		}
	}, nil)
	defer unsub()

	if err := s.orch.DiscoverSessions(ctx, opts); err != nil {
		return err
	}
	defer s.orch.StopDiscovery()

	if _, ok := s.orch.Discovery.Get(id); ok {
		return nil
	}
	select {
	case <-found:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(joinWait):
		return fmt.Errorf("%w: %s not seen within %s", orch.ErrUnknownSession, id, joinWait)
	}
}
