package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dkeye/Party/internal/domain"
)

var (
	hostName string
	hostMax  int
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Create a session and host it until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), func(ctx context.Context, s *stack) error {
			return hostSession(ctx, s)
		})
	},
}

func init() {
	hostCmd.Flags().StringVar(&hostName, "name", "", "session name (default: \"<device>'s party\")")
	hostCmd.Flags().IntVar(&hostMax, "max", 0, "maximum guests, the host not counted (default: max_members)")
}

func hostSession(ctx context.Context, s *stack) error {
	maxMembers := hostMax
	if maxMembers <= 0 {
		maxMembers = s.cfg.MaxMembers
	}
	sess, err := s.orch.CreateSession(hostName, maxMembers)
	if err != nil {
		return err
	}
	if err := s.orch.StartHosting(ctx); err != nil {
		return err
	}

	adv, _ := s.orch.Host.Advertisement()
	endpoint, _ := adv.Endpoint()
	fmt.Printf("Hosting %q\n", sess.Name)
	fmt.Printf("  Session: %s\n", sess.SessionID)
	fmt.Printf("  Code:    %s\n", domain.FormatCode(sess.Code))
	fmt.Printf("  Address: %s\n", endpoint)

	unsub := s.orch.Members().Subscribe(func(ms []domain.Member) {
		if ms == nil {
			return
		}
		fmt.Printf("%d/%d guests: %s\n", len(ms)-1, sess.MaxMembers, memberNames(ms))
	})
	defer unsub()

	<-ctx.Done()
	s.orch.StopHosting()
	fmt.Println("Session closed")
	return nil
}

func memberNames(ms []domain.Member) string {
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		if m.Role == domain.RoleHost {
			names = append(names, m.Name+" (host)")
			continue
		}
		names = append(names, m.Name)
	}
	return strings.Join(names, ", ")
}

func printSession(adv domain.SessionAdvertisement, method string) {
	fmt.Printf("%s  %-24s %d/%d  host=%s  via %s\n",
		adv.SessionID, adv.SessionName, adv.MemberCount, adv.MaxMembers, adv.HostName, method)
}
