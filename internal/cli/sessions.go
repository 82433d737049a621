package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/pkg/client"
)

var (
	gatewayURL    string
	gatewaySecret string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions on a running gateway",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE:  runSessionsList,
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create [description]",
	Short: "Create a new session and print its operator URL",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsCreate,
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session, releasing its blocked producers",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsClose,
}

var sessionsPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause delivery of new requests",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsPause,
}

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume delivery for a paused session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsResume,
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "http://localhost:8420", "gateway base URL")
	sessionsCmd.PersistentFlags().StringVar(&gatewaySecret, "secret", "", "shared secret for the gateway")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsCloseCmd)
	sessionsCmd.AddCommand(sessionsPauseCmd)
	sessionsCmd.AddCommand(sessionsResumeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func newRPCClient() (*client.RPC, error) {
	return client.NewRPC(client.Config{
		BaseURL:      gatewayURL,
		SharedSecret: gatewaySecret,
	})
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	rpc, err := newRPCClient()
	if err != nil {
		return err
	}

	sessions, err := rpc.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tDESCRIPTION")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Status, s.CreatedAt.Format(time.RFC3339), s.Description)
	}
	return w.Flush()
}

func runSessionsCreate(cmd *cobra.Command, args []string) error {
	rpc, err := newRPCClient()
	if err != nil {
		return err
	}

	description := ""
	if len(args) > 0 {
		description = args[0]
	}

	sess, err := rpc.CreateSession(description)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	fmt.Printf("Session: %s\n", sess.ID)
	fmt.Printf("URL:     %s\n", sess.URL)
	return nil
}

func runSessionsClose(cmd *cobra.Command, args []string) error {
	rpc, err := newRPCClient()
	if err != nil {
		return err
	}
	if err := rpc.CloseSession(args[0]); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	fmt.Printf("Session %s closed\n", args[0])
	return nil
}

func runSessionsPause(cmd *cobra.Command, args []string) error {
	rpc, err := newRPCClient()
	if err != nil {
		return err
	}
	if err := rpc.PauseSession(args[0]); err != nil {
		return fmt.Errorf("failed to pause session: %w", err)
	}
	fmt.Printf("Session %s paused\n", args[0])
	return nil
}

func runSessionsResume(cmd *cobra.Command, args []string) error {
	rpc, err := newRPCClient()
	if err != nil {
		return err
	}
	if err := rpc.ResumeSession(args[0]); err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}
	fmt.Printf("Session %s resumed\n", args[0])
	return nil
}
