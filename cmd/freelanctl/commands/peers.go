package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errEndpointRequired is returned when a command needing an endpoint
// argument is called without one.
var errEndpointRequired = errors.New("an endpoint argument is required")

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect and greet FSCP peers",
	}

	cmd.AddCommand(peersListCmd())
	cmd.AddCommand(peersGreetCmd())

	return cmd
}

// --- peers list ---

func peersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every peer endpoint the daemon currently drives a session for",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			peers, err := client.listPeers()
			if err != nil {
				return fmt.Errorf("list peers: %w", err)
			}

			out, err := formatPeers(peers, outputFormat)
			if err != nil {
				return fmt.Errorf("format peers: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- peers greet ---

func peersGreetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "greet <host:port>",
		Short: "Start (or restart) a handshake toward a peer endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if args[0] == "" {
				return errEndpointRequired
			}

			if err := client.greetPeer(args[0]); err != nil {
				return fmt.Errorf("greet peer: %w", err)
			}

			fmt.Printf("Greeting sent to %s.\n", args[0])

			return nil
		},
	}
}
