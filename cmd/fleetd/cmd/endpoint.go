package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtfleet/fleet"
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage virtualization endpoints",
}

var (
	epID         int64
	epName       string
	epAddress    string
	epUser       string
	epPassword   string
	epTokenName  string
	epTokenValue string
	epVerifyTLS  bool
)

var endpointAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update an endpoint",
	Long: `Add an endpoint to the inventory, or update it if the ID exists.

Authentication is either an API token (--token-name and --token-value)
or a password. The daemon picks up the change on its next cycle.

Example:
  fleetd endpoint add --id 1 --name pve1 --address 10.0.0.10 \
    --user root@pam --token-name fleet --token-value SECRET`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if epID <= 0 {
			return fmt.Errorf("--id must be a positive integer")
		}
		if epName == "" || epAddress == "" {
			return fmt.Errorf("--name and --address are required")
		}

		ep := fleet.Endpoint{
			ID:      epID,
			Name:    epName,
			Address: epAddress,
			Credentials: fleet.Credentials{
				User:       epUser,
				Password:   epPassword,
				TokenName:  epTokenName,
				TokenValue: epTokenValue,
			},
			VerifyTLS: epVerifyTLS,
		}
		if !ep.Credentials.Configured() {
			return fmt.Errorf("either --password or --token-name/--token-value is required along with --user")
		}

		return withStore(func(ctx context.Context, st fleet.Store) error {
			if err := st.SaveEndpoint(ctx, ep); err != nil {
				return err
			}
			fmt.Printf("Endpoint %d (%s) saved.\n", ep.ID, ep.Name)
			return nil
		})
	},
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st fleet.Store) error {
			eps, err := st.ListEndpoints(ctx)
			if err != nil {
				return err
			}
			if len(eps) == 0 {
				fmt.Println("No endpoints configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tONLINE\tLAST CHECK\tLAST ERROR")
			for _, ep := range eps {
				check := "-"
				if !ep.LastCheck.IsZero() {
					check = ep.LastCheck.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n",
					ep.ID, ep.Name, ep.Address, ep.IsOnline, check, ep.LastError)
			}
			return w.Flush()
		})
	},
}

var endpointRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid endpoint id %q", args[0])
		}
		return withStore(func(ctx context.Context, st fleet.Store) error {
			if err := st.DeleteEndpoint(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Endpoint %d removed.\n", id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(endpointAddCmd, endpointListCmd, endpointRemoveCmd)

	endpointAddCmd.Flags().Int64Var(&epID, "id", 0, "Endpoint ID")
	endpointAddCmd.Flags().StringVar(&epName, "name", "", "Display name")
	endpointAddCmd.Flags().StringVar(&epAddress, "address", "", "Host or host:port of the API")
	endpointAddCmd.Flags().StringVar(&epUser, "user", "", "API user (e.g. root@pam)")
	endpointAddCmd.Flags().StringVar(&epPassword, "password", "", "API password")
	endpointAddCmd.Flags().StringVar(&epTokenName, "token-name", "", "API token name")
	endpointAddCmd.Flags().StringVar(&epTokenValue, "token-value", "", "API token value")
	endpointAddCmd.Flags().BoolVar(&epVerifyTLS, "verify-tls", false, "Verify the endpoint's TLS certificate")
}

// withStore opens the configured store, runs fn, and closes it. The store
// is exclusive, so these commands cannot run while the daemon holds it.
func withStore(fn func(ctx context.Context, st fleet.Store) error) error {
	fileCfg, err := loadFileConfig()
	if err != nil {
		return err
	}
	st, err := openStore(fileCfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), st)
}
