// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/admin"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

const defaultAdminAddress = "127.0.0.1:8181"

// addAdminFlags adds the flags shared by the commands that talk to a
// running gateway.
func addAdminFlags(cmd *cobra.Command) {
	cmd.Flags().String("admin-address", "", "Admin API address of the running gateway (defaults to admin.address from --config)")
	cmd.Flags().Bool("json", false, "Output as JSON")
}

// adminClient resolves the admin address from --admin-address, then from
// the configuration file, then the default.
func adminClient(cmd *cobra.Command) (*admin.Client, error) {
	address, _ := cmd.Flags().GetString("admin-address")
	if address == "" && viper.GetString("config") != "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		address = cfg.Admin.Address
	}
	if address == "" {
		address = defaultAdminAddress
	}
	logger.Debugf("Using admin API at %s", address)
	return admin.NewClient(address)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func printStatus(w io.Writer, st *admin.Status) error {
	fmt.Fprintf(w, "%s %s (snapshot %d, loaded %s)\n", st.Name, st.Version, st.SnapshotVersion,
		st.LoadedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Requests: %d in flight, %d queued\n", st.InFlight, st.Queued)
	if st.Cache != nil {
		fmt.Fprintf(w, "Cache (%s): %d/%d entries, %d hits, %d misses, %d evictions\n",
			st.Cache.Provider, st.Cache.Size, st.Cache.MaxSize, st.Cache.Hits, st.Cache.Misses, st.Cache.Evictions)
	}
	if len(st.Backends) == 0 {
		fmt.Fprintln(w, "No backends configured")
		return nil
	}

	headers := []string{"Backend", "Transport", "State", "Failures", "Restarts", "In Flight", "Last Error"}
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)
	for _, b := range st.Backends {
		if err := table.Append([]string{
			b.Name,
			string(b.Transport),
			string(b.State),
			strconv.Itoa(b.ConsecutiveFailures),
			strconv.Itoa(b.RestartCount),
			strconv.Itoa(b.InFlight),
			b.LastError,
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "List the client identities of a running gateway",
		Long: `List the client identities of a running gateway in the order sessions are
matched against them, with their identify_by predicates and rule counts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			clients, err := client.Clients(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list clients: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), clients)
			}
			return printClients(cmd.OutOrStdout(), clients)
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func printClients(w io.Writer, clients []admin.ClientInfo) error {
	if len(clients) == 0 {
		fmt.Fprintln(w, "No clients configured")
		return nil
	}

	headers := []string{"Client", "Identify By", "Allow", "Deny", "Deny Unlisted", "Default"}
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)
	for _, c := range clients {
		var identify []string
		for _, cond := range c.IdentifyBy {
			preds := make([]string, 0, len(cond))
			for _, key := range slices.Sorted(maps.Keys(cond)) {
				preds = append(preds, key+"="+cond[key])
			}
			identify = append(identify, strings.Join(preds, ","))
		}
		if err := table.Append([]string{
			c.Name,
			strings.Join(identify, "; "),
			strconv.Itoa(len(c.Allow)),
			strconv.Itoa(len(c.Deny)),
			strconv.FormatBool(c.DenyAllExceptAllowed),
			strconv.FormatBool(c.Default),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart BACKEND",
		Short: "Restart a backend of a running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			st, err := client.RestartBackend(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to restart %s: %w", args[0], err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backend %s is %s\n", st.Name, st.State)
			return nil
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func newInvalidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate [BACKEND]",
		Short: "Drop cached responses of one backend, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			res, err := client.InvalidateCache(cmd.Context(), name)
			if err != nil {
				return fmt.Errorf("failed to invalidate cache: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			target := "all backends"
			if res.Backend != "" {
				target = res.Backend
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached responses for %s\n", res.Removed, target)
			return nil
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func newDryRunCmd() *cobra.Command {
	var (
		clientName string
		transport  string
		headers    []string
		kind       string
	)

	cmd := &cobra.Command{
		Use:   "dry-run TARGET",
		Short: "Evaluate the access rules for a hypothetical request",
		Long: `Evaluate the access rules of a running gateway for a hypothetical client and request.

TARGET is a namespaced tool or prompt name (fs.read_file) or a namespaced
resource URI (mcp://fs/file:///etc/hosts). The decision and the rule that
produced it are printed; nothing is sent to any backend.`,
		Example: `  mcp-gateway dry-run fs.write_file --client-name "Visual Studio Code"
  mcp-gateway dry-run mcp://fs/file:///etc/hosts --kind read-resource --header X-Team=platform`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := dryRunRequest(args[0], gateway.OperationKind(kind), clientName, transport, headers)
			if err != nil {
				return err
			}
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			res, err := client.DryRun(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to evaluate request: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Client: %s", res.Client)
			if res.Default {
				fmt.Fprint(out, " (default)")
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Decision: %s (%s)\n", res.Decision.Effect, res.Decision.Reason)
			if res.Decision.Rule != nil {
				fmt.Fprintf(out, "Rule: %s\n", res.Decision.Rule)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&clientName, "client-name", "", "Client name reported in initialize")
	cmd.Flags().StringVar(&transport, "transport", string(gateway.TransportStreamableHTTP), "Client transport")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "Request header as NAME=VALUE (repeatable)")
	cmd.Flags().StringVar(&kind, "kind", "", "Operation kind (call-tool, read-resource, get-prompt); inferred from TARGET when empty")
	addAdminFlags(cmd)
	return cmd
}

// dryRunRequest builds the admin request for target. A target with the
// resource scheme is a read-resource, anything else a call-tool, unless
// kind says otherwise.
func dryRunRequest(target string, kind gateway.OperationKind, clientName, transport string, headers []string) (admin.DryRunRequest, error) {
	if kind == "" {
		kind = gateway.OperationCallTool
		if _, _, ok := gateway.SplitResourceURI(target); ok {
			kind = gateway.OperationReadResource
		}
	}

	req := admin.DryRunRequest{
		Client: admin.ClientAttributes{ClientName: clientName, Transport: transport},
		Kind:   kind,
	}
	switch kind {
	case gateway.OperationCallTool, gateway.OperationGetPrompt:
		req.Operation = target
	case gateway.OperationReadResource:
		req.ResourceURI = target
	default:
		return admin.DryRunRequest{}, fmt.Errorf("unsupported kind %q for dry-run", kind)
	}

	for _, h := range headers {
		name, value, ok := strings.Cut(h, "=")
		if !ok || name == "" {
			return admin.DryRunRequest{}, fmt.Errorf("invalid header %q, expected NAME=VALUE", h)
		}
		if req.Client.Headers == nil {
			req.Client.Headers = make(map[string]string)
		}
		req.Client.Headers[name] = value
	}
	return req, nil
}
