package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var interfacesCmd = &cobra.Command{
	Use:     "interfaces",
	Aliases: []string{"ifaces"},
	Short:   "List capturable network interfaces",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return runInterfaces(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(ctx context.Context, client Client, out io.Writer) error {
	res, err := client.InterfacesList(ctx)
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	if len(res.Interfaces) == 0 {
		fmt.Fprintln(out, "No interfaces found")
		return nil
	}
	for _, iface := range res.Interfaces {
		fmt.Fprintf(out, "%-12s %s\n", iface.Name, iface.Description)
		for _, a := range iface.Addresses {
			fmt.Fprintf(out, "%-12s   %s %s/%s\n", "", a.Family, a.Addr, a.Netmask)
		}
	}
	return nil
}
