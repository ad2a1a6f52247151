package main

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func systemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Manage IBE systems held by the authority",
	}
	cmd.AddCommand(systemCreateCmd(), systemListCmd())
	return cmd
}

func systemCreateCmd() *cobra.Command {
	var owner, pairing, password string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Run IBE setup for a new system owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("IBEKD_SYSTEM_PASSWORD")
			}

			a, err := openAuthority(cmd.Context())
			if err != nil {
				return err
			}
			defer a.db.Close()

			system, err := a.services.Systems.CreateSystem(cmd.Context(), owner, pairing, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created system %d for %s\n", system.ID, system.Owner)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "System owner name")
	cmd.Flags().StringVar(&pairing, "pairing", "", "Pairing descriptor (defaults to crypto.default_pairing)")
	cmd.Flags().StringVar(&password, "password", "", "Password sealing the master secret (or IBEKD_SYSTEM_PASSWORD)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func systemListCmd() *cobra.Command {
	var page, size int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List systems by ID and owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAuthority(cmd.Context())
			if err != nil {
				return err
			}
			defer a.db.Close()

			systems, err := a.services.Systems.ListSystems(cmd.Context(), page, size)
			if err != nil {
				return err
			}
			total, err := a.services.Systems.TotalSystems(cmd.Context())
			if err != nil {
				return err
			}

			ids := make([]int64, 0, len(systems))
			for id := range systems {
				ids = append(ids, id)
			}
			slices.Sort(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOWNER")
			for _, id := range ids {
				fmt.Fprintf(w, "%d\t%s\n", id, systems[id])
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d systems\n", len(ids), total)
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 0, "Zero-based page")
	cmd.Flags().IntVar(&size, "size", 20, "Page size")
	return cmd
}
