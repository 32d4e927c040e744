package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/animus-labs/detonator/internal/domain"
	pgstore "github.com/animus-labs/detonator/internal/repo/postgres"
)

func profileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *pgstore.Store) error {
				profiles, err := store.ListProfiles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					for i := range profiles {
						profiles[i].Password = ""
					}
					return printJSON(profiles)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Connector", "Agent port", "Trace port", "Detection"})
				for _, p := range profiles {
					kind, err := p.DetectionKind()
					detection := string(kind)
					if err != nil {
						detection = "invalid"
					}
					tw.AppendRow(table.Row{p.Name, p.Connector, p.AgentPort, p.TracePort, detection})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func profileImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <profiles.yaml>",
		Short: "Create or update profiles from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := domain.LoadProfilesFile(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				for _, p := range profiles {
					if err := s.store.UpsertProfile(ctx, p); err != nil {
						return fmt.Errorf("profile %s: %w", p.Name, err)
					}
					s.audit(ctx, "profile.import", "profile", p.Name, map[string]string{"connector": p.Connector, "source": args[0]})
					fmt.Fprintf(os.Stdout, "imported %s (%s)\n", p.Name, p.Connector)
				}
				return nil
			})
		},
	}
}

func profileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile no job references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				if err := s.store.DeleteProfile(ctx, args[0]); err != nil {
					return err
				}
				s.audit(ctx, "profile.delete", "profile", args[0], nil)
				return nil
			})
		},
	}
}
