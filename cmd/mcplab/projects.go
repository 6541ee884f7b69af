package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/mcplab/internal/registry"
)

func openRegistry() (*registry.FileStore, error) {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	return registry.NewFileStore(cfg.GetProjectsDir(), logger)
}

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"p"},
		Short:   "Manage the project registry",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRegistry()
			if err != nil {
				return err
			}
			projects, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if projects == nil {
					projects = []*registry.Project{}
				}
				return printJSON(projects)
			}
			if len(projects) == 0 {
				fmt.Println(dimStyle.Render("No projects yet. Create one with: mcplab projects create <name>"))
				return nil
			}
			for _, p := range projects {
				fmt.Printf("%-36s  %-20s  %-9s  %s\n", p.ID, p.Name, p.Status, dimStyle.Render(p.Path))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project directory and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRegistry()
			if err != nil {
				return err
			}
			p, err := store.Create(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			fmt.Printf("%s Created %s (%s)\n", okStyle.Render("✓"), p.Name, p.ID)
			fmt.Printf("  Put your server in %s\n", p.Path)
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "Project description")

	remove := &cobra.Command{
		Use:     "delete <project-id>",
		Aliases: []string{"rm"},
		Short:   "Unregister a project and remove its directory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRegistry()
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s Deleted %s\n", okStyle.Render("✓"), args[0])
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Register directories in the projects directory that have no metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRegistry()
			if err != nil {
				return err
			}
			imported, err := store.Import(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range imported {
				fmt.Printf("%s Imported %s (%s)\n", okStyle.Render("✓"), p.Name, p.ID)
			}
			if len(imported) == 0 {
				fmt.Println(dimStyle.Render("Nothing to import"))
			}
			return nil
		},
	}

	cmd.AddCommand(list, create, remove, importCmd)
	return cmd
}
