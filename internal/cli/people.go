package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/internal/daemon"
	"github.com/harun/lunar/pkg/people"
	"github.com/spf13/cobra"
)

var (
	personAddress  string
	personRelation string
	personNotes    string
	personAccess   []string
)

var peopleCmd = &cobra.Command{
	Use:   "people",
	Short: "Manage the directory of known people",
}

var peopleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known people",
	Args:  cobra.NoArgs,
	RunE:  runPeopleList,
}

var peopleAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a person",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPeopleAdd,
}

var peopleRemoveCmd = &cobra.Command{
	Use:   "remove <id|name>",
	Short: "Remove a person",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPeopleRemove,
}

var peopleImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import people from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeopleImport,
}

var peopleExportCmd = &cobra.Command{
	Use:   "export [file.yaml]",
	Short: "Export people as YAML (to stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPeopleExport,
}

func init() {
	peopleAddCmd.Flags().StringVar(&personAddress, "address", "", "channel address, e.g. a Telegram chat id")
	peopleAddCmd.Flags().StringVar(&personRelation, "relation", "", "relation to the owner, e.g. friend")
	peopleAddCmd.Flags().StringVar(&personNotes, "notes", "", "free form notes")
	peopleAddCmd.Flags().StringSliceVar(&personAccess, "access", nil, `who may read this person's memories (ids, or "*" for everyone; default owner only)`)

	peopleCmd.AddCommand(peopleListCmd, peopleAddCmd, peopleRemoveCmd, peopleImportCmd, peopleExportCmd)
	rootCmd.AddCommand(peopleCmd)
}

func runPeopleList(cmd *cobra.Command, args []string) error {
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		list, err := core.People.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No people")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tRELATION\tADDRESS\tMEMORY ACCESS")
		for _, p := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Relation, p.ChannelAddress, strings.Join(p.AccessList(), ","))
		}
		return w.Flush()
	})
}

func runPeopleAdd(cmd *cobra.Command, args []string) error {
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		p, err := core.People.Add(cmd.Context(), people.Person{
			Name:               strings.Join(args, " "),
			ChannelAddress:     personAddress,
			Relation:           personRelation,
			Notes:              personNotes,
			MemoryAccessibleBy: personAccess,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", p.Name, p.ID)
		return nil
	})
}

func runPeopleRemove(cmd *cobra.Command, args []string) error {
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		ctx := cmd.Context()
		id, err := resolvePersonID(ctx, core.People, strings.Join(args, " "), "")
		if err != nil {
			return err
		}
		if id == people.Owner {
			return fmt.Errorf("the owner cannot be removed")
		}
		removed, err := core.People.Delete(ctx, id)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("person %s not found", id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
		return nil
	})
}

func runPeopleImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	return withCore(func(_ *config.Config, core *daemon.Core) error {
		added, err := core.People.Import(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d people\n", len(added))
		return nil
	})
}

func runPeopleExport(cmd *cobra.Command, args []string) error {
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		if len(args) == 0 {
			return core.People.Export(cmd.Context(), cmd.OutOrStdout())
		}
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", args[0], err)
		}
		if err := core.People.Export(cmd.Context(), f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported people to %s\n", args[0])
		return nil
	})
}
