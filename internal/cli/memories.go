package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/internal/daemon"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
	"github.com/spf13/cobra"
)

var (
	memoryPerson      string
	memoryListLimit   int
	memorySearchLimit int
	memoryTags        []string
)

var memoriesCmd = &cobra.Command{
	Use:     "memories",
	Aliases: []string{"memory"},
	Short:   "Manage remembered facts",
}

var memoriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent memories",
	Args:  cobra.NoArgs,
	RunE:  runMemoriesList,
}

var memoriesAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Remember a fact about a person",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemoriesAdd,
}

var memoriesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Forget a memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoriesDelete,
}

var memoriesSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a person's memories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemoriesSearch,
}

func init() {
	memoriesCmd.PersistentFlags().StringVar(&memoryPerson, "person", "", "person id or name (default: owner for add and search, everyone for list)")
	memoriesListCmd.Flags().IntVar(&memoryListLimit, "limit", 50, "maximum number of memories to show")
	memoriesSearchCmd.Flags().IntVar(&memorySearchLimit, "limit", 10, "maximum number of results")
	memoriesAddCmd.Flags().StringSliceVar(&memoryTags, "tags", nil, "comma separated tags")

	memoriesCmd.AddCommand(memoriesListCmd, memoriesAddCmd, memoriesDeleteCmd, memoriesSearchCmd)
	rootCmd.AddCommand(memoriesCmd)
}

// resolvePersonID accepts an id, a name or "owner". Empty yields fallback.
func resolvePersonID(ctx context.Context, dir *people.Directory, value, fallback string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	if value == people.Owner {
		return value, nil
	}
	if _, ok, err := dir.Get(ctx, value); err != nil {
		return "", err
	} else if ok {
		return value, nil
	}
	p, ok, err := dir.FindByName(ctx, value)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("unknown person %q", value)
	}
	return p.ID, nil
}

func runMemoriesList(cmd *cobra.Command, args []string) error {
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		ctx := cmd.Context()
		personID, err := resolvePersonID(ctx, core.People, memoryPerson, "")
		if err != nil {
			return err
		}
		list, err := core.Memory.List(ctx, personID, memoryListLimit)
		if err != nil {
			return err
		}
		printMemories(cmd.OutOrStdout(), list)
		return nil
	})
}

func runMemoriesAdd(cmd *cobra.Command, args []string) error {
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		ctx := cmd.Context()
		personID, err := resolvePersonID(ctx, core.People, memoryPerson, people.Owner)
		if err != nil {
			return err
		}
		m, err := core.Memory.Add(ctx, strings.Join(args, " "), personID, memoryTags)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Remembered %s for %s\n", m.ID, m.PersonID)
		return nil
	})
}

func runMemoriesDelete(cmd *cobra.Command, args []string) error {
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		deleted, err := core.Memory.Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("memory %s not found", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted memory %s\n", args[0])
		return nil
	})
}

func runMemoriesSearch(cmd *cobra.Command, args []string) error {
	return withCore(func(_ *config.Config, core *daemon.Core) error {
		ctx := cmd.Context()
		personID, err := resolvePersonID(ctx, core.People, memoryPerson, people.Owner)
		if err != nil {
			return err
		}
		list, err := core.Memory.Search(ctx, personID, strings.Join(args, " "), memorySearchLimit)
		if err != nil {
			return err
		}
		printMemories(cmd.OutOrStdout(), list)
		return nil
	})
}

func printMemories(out io.Writer, list []memory.Memory) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No memories")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPERSON\tCREATED\tTAGS\tCONTENT")
	for _, m := range list {
		created := time.Unix(m.CreatedAt, 0).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.PersonID, created, strings.Join(m.Tags, ","), m.Content)
	}
	_ = w.Flush()
}
