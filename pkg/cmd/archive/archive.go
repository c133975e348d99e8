package archive

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mpapenbr/racetimer-go/pkg/cmd/util"
	"github.com/mpapenbr/racetimer-go/pkg/config"
	"github.com/mpapenbr/racetimer-go/pkg/ledger"
	"github.com/mpapenbr/racetimer-go/pkg/repository/archive"
)

func NewArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "commands for the race archive",
	}
	cmd.AddCommand(newListCmd(), newDeleteCmd())
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "lists archived races, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(repo archive.Repository) error {
				return list(cmd.Context(), cmd.OutOrStdout(), repo)
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "deletes an archived race",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(repo archive.Repository) error {
				n, err := repo.DeleteByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if n == 0 {
					return fmt.Errorf("%w: %s", archive.ErrNotFound, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func withRepo(fn func(repo archive.Repository) error) error {
	cfg, err := config.Build()
	if err != nil {
		return err
	}
	repo, err := util.OpenArchive(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	return fn(repo)
}

func list(ctx context.Context, w io.Writer, repo archive.Repository) error {
	races, err := repo.LoadAll(ctx)
	if err != nil {
		return err
	}
	if len(races) == 0 {
		fmt.Fprintln(w, "no archived races")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTART\tLANES\tWINNERS\tBEST\tVIDEO\tSTORED")
	for _, r := range races {
		snap := r.Snapshot()
		best := "-"
		if winners := snap.Winners(); len(winners) > 0 {
			d, _ := snap.Duration(winners[0])
			best = ledger.FormatDuration(d)
		}
		video := "-"
		if r.Recording != nil {
			video = r.Recording.VideoPath
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\t%s\t%s\n",
			r.ID,
			r.StartTime.Local().Format("2006-01-02 15:04:05"),
			r.LaneCount,
			r.Winners,
			best,
			video,
			humanize.Time(r.StoredAt))
	}
	return tw.Flush()
}
