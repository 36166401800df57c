package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/checkpoint"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newCheckpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect checkpoints of aborted imports",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listCheckpoints(cmd, limit)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of checkpoints")

	show := &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Print one checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showCheckpoint(cmd, args[0])
		},
	}

	del := &cobra.Command{
		Use:   "delete <checkpoint-id>",
		Short: "Delete a checkpoint once its import was resumed or abandoned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.deleteCheckpoint(cmd, args[0])
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func (a *app) listCheckpoints(cmd *cobra.Command, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be > 0")
	}

	d, err := openDeps(cmd.Context(), a.cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	cps, err := d.checkpoints.List(cmd.Context(), limit)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Subject", "Name", "Reason", "State", "Remaining", "Created"})
	for _, cp := range cps {
		t.AppendRow(table.Row{
			cp.ID,
			cp.SubjectID,
			cp.DisplayName,
			cp.Reason,
			cp.State,
			progress(cp),
			cp.CreatedAt.Local().Format(time.DateTime),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", fmt.Sprintf("%d shown", len(cps))})
	t.Render()
	return nil
}

// progress renders "remaining/total", or just remaining before listing finished.
func progress(cp *checkpoint.Checkpoint) string {
	if cp.TotalItems == nil {
		return fmt.Sprintf("%d/?", len(cp.RemainingItems))
	}
	return fmt.Sprintf("%d/%d", len(cp.RemainingItems), *cp.TotalItems)
}

func (a *app) showCheckpoint(cmd *cobra.Command, id string) error {
	d, err := openDeps(cmd.Context(), a.cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	cp, err := d.checkpoints.Get(cmd.Context(), id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("checkpoint %s not found", id)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cp)
}

func (a *app) deleteCheckpoint(cmd *cobra.Command, id string) error {
	d, err := openDeps(cmd.Context(), a.cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	err = d.checkpoints.Delete(cmd.Context(), id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("checkpoint %s not found", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted checkpoint %s\n", id)
	return nil
}
