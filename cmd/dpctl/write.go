package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	dp "github.com/unkn0wn-root/dataprovider"
	"github.com/unkn0wn-root/dataprovider/mutation"
	"github.com/unkn0wn-root/dataprovider/undo"
)

func parseMode(s string) (mutation.Mode, error) {
	switch strings.ToLower(s) {
	case "pessimistic", "":
		return mutation.Pessimistic, nil
	case "optimistic":
		return mutation.Optimistic, nil
	case "undoable":
		return mutation.Undoable, nil
	}
	return 0, usageErrorf("unknown mode %q (pessimistic, optimistic or undoable)", s)
}

func parseRecord(s string) (dp.Record, error) {
	var r dp.Record
	if err := json.Unmarshal([]byte(s), &r); err != nil || r == nil {
		return nil, usageErrorf("record must be a JSON object: %q", s)
	}
	return r, nil
}

func splitIDs(s string) []dp.Identifier {
	parts := strings.Split(s, ",")
	ids := make([]dp.Identifier, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, dp.ID(p))
		}
	}
	return ids
}

func addModeFlag(cmd *cobra.Command, mode *string) {
	cmd.Flags().StringVar(mode, "mode", "pessimistic", "pessimistic, optimistic or undoable")
}

// execute submits m and waits for it to settle. While an undoable write sits
// in its window, cancelling the command context (SIGINT) undoes it.
func (a *app) execute(cmd *cobra.Command, m mutation.Mutation, mode mutation.Mode) (mutation.Result, bool, error) {
	ctx := cmd.Context()
	h, err := a.writes.Execute(ctx, m, mutation.ExecOptions{Mode: mode})
	if err != nil {
		return mutation.Result{}, false, err
	}
	if mode == mutation.Undoable {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s queued, undo until %s (Ctrl-C to undo)\n",
			m.Method, m.Resource, h.Deadline().Format(time.TimeOnly))
		select {
		case <-h.Done():
		case <-ctx.Done():
			if err := h.Cancel(); err != nil && !errors.Is(err, undo.ErrAlreadyDispatched) {
				return mutation.Result{}, false, err
			}
		}
	}
	res, err := h.Wait(context.WithoutCancel(ctx))
	if errors.Is(err, dp.ErrCancelled) {
		return res, true, nil
	}
	return res, false, err
}

func (a *app) report(cmd *cobra.Command, res mutation.Result, cancelled bool) error {
	if cancelled {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "undone")
		return err
	}
	if res.Data != nil {
		return printJSON(cmd.OutOrStdout(), res.Data)
	}
	return printJSON(cmd.OutOrStdout(), res.IDs)
}

// previous reads a record through the proxy so an optimistic patch has a
// cached read to act on and the write carries PreviousData.
func (a *app) previous(ctx context.Context, resource string, id dp.Identifier) (dp.Record, error) {
	res, err := a.proxy.GetOne(ctx, resource, dp.GetOneParams{ID: id})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func newCreateCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:     "create <resource> <json>",
		Short:   "Create a record",
		Example: `  dpctl create posts '{"title":"Hello"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			md, err := parseMode(mode)
			if err != nil {
				return err
			}
			data, err := parseRecord(args[1])
			if err != nil {
				return err
			}
			m := mutation.Mutation{Resource: args[0], Method: dp.MethodCreate, Params: dp.CreateParams{Data: data}}
			res, cancelled, err := a.execute(cmd, m, md)
			if err != nil {
				return err
			}
			return a.report(cmd, res, cancelled)
		}),
	}
	addModeFlag(cmd, &mode)
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "update <resource> <id[,id...]> <json>",
		Short: "Merge fields into one or more records",
		Long: `Update merges the JSON object into the record. With several comma
separated ids every record gets the same fields.`,
		Example: `  dpctl update posts 1 '{"title":"Edited"}' --mode optimistic`,
		Args:    cobra.ExactArgs(3),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			md, err := parseMode(mode)
			if err != nil {
				return err
			}
			ids := splitIDs(args[1])
			if len(ids) == 0 {
				return usageErrorf("no ids given")
			}
			data, err := parseRecord(args[2])
			if err != nil {
				return err
			}

			m := mutation.Mutation{Resource: args[0]}
			if len(ids) == 1 {
				prev, err := a.previous(cmd.Context(), args[0], ids[0])
				if err != nil {
					return err
				}
				m.Method = dp.MethodUpdate
				m.Params = dp.UpdateParams{ID: ids[0], Data: data, PreviousData: prev}
			} else {
				m.Method = dp.MethodUpdateMany
				m.Params = dp.UpdateManyParams{IDs: ids, Data: data}
			}
			res, cancelled, err := a.execute(cmd, m, md)
			if err != nil {
				return err
			}
			return a.report(cmd, res, cancelled)
		}),
	}
	addModeFlag(cmd, &mode)
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:     "delete <resource> <id>...",
		Short:   "Delete one or more records",
		Example: "  dpctl delete posts 3 --mode undoable --undo-window 10s",
		Args:    cobra.MinimumNArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			md, err := parseMode(mode)
			if err != nil {
				return err
			}
			ids := dp.IDs(toAny(args[1:])...)

			m := mutation.Mutation{Resource: args[0]}
			if len(ids) == 1 {
				prev, err := a.previous(cmd.Context(), args[0], ids[0])
				if err != nil {
					return err
				}
				m.Method = dp.MethodDelete
				m.Params = dp.DeleteParams{ID: ids[0], PreviousData: prev}
			} else {
				m.Method = dp.MethodDeleteMany
				m.Params = dp.DeleteManyParams{IDs: ids}
			}
			res, cancelled, err := a.execute(cmd, m, md)
			if err != nil {
				return err
			}
			return a.report(cmd, res, cancelled)
		}),
	}
	addModeFlag(cmd, &mode)
	return cmd
}
