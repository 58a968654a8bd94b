package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	dp "github.com/unkn0wn-root/dataprovider"
	"github.com/unkn0wn-root/dataprovider/query"
)

type listFlags struct {
	sort    string
	order   string
	page    int
	perPage int
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sort, "sort", "", "field to sort by")
	cmd.Flags().StringVar(&f.order, "order", "ASC", "sort order: ASC or DESC")
	cmd.Flags().IntVar(&f.page, "page", 1, "page number, 1-based")
	cmd.Flags().IntVar(&f.perPage, "per-page", 0, "records per page (0 = all)")
}

func (f *listFlags) params() (dp.Pagination, dp.Sort, error) {
	order := dp.SortOrder(strings.ToUpper(f.order))
	if order != dp.SortAsc && order != dp.SortDesc {
		return dp.Pagination{}, dp.Sort{}, usageErrorf("invalid order %q", f.order)
	}
	if f.page < 1 || f.perPage < 0 {
		return dp.Pagination{}, dp.Sort{}, usageErrorf("invalid pagination")
	}
	return dp.Pagination{Page: f.page, PerPage: f.perPage}, dp.Sort{Field: f.sort, Order: order}, nil
}

// parseFilter turns key=value pairs into a filter. Values that parse as JSON
// keep their JSON type; anything else is a string.
func parseFilter(args []string) (dp.Filter, error) {
	if len(args) == 0 {
		return nil, nil
	}
	f := make(dp.Filter, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, usageErrorf("invalid filter %q (expected key=value)", arg)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		f[k] = parsed
	}
	return f, nil
}

// settle waits for q's first answer and turns a failed read into an error.
func settle[T any](cmd *cobra.Command, q *query.Query[T]) (T, error) {
	defer q.Close()
	s, err := q.Wait(cmd.Context())
	if err != nil {
		var zero T
		return zero, err
	}
	if s.Error != nil {
		return s.Data, s.Error
	}
	return s.Data, nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func newListCmd() *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "list <resource> [field=value...]",
		Short: "List records with optional filters",
		Long: `List fetches one page of a resource. Filters are key=value pairs ANDed
together; "q" is a full-text search and suffixes _gt, _gte, _lt, _lte and
_neq compare instead of matching.

Example:
  dpctl list posts
  dpctl list posts author_id=1 --sort published_at --order DESC --per-page 10`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			pg, s, err := lf.params()
			if err != nil {
				return err
			}
			f, err := parseFilter(args[1:])
			if err != nil {
				return err
			}
			q := a.queries.GetList(args[0], dp.GetListParams{Pagination: pg, Sort: s, Filter: f}, query.QueryOptions[*dp.ListResult]{})
			res, err := settle(cmd, q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	lf.register(cmd)
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <resource> <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			q := a.queries.GetOne(args[0], dp.GetOneParams{ID: dp.ID(args[1])}, query.QueryOptions[*dp.RecordResult]{})
			res, err := settle(cmd, q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Data)
		}),
	}
}

func newManyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "many <resource> <id>...",
		Short: "Show several records by id",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			q := a.queries.GetMany(args[0], dp.GetManyParams{IDs: dp.IDs(toAny(args[1:])...)}, query.QueryOptions[*dp.RecordsResult]{})
			res, err := settle(cmd, q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Data)
		}),
	}
}

func newRefsCmd() *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:     "refs <resource> <target> <id> [field=value...]",
		Short:   "List records whose target field references id",
		Example: "  dpctl refs comments post_id 1",
		Args:    cobra.MinimumNArgs(3),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			pg, s, err := lf.params()
			if err != nil {
				return err
			}
			f, err := parseFilter(args[3:])
			if err != nil {
				return err
			}
			params := dp.GetManyReferenceParams{
				Target:     args[1],
				ID:         dp.ID(args[2]),
				Pagination: pg,
				Sort:       s,
				Filter:     f,
			}
			res, err := settle(cmd, a.queries.GetManyReference(args[0], params, query.QueryOptions[*dp.ListResult]{}))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	lf.register(cmd)
	return cmd
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
