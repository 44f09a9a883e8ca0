package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandboxws/windist/pkg/duckdb"
	"github.com/sandboxws/windist/pkg/window"
)

func NewParseCommand() *cobra.Command {
	var showSQL bool

	command := &cobra.Command{
		Use:   "parse [query]",
		Short: "Print the window options and overlap of a query",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				spec *window.Spec
				err  error
			)
			if len(args) == 1 {
				spec, err = window.Parse(args[0])
			} else {
				c, lerr := loadConfig(cmd.ErrOrStderr())
				if lerr != nil {
					return lerr
				}
				spec, err = c.WindowSpec()
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "partition_by:    %s\n", strings.Join(spec.PartitionBy, ", "))
			order := make([]string, len(spec.OrderBy))
			for i, o := range spec.OrderBy {
				order[i] = o.Column
				if o.Desc {
					order[i] += " DESC"
				}
			}
			fmt.Fprintf(out, "order_by:        %s\n", strings.Join(order, ", "))
			fmt.Fprintf(out, "frame_type:      %s\n", spec.Frame)
			fmt.Fprintf(out, "preceding_value: %d\n", spec.Preceding)
			fmt.Fprintf(out, "following_value: %d\n", spec.Following)
			fmt.Fprintf(out, "remove_overlap:  %t\n", spec.RemoveOverlap)
			o := spec.Overlap()
			fmt.Fprintf(out, "overlap:         %d preceding, %d following\n", o.Preceding, o.Following)
			if o.Reach != nil {
				fmt.Fprintln(out, "overlap_reach:   order key range")
			}
			fmt.Fprintln(out, "aggregates:")
			for i, a := range spec.Aggregates {
				arg := a.Column
				if arg == "" {
					arg = a.Expr
				}
				line := fmt.Sprintf("  %s = %s(%s)", a.OutputName(i), a.Kind, arg)
				if a.Kind == window.Lag || a.Kind == window.Lead {
					line += fmt.Sprintf(" offset %d", a.EffectiveOffset())
				}
				fmt.Fprintln(out, line)
			}
			if showSQL {
				q, err := duckdb.BuildQuery(spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "duckdb:          %s\n", q)
			}
			return nil
		},
	}
	command.Flags().BoolVar(&showSQL, "duckdb", false, "Also print the DuckDB query evaluating each batch")
	return command
}
