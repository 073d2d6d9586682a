package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/inference"
)

func (c *CLI) rulesCommand() *cobra.Command {
	var cypher bool
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and list inference rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, err := inference.LoadRules(c.cfg.Inference.RulesFile)
			if err != nil {
				return err
			}
			selected, err := inference.Select(all, c.cfg.Inference.Rules)
			if err != nil {
				return err
			}
			active := make(map[string]bool, len(selected))
			for _, r := range selected {
				active[r.Name] = true
			}

			out := cmd.OutOrStdout()
			if cypher {
				for i := range selected {
					rule := &selected[i]
					limit := c.cfg.Inference.RuleLimit
					if rule.Limit > 0 {
						limit = rule.Limit
					}
					fmt.Fprintf(out, "// %s\n%s\n\n", rule.Name, inference.Compile(rule, limit))
				}
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tOUTPUT\tDIRECTION\tACTIVE")
			for _, r := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", r.Name, r.RuleType, r.Output.Type, r.Output.Direction, active[r.Name])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSlice("rules", nil, "rules to select (default all enabled)")
	cmd.Flags().String("rules-file", "", "rule file (default built-in rules)")
	cmd.Flags().Int("rule-limit", 10000, "maximum matches per rule")
	cmd.Flags().BoolVar(&cypher, "cypher", false, "print the compiled Cypher of the selected rules")
	return cmd
}
