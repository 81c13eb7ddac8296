package cli

import (
	"github.com/spf13/cobra"

	"github.com/zapcrm/wabridge/internal/wizard"
	"github.com/zapcrm/wabridge/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			p := cli.DefaultPrompter()
			w := wizard.New(p)
			if defaults || !p.IsInteractive() {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./wabridge.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively using env vars and defaults")
	return cmd
}
