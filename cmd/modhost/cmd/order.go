package cmd

import (
	"fmt"

	"github.com/GoCodeAlone/modhost"
	"github.com/spf13/cobra"
)

// NewOrderCommand creates the order command
func NewOrderCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "order [ids...]",
		Short: "Print modules in dependency order",
		Long: `Print the manifest modules so that every module comes after its
dependencies. With ids, only those modules are ordered and dependencies
outside the set are ignored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(path)
			if err != nil {
				return err
			}
			configs, err := m.Configs()
			if err != nil {
				return err
			}

			if len(args) > 0 {
				byID := make(map[string]modhost.ModuleConfig, len(configs))
				for _, cfg := range configs {
					byID[cfg.ID] = cfg
				}
				subset := make([]modhost.ModuleConfig, 0, len(args))
				for _, id := range args {
					cfg, ok := byID[id]
					if !ok {
						return &modhost.ModuleNotFoundError{ModuleID: id}
					}
					subset = append(subset, cfg)
				}
				configs = subset
			}

			order, err := modhost.SortConfigs(configs)
			if err != nil {
				return err
			}
			for _, id := range order {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "manifest", "m", "", "Path to the module manifest (yaml, toml, json or hcl)")
	return cmd
}
