package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/modhost/manifest"
	"github.com/spf13/cobra"
)

// ErrManifestRequired is returned when --manifest is missing.
var ErrManifestRequired = errors.New("--manifest is required")

// NewCheckCommand creates the check command
func NewCheckCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a module manifest",
		Long: `Validate a module manifest: struct rules, unique ids, endpoint URLs,
refresh intervals and the dependency graph (missing dependencies and cycles).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(path)
			if err != nil {
				return err
			}
			if err := checkManifest(m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d modules OK\n", path, len(m.Modules))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "manifest", "m", "", "Path to the module manifest (yaml, toml, json or hcl)")
	return cmd
}

func loadManifest(path string) (*manifest.Manifest, error) {
	if path == "" {
		return nil, ErrManifestRequired
	}
	return manifest.Load(path)
}

// checkManifest validates m and requires every dependency to be listed in
// the manifest itself.
func checkManifest(m *manifest.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	ids := make(map[string]struct{}, len(m.Modules))
	for _, spec := range m.Modules {
		ids[spec.ID] = struct{}{}
	}
	var missing []string
	for _, spec := range m.Modules {
		for _, dep := range spec.Dependencies {
			if _, ok := ids[dep]; !ok {
				missing = append(missing, fmt.Sprintf("%s -> %s", spec.ID, dep))
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing dependencies: %s", strings.Join(missing, ", "))
	}

	_, err := m.Order()
	return err
}
