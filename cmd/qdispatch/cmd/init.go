package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
)

var (
	initForce bool
	initUser  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a commented default configuration to ./.qdispatch.yaml, or to the
per-user config path with --user. An existing file is kept unless --force is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := config.ProjectConfigFile
		if cfgFile != "" {
			path = cfgFile
		}
		if initUser {
			p, err := config.UserConfigPath()
			if err != nil {
				return err
			}
			path = p
		}
		written, err := config.WriteDefaultConfig(path, initForce)
		if err != nil {
			return err
		}
		if !written {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already exists (use --force to overwrite)\n", path)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	initCmd.Flags().BoolVar(&initUser, "user", false, "write the per-user config instead")
}
