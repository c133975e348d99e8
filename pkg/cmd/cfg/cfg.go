package cfg

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/config"
)

var outputFile string

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "commands for the configuration",
	}
	cmd.AddCommand(newShowCmd(), newImportLegacyCmd())
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "prints the effective configuration as yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Build()
			if err != nil {
				return err
			}
			data, err := c.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newImportLegacyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-legacy <config.json>",
		Short: "converts a settings file of earlier versions to yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.ImportLegacy(args[0], config.Default())
			if err != nil {
				return err
			}
			data, err := c.YAML()
			if err != nil {
				return err
			}
			if outputFile == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(outputFile, data, 0o600); err != nil {
				return err
			}
			log.Info("legacy config imported", log.String("file", outputFile))
			fmt.Fprintf(cmd.OutOrStdout(), "use it with --config %s\n", outputFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputFile, "output", "o", "",
		"write the yaml document to this file instead of stdout")
	return cmd
}
