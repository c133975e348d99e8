package devices

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/racetimer-go/pkg/camera"
	"github.com/mpapenbr/racetimer-go/pkg/cmd/util"
	"github.com/mpapenbr/racetimer-go/pkg/config"
)

func NewDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "lists available cameras",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Build()
			if err != nil {
				return err
			}
			session := camera.NewSession(util.CaptureBackends(cfg))
			defer session.Release()
			list := session.ListAvailable(cfg.Camera.MaxIndex)
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cameras found")
				return nil
			}
			for _, d := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", d.Index, d.Backend, d.Label())
			}
			return nil
		},
	}
	return cmd
}
