package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"wagate/internal/session"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Remove session state left behind by deleted devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			devices, cache, auth, err := stores(ctx)
			if err != nil {
				return err
			}
			if _, err := cache.Load(ctx); err != nil {
				return err
			}
			removed, err := session.NewReconciler(devices, cache, auth).Sweep(ctx)
			if err != nil {
				return err
			}
			for _, id := range removed {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
