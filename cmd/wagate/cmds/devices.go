package cmds

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"wagate/internal/ports"
	"wagate/internal/session"
	"wagate/internal/types"
)

// seedFile is the shape of the YAML read by "devices seed".
type seedFile struct {
	Devices []struct {
		Name string `yaml:"name"`
	} `yaml:"devices"`
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage device records",
	}
	cmd.AddCommand(devicesListCmd(), devicesCreateCmd(), devicesSeedCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	var page, limit int
	var name string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, _, _, err := stores(cmd.Context())
			if err != nil {
				return err
			}
			res, err := devices.ListDevices(cmd.Context(), types.DeviceFilter{Page: page, PageSize: limit, Name: name})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tREADY\tCREATED")
			for _, d := range res.Data {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", d.ID, d.Name, d.Ready, d.CreatedAt.Format("2006-01-02 15:04"))
			}
			_ = tw.Flush()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d, %d total\n", res.Page, res.TotalPages, res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", types.DefaultPage, "page number")
	cmd.Flags().IntVar(&limit, "limit", types.DefaultPageSize, "page size")
	cmd.Flags().StringVar(&name, "name", "", "name substring filter")
	return cmd
}

func devicesCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Register a device; the server initializes it on next start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			devices, cache, _, err := stores(ctx)
			if err != nil {
				return err
			}
			if _, err := cache.Load(ctx); err != nil {
				return err
			}
			d, err := createDevice(ctx, devices, cache, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), d.ID)
			return nil
		},
	}
}

func devicesSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register every device listed in a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var sf seedFile
			if err := yaml.Unmarshal(b, &sf); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			ctx := cmd.Context()
			devices, cache, _, err := stores(ctx)
			if err != nil {
				return err
			}
			if _, err := cache.Load(ctx); err != nil {
				return err
			}
			for _, d := range sf.Devices {
				dev, err := createDevice(ctx, devices, cache, d.Name)
				if err != nil {
					return fmt.Errorf("seed %q: %w", d.Name, err)
				}
				log.WithFields(log.Fields{"deviceID": dev.ID, "name": dev.Name}).Info("device seeded")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "devices.yml", "YAML file with a devices list")
	return cmd
}

// createDevice stores the record and its empty session entry.
func createDevice(ctx context.Context, devices ports.DeviceStore, cache *session.Cache, name string) (types.Device, error) {
	if err := types.ValidateDeviceName(name); err != nil {
		return types.Device{}, types.Err(types.ErrInvalidRequest, err, "")
	}
	d, err := devices.CreateDevice(ctx, name)
	if err != nil {
		return types.Device{}, err
	}
	if _, err := cache.Append(ctx, types.SessionEntry{ID: d.ID, Name: d.Name}); err != nil {
		_ = devices.DeleteDevice(ctx, d.ID)
		return types.Device{}, err
	}
	return d, nil
}
