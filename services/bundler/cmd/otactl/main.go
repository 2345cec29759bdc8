package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"otad/services/bundler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type apiFlags struct {
	baseURL string
	actor   string
	output  string
}

func (f *apiFlags) client() (*bundler.Client, error) {
	return bundler.NewClient(f.baseURL, f.actor, nil)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "otactl",
		Short:         "Utility for managing OTA firmware registries and bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	api := &apiFlags{}
	cmd.PersistentFlags().StringVar(&api.baseURL, "api", envOr("OTA_API", "http://localhost:8080"), "Base URL of the otad API")
	cmd.PersistentFlags().StringVar(&api.actor, "actor", envOr("OTA_ACTOR", "otactl"), "Actor recorded for mutating calls")

	cmd.AddCommand(newCompiledCommand())
	cmd.AddCommand(newBundleCommand(api))
	cmd.AddCommand(newFirmwareCommand(api))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func groupCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
}

func newCompiledCommand() *cobra.Command {
	cmd := groupCommand("compiled", "Compiled firmware root operations")

	var cfg bundler.IndexConfig
	index := &cobra.Command{
		Use:   "index",
		Short: "Write the compiled manifest for a directory of firmware images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Stdout = cmd.OutOrStdout()
			_, err := bundler.IndexCompiled(cmd.Context(), cfg)
			return err
		},
	}
	index.Flags().StringVar(&cfg.Dir, "dir", "", "Compiled firmware directory")
	index.Flags().StringSliceVar(&cfg.DeviceTypes, "device-type", nil, "Compatible device types (repeatable)")
	index.Flags().StringVar(&cfg.Version, "version", "", "Version for every image, overriding sidecar metadata")
	index.Flags().StringVar(&cfg.Description, "description", "", "Description for every image, overriding sidecar metadata")
	_ = index.MarkFlagRequired("dir")

	cmd.AddCommand(index)
	return cmd
}

func newBundleCommand(api *apiFlags) *cobra.Command {
	cmd := groupCommand("bundle", "Offline firmware bundle operations")

	var exportCfg bundler.ExportConfig
	export := &cobra.Command{
		Use:   "export",
		Short: "Write uploaded firmware of a data directory to a tar.zst bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			exportCfg.Stdout = cmd.OutOrStdout()
			_, err := bundler.Export(cmd.Context(), exportCfg)
			return err
		},
	}
	export.Flags().StringVar(&exportCfg.DataDir, "data-dir", "data/ota", "OTA data directory")
	export.Flags().StringVar(&exportCfg.Output, "output", "", "Destination bundle file (tar.zst)")
	export.Flags().BoolVar(&exportCfg.IncludeInactive, "include-inactive", false, "Include deactivated firmware")
	_ = export.MarkFlagRequired("output")

	var (
		bundleFile string
		autoAssign bool
	)
	imp := &cobra.Command{
		Use:   "import",
		Short: "Verify a bundle and upload its firmware through the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			_, err = bundler.Import(cmd.Context(), bundler.ImportConfig{
				BundlePath: bundleFile,
				Client:     client,
				AutoAssign: autoAssign,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}
	imp.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	imp.Flags().BoolVar(&autoAssign, "auto-assign", false, "Record each upload as the latest of its device type")
	_ = imp.MarkFlagRequired("file")

	cmd.AddCommand(export, imp)
	return cmd
}

func newFirmwareCommand(api *apiFlags) *cobra.Command {
	cmd := groupCommand("firmware", "Query and manage a running registry")
	cmd.PersistentFlags().StringVarP(&api.output, "output", "o", "table", "Output format: table, json or yaml")

	var (
		deviceType      string
		includeInactive bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List firmware, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			artifacts, err := client.List(cmd.Context(), deviceType, includeInactive)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), api.output, artifacts, func(w io.Writer) {
				fmt.Fprintln(w, "KEY\tTYPE\tVERSION\tORIGIN\tACTIVE\tSIZE\tDOWNLOADS")
				for _, a := range artifacts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%d\n", a.Key, a.DeviceType, a.Version, a.Origin, a.IsActive, a.SizeBytes, a.DownloadCount)
				}
			})
		},
	}
	list.Flags().StringVar(&deviceType, "device-type", "", "Only list firmware for this device type")
	list.Flags().BoolVar(&includeInactive, "include-inactive", false, "Include deactivated firmware")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show registry statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			s, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), api.output, s, func(w io.Writer) {
				fmt.Fprintf(w, "versions\t%d\ndownloads\t%d\n\n", s.TotalFirmwareVersions, s.TotalDownloads)
				fmt.Fprintln(w, "TYPE\tCOUNT\tLATEST\tDOWNLOADS")
				for _, name := range sortedKeys(s.DeviceTypes) {
					ts := s.DeviceTypes[name]
					latest := "-"
					if ts.LatestVersion != nil {
						latest = ts.LatestVersion.Key
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", name, ts.Count, latest, ts.TotalDownloads)
				}
			})
		},
	}

	types := &cobra.Command{
		Use:   "types",
		Short: "List device types with active firmware",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			ts, err := client.Types(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), api.output, ts, func(w io.Writer) {
				for _, t := range ts {
					fmt.Fprintln(w, t)
				}
			})
		},
	}

	cmd.AddCommand(list, stats, types,
		newUploadCommand(api),
		newForceCommand(api),
		newSetActiveCommand(api),
		newDeleteCommand(api),
	)
	return cmd
}

func newUploadCommand(api *apiFlags) *cobra.Command {
	var (
		deviceType  string
		description string
		autoAssign  bool
	)
	cmd := &cobra.Command{
		Use:   "upload <file.bin>",
		Short: "Upload a firmware image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			res, err := client.Upload(cmd.Context(), args[0], deviceType, description, autoAssign)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), api.output, res, func(w io.Writer) {
				fmt.Fprintf(w, "uploaded\t%s\nversion\t%s\nsha256\t%s\n", res.Key, res.Version, res.Firmware.ContentHash)
			})
		},
	}
	cmd.Flags().StringVar(&deviceType, "device-type", "", "Device type of the image")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	cmd.Flags().BoolVar(&autoAssign, "auto-assign", false, "Record the upload as the latest of its device type")
	_ = cmd.MarkFlagRequired("device-type")
	return cmd
}

func newForceCommand(api *apiFlags) *cobra.Command {
	var deviceType string
	cmd := &cobra.Command{
		Use:   "force <device-id>",
		Short: "Offer the latest firmware of a type to a device on its next check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			d, err := client.Force(cmd.Context(), args[0], deviceType)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), api.output, d, func(w io.Writer) {
				fmt.Fprintf(w, "device\t%s\nfirmware\t%s\nversion\t%s\nurl\t%s\n", args[0], d.FirmwareKey, d.Version, d.FirmwareURL)
			})
		},
	}
	cmd.Flags().StringVar(&deviceType, "type", "", "Device type whose latest firmware is offered")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newSetActiveCommand(api *apiFlags) *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <key>",
		Short: "Activate or deactivate an uploaded image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			a, err := client.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), api.output, a, func(w io.Writer) {
				fmt.Fprintf(w, "%s\tactive=%t\n", a.Key, a.IsActive)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "Desired state")
	return cmd
}

func newDeleteCommand(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an uploaded image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.client()
			if err != nil {
				return err
			}
			if err := client.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func render(out io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return errors.New("output must be one of table, json, yaml")
	}
}
