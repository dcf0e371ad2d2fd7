package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/cshum/vipsgen/vips"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gigatile/internal/cache"
	"gigatile/internal/config"
	"gigatile/internal/logger"
	"gigatile/internal/tilesource"
	"gigatile/internal/tilesource/vipsdecoder"
)

// flagOrEnv returns the flag value if set, then the environment value, then
// defaultValue.
func flagOrEnv(cmd *cobra.Command, flagName, envName, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// app is the state shared by subcommands once the root command has run.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *cache.Registry
}

func (a *app) open(ctx context.Context, path string) (*tilesource.Source, error) {
	opener := vipsdecoder.Opener(vipsdecoder.Options{
		TileSize:    a.cfg.TileSize,
		Encoding:    a.cfg.Encoding,
		JPEGQuality: a.cfg.JPEGQuality,
	}, a.log)
	return tilesource.Open(ctx, a.registry, path, opener, tilesource.Options{
		Encoding:    a.cfg.Encoding,
		JPEGQuality: a.cfg.JPEGQuality,
	})
}

func (a *app) close() {
	if a.registry != nil {
		a.registry.Close()
	}
	if a.log != nil {
		a.log.Sync()
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gigatile",
		Short:         "Inspect images and read tiles and regions from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := logger.New(flagOrEnv(cmd, "log-level", "LOG_LEVEL", "warn"))
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.cfg, a.log = cfg, log
			a.registry = cache.NewRegistry(cfg.Cache, log)
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); defaults to LOG_LEVEL")

	root.AddCommand(
		newInfoCommand(a),
		newRegionCommand(a),
		newTileCommand(a),
		newCachesCommand(a),
	)
	return root
}

func startVips(cfg *config.Config) {
	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		VectorEnabled:    true,
	})
}

func newInfoCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <path>",
		Short: "Print the metadata and tile layout of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			startVips(a.cfg)
			defer vips.Shutdown()

			src, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tileWidth, _ := cmd.Flags().GetInt("tile-width")
			tileHeight, _ := cmd.Flags().GetInt("tile-height")
			info, err := src.IteratorInfo(tilesource.IteratorOptions{
				TileSize: tilesource.TileSize{Width: tileWidth, Height: tileHeight},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"metadata": src.Metadata(),
				"native":   src.NativeMagnification(),
				"iterator": info,
			})
		},
	}
	cmd.Flags().Int("tile-width", 0, "iterator tile width, native when 0")
	cmd.Flags().Int("tile-height", 0, "iterator tile height, native when 0")
	return cmd
}

// regionFromFlags builds a region from the flags the user set. Unset flags
// leave the side open.
func regionFromFlags(cmd *cobra.Command) (tilesource.RegionSpec, error) {
	region := tilesource.RegionSpec{}
	for _, f := range []struct {
		name string
		dst  **float64
	}{
		{"left", &region.Left},
		{"top", &region.Top},
		{"right", &region.Right},
		{"bottom", &region.Bottom},
		{"width", &region.Width},
		{"height", &region.Height},
	} {
		if !cmd.Flags().Changed(f.name) {
			continue
		}
		v, err := cmd.Flags().GetFloat64(f.name)
		if err != nil {
			return region, err
		}
		*f.dst = tilesource.Float(v)
	}
	units, _ := cmd.Flags().GetString("units")
	if _, err := tilesource.NormalizeUnits(units); err != nil {
		return region, err
	}
	region.Units = units
	return region, nil
}

func newRegionCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "region <path>",
		Short: "Render a region of an image to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := regionFromFlags(cmd)
			if err != nil {
				return err
			}
			maxWidth, _ := cmd.Flags().GetInt("max-width")
			maxHeight, _ := cmd.Flags().GetInt("max-height")
			mag, _ := cmd.Flags().GetFloat64("magnification")
			out, _ := cmd.Flags().GetString("output")

			startVips(a.cfg)
			defer vips.Shutdown()

			src, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := src.GetRegion(cmd.Context(), tilesource.RegionRequest{
				Region: region,
				Scale:  tilesource.ScaleSpec{Magnification: mag},
				Output: tilesource.OutputSpec{MaxWidth: maxWidth, MaxHeight: maxHeight},
			})
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, data)
		},
	}
	flags := cmd.Flags()
	flags.Float64("left", 0, "left edge")
	flags.Float64("top", 0, "top edge")
	flags.Float64("right", 0, "right edge")
	flags.Float64("bottom", 0, "bottom edge")
	flags.Float64("width", 0, "region width")
	flags.Float64("height", 0, "region height")
	flags.String("units", "base_pixels", "region units (base_pixels, mag_pixels, mm, fraction)")
	flags.Int("max-width", 0, "largest output width")
	flags.Int("max-height", 0, "largest output height")
	flags.Float64("magnification", 0, "output magnification")
	flags.StringP("output", "o", "", "output file, stdout when empty")
	return cmd
}

func newTileCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tile <path> <level> <x> <y>",
		Short: "Write one native tile to a file",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			coords := make([]int, 3)
			for i, arg := range args[1:] {
				v, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("invalid tile coordinate %q", arg)
				}
				coords[i] = v
			}
			out, _ := cmd.Flags().GetString("output")

			startVips(a.cfg)
			defer vips.Shutdown()

			src, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := src.GetTile(cmd.Context(), coords[1], coords[2], coords[0], 0)
			if err != nil {
				return err
			}
			data, err = src.Encode(data)
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, data)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file, stdout when empty")
	return cmd
}

func newCachesCommand(a *app) *cobra.Command {
	register := func(ctx context.Context) error {
		_, err := a.registry.Register(ctx, "", tilesource.TileCacheName)
		return err
	}
	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Show the configured cache backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := a.registry.Kind(cmd.Context())
			if err != nil {
				return err
			}
			if err := register(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"backend": kind,
				"caches":  a.registry.Info(),
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Empty the shared tile cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := register(cmd.Context()); err != nil {
				return err
			}
			if err := a.registry.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleared")
			return nil
		},
	})
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeOutput(cmd *cobra.Command, path string, data *tilesource.TileData) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(data.Encoded)
		return err
	}
	if err := os.WriteFile(path, data.Encoded, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s, %d bytes)\n", path, data.MIME, len(data.Encoded))
	return nil
}

func main() {
	a := &app{}
	defer a.close()
	if err := newRootCommand(a).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		a.close()
		os.Exit(1)
	}
}
