package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"fieldmap/core-go/internal/config"
	"fieldmap/core-go/internal/db"
	"fieldmap/core-go/internal/features"
	"fieldmap/core-go/internal/httpapi"
	"fieldmap/core-go/internal/jobs"
	"fieldmap/core-go/internal/kvstore"
	"fieldmap/core-go/internal/layers"
	"fieldmap/core-go/internal/livefeed"
	"fieldmap/core-go/internal/mapview"
	"fieldmap/core-go/internal/measure"
	"fieldmap/core-go/internal/metrics"
	"fieldmap/core-go/internal/notes"
	"fieldmap/core-go/internal/projection"
	"fieldmap/core-go/internal/reconcile"
	"fieldmap/core-go/internal/viewport"
)

var (
	addr        string
	logLevel    string
	databaseURL string
	configPath  string

	projZone    string
	projReverse bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldmap",
	Short: "Field operations map core",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the map service",
	RunE:  runServe,
}

var projectCmd = &cobra.Command{
	Use:   "project <easting> <northing>",
	Short: "Convert MGA grid coordinates to WGS84",
	Long:  `Convert MGA easting/northing to longitude/latitude, or the reverse with --reverse (arguments are then <lng> <lat>).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runProject,
}

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", envOr("HTTP_ADDR", ":8081"), "HTTP listen address")
	serveCmd.Flags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level")
	serveCmd.Flags().StringVar(&databaseURL, "database-url", envOr("DATABASE_URL", ""), "Postgres URL; jobs and notes are disabled when empty")
	serveCmd.Flags().StringVar(&configPath, "config", envOr("FIELDMAP_CONFIG", ""), "YAML configuration file")

	projectCmd.Flags().StringVarP(&projZone, "zone", "z", "56", "MGA zone")
	projectCmd.Flags().BoolVarP(&projReverse, "reverse", "r", false, "Convert longitude/latitude to grid")

	rootCmd.AddCommand(serveCmd, projectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := httpapi.NewLogger(logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := kvstore.Open(ctx, logger, cfg.Storage.KVPath)
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	reg, err := layers.NewRegistry(cfg.Layers, store)
	if err != nil {
		return err
	}
	reg.Restore(ctx)

	tracker := viewport.New(logger, viewport.Options{
		Debounce:         cfg.Viewport.Debounce,
		DefaultBaseLayer: cfg.Viewport.DefaultBaseLayer,
		Store:            store,
	})
	defer tracker.Close()
	if saved, ok := tracker.Restore(ctx); ok {
		logger.Info().Float64("lng", saved.Center.Lon()).Float64("lat", saved.Center.Lat()).Float64("zoom", saved.Zoom).Msg("view restored")
	}

	m := metrics.New()
	hub := livefeed.NewHub(logger, nil)

	families := make(map[string]string)
	for _, d := range reg.All() {
		families[d.ID] = d.Kind.Family()
	}
	markers := reconcile.New(hub, reconcile.Options{
		LabelMinZoom:      cfg.Render.LabelMinZoom,
		ClusterCellPixels: cfg.Render.ClusterCellPixels,
		Families:          families,
		Metrics:           m,
	})
	jobMarkers := reconcile.New(hub, reconcile.Options{
		LabelMinZoom: cfg.Render.LabelMinZoom,
		Metrics:      m,
	})

	fetchOpts := features.OptionsFromConfig(cfg.Fetch)
	fetchOpts.Metrics = m
	fetcher := features.NewFetcher(logger, features.NewHTTPSource(nil), fetchOpts)

	calc := measure.Primary()
	if cfg.Measure.ForceFallback {
		calc = measure.Fallback()
	}

	opts := mapview.Options{
		Tracker:          tracker,
		Layers:           reg,
		Fetcher:          fetcher,
		Markers:          markers,
		JobMarkers:       jobMarkers,
		Measure:          measure.NewTool(calc),
		Notices:          hub,
		ReferenceRadiusM: cfg.Fetch.ReferenceRadiusM,
		RefreshInterval:  cfg.Refresh.Interval,
		Metrics:          m,
	}

	// Keep the interface nil without a database so readiness skips the ping.
	var pinger httpapi.Pinger
	var noteStore *notes.Store
	if databaseURL != "" {
		pool, err := db.Open(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		pinger = pool

		registry := jobs.NewRegistry(logger, pool.Queries(), jobs.Options{
			PageSize: cfg.Jobs.PageSize,
			MaxRows:  cfg.Jobs.MaxRows,
		})
		if stats, err := registry.Load(ctx); err != nil {
			logger.Warn().Err(err).Msg("initial job load failed")
		} else {
			logger.Info().Int("rows", stats.Rows).Int("converted", stats.Converted).Int("skipped", stats.Skipped).Msg("jobs loaded")
		}
		opts.Jobs = registry

		noteStore = notes.NewStore(logger, pool.Queries(), notes.Options{
			AuthorID:      cfg.Notes.AuthorID,
			NotifyChannel: cfg.Notes.NotifyChannel,
			Cache:         store,
			Metrics:       m,
		})
		noteStore.LoadCache(ctx)
		if err := noteStore.Refresh(ctx); err != nil {
			logger.Warn().Err(err).Msg("initial notes load failed")
		}
		opts.Notes = noteStore
		go noteStore.RunRealtime(ctx, notes.NewPGFeed(pool.Raw(), cfg.Notes.NotifyChannel), cfg.Notes.MaxReconnects)
	} else {
		logger.Warn().Msg("DATABASE_URL not set; jobs and notes disabled")
	}

	ctrl := mapview.New(logger, opts)
	hub.SetSnapshot(ctrl.Snapshot)
	go ctrl.Run(ctx)

	h := httpapi.NewHandler(logger, httpapi.Options{
		DB:      pinger,
		Map:     ctrl,
		Feed:    hub,
		Metrics: m,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Int("layers", len(cfg.Layers)).Msg("fieldmap listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
	return nil
}

func runProject(cmd *cobra.Command, args []string) error {
	a, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %q: %w", args[0], err)
	}
	b, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %q: %w", args[1], err)
	}

	out := cmd.OutOrStdout()
	if projReverse {
		e, n, ok := projection.ToProjected(projZone, orb.Point{a, b})
		if !ok {
			return fmt.Errorf("cannot project %v,%v into zone %s", a, b, projZone)
		}
		fmt.Fprintf(out, "%.3f %.3f\n", e, n)
		return nil
	}
	p, ok := projection.ToGeographic(projZone, a, b)
	if !ok {
		return fmt.Errorf("cannot convert %v,%v in zone %s", a, b, projZone)
	}
	fmt.Fprintf(out, "%.8f %.8f\n", p.Lon(), p.Lat())
	return nil
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
