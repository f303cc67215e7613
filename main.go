// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/carlmjohnson/versioninfo"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/iancoleman/strcase"
	"github.com/karlseguin/ccache/v3"
	"github.com/muesli/reflow/truncate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/s2mosaic/geotiff"
	"github.com/akhenakh/s2mosaic/manifest"
	"github.com/akhenakh/s2mosaic/mosaic"
	"github.com/akhenakh/s2mosaic/product"
)

const appName = "s2mosaic"

const MANIFEST string = `manifest`
const RESOLUTION string = `resolution`

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpAPIServer     *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel          string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int    `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort        int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int    `env:"METRICS_PORT" envDefault:"8888"`
	CacheMaxSize      int64  `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32 `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	MaxOpenFiles      int64  `env:"MAX_OPEN_FILES" envDefault:"128"`
	RenderCacheSize   int64  `env:"RENDER_CACHE_SIZE" envDefault:"256"`
	DecodeWorkers     int    `env:"DECODE_WORKERS" envDefault:"0"`
	// BackgroundValue overrides the manifest background when not negative.
	BackgroundValue int `env:"BACKGROUND_VALUE" envDefault:"-1"`
	// SourceBucket is a gocloud bucket URL granule files are read from,
	// e.g. s3://bucket?region=eu-central-1 or file:///data.
	SourceBucket string `env:"SOURCE_BUCKET"`
	// VerifyGeoreference compares the georeferencing of every band file with
	// the manifest when the product is opened.
	VerifyGeoreference bool `env:"VERIFY_GEOREFERENCE" envDefault:"false"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	app := cli.NewApp()
	app.Name = appName
	app.Usage = "Mosaic Sentinel-2 granules into multi-resolution product bands"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     MANIFEST,
			Aliases:  []string{"m"},
			Usage:    "Product or granule manifest (JSON)",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(MANIFEST)},
		},
		&cli.IntFlag{
			Name:     RESOLUTION,
			Aliases:  []string{"r"},
			Usage:    "Rescale every band to 10, 20 or 60 m, overriding the manifest target resolution",
			Required: false,
			EnvVars:  []string{strcase.ToScreamingSnake(RESOLUTION)},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "info",
			Usage: "Print the bands, masks and angle rasters of the product",
			Action: func(c *cli.Context) error {
				p, closeFn, err := openProduct(c.Context, cfg, logger, c.String(MANIFEST), c.Int(RESOLUTION), mosaic.NewMetrics(nil))
				if err != nil {
					return err
				}
				defer closeFn()
				return printInfo(os.Stdout, p)
			},
		},
		{
			Name:  "serve",
			Usage: "Serve the product over HTTP",
			Action: func(c *cli.Context) error {
				return serve(cfg, logger, c.String(MANIFEST), c.Int(RESOLUTION))
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func serve(cfg Config, logger *slog.Logger, manifestPath string, resolution int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	metrics := mosaic.NewMetrics(prometheus.DefaultRegisterer)
	p, closeFn, err := openProduct(ctx, cfg, logger, manifestPath, resolution, metrics)
	if err != nil {
		return fmt.Errorf("failed to open product: %w", err)
	}
	defer closeFn()

	g, ctx := errgroup.WithContext(ctx)

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP product API
	g.Go(func() error {
		return startHTTPAPIServer(logger, cfg, healthServer, p)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpAPIServer != nil {
		if err := httpAPIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP API server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server group returned an error: %w", err)
	}
	return nil
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcHealthServer)

	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startHTTPAPIServer(logger *slog.Logger, cfg Config, healthServer *health.Server, p *product.Product) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	logger.Info("configuring render cache", "max_size", cfg.RenderCacheSize, "items_to_prune", cfg.CacheItemsToPrune)
	renders := ccache.New(ccache.Configure[[]byte]().MaxSize(cfg.RenderCacheSize).ItemsToPrune(cfg.CacheItemsToPrune))
	defer renders.Stop()

	api := NewAPI(p, renders, logger)
	httpAPIServer = &http.Server{Addr: addr, Handler: api.Handler()}

	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("HTTP API server listening", "address", addr, "product", p.ID)

	if err := httpAPIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

// openProduct loads the manifest and assembles its product. The returned
// function releases the decoder and the bucket.
func openProduct(ctx context.Context, cfg Config, logger *slog.Logger, manifestPath string, resolution int, metrics *mosaic.Metrics) (*product.Product, func(), error) {
	logger.Info("loading manifest", "path", manifestPath)
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, nil, err
	}
	for _, key := range m.Unknown {
		logger.Warn("ignoring unknown manifest key", "key", key)
	}
	if resolution != 0 {
		m.TargetResolution = resolution
		if err := m.Validate(); err != nil {
			return nil, nil, err
		}
	}
	if cfg.BackgroundValue >= 0 {
		m.Background = uint16(cfg.BackgroundValue)
	}

	var bucket *blob.Bucket
	if cfg.SourceBucket != "" {
		logger.Info("reading granules from bucket", "bucket", cfg.SourceBucket)
		bucket, err = blob.OpenBucket(ctx, cfg.SourceBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bucket: %w", err)
		}
		// Granule paths become bucket keys.
		m.Dir = ""
	}

	logger.Info("configuring tile cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune, "max_open_files", cfg.MaxOpenFiles)
	dec := geotiff.NewDecoder(geotiff.NewOpener(bucket, http.DefaultClient), geotiff.DecoderConfig{
		TileCacheSize: cfg.CacheMaxSize,
		ItemsToPrune:  cfg.CacheItemsToPrune,
		MaxOpenFiles:  cfg.MaxOpenFiles,
		Background:    m.Background,
		Logger:        logger,
	})
	closeFn := func() {
		dec.Close()
		if bucket != nil {
			if err := bucket.Close(); err != nil {
				logger.Warn("failed to close bucket", "error", err)
			}
		}
	}

	opts := product.Options{
		Decoder:            dec,
		Exists:             existsFunc(bucket),
		PolygonSource:      manifest.GeoJSONSource{},
		VerifyGeoreference: cfg.VerifyGeoreference,
		Workers:            cfg.DecodeWorkers,
		Logger:             logger,
		Metrics:            metrics,
	}
	if bucket != nil {
		opts.PolygonSource = manifest.GeoJSONSource{ReadFile: func(name string) ([]byte, error) {
			return bucket.ReadAll(ctx, name)
		}}
	}

	p, err := product.Open(ctx, m, opts)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	logger.Info("product opened", "product", p.ID, "level", p.ProcessingLevel.String(),
		"bands", len(p.Bands()), "vector_masks", len(p.VectorMasks()), "index_masks", len(p.IndexMasks()),
		"tie_points", len(p.TiePointBands()))
	return p, func() {
		if err := p.Close(); err != nil {
			logger.Warn("failed to close product", "error", err)
		}
		closeFn()
	}, nil
}

// existsFunc checks band files in bucket, or on the local file system when
// bucket is nil. Remote URLs are assumed present; a missing one fails at
// decode time.
func existsFunc(bucket *blob.Bucket) func(ctx context.Context, name string) (bool, error) {
	return func(ctx context.Context, name string) (bool, error) {
		if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
			return true, nil
		}
		if bucket != nil {
			return bucket.Exists(ctx, name)
		}
		return product.LocalExists(ctx, name)
	}
}

const descriptionWidth = 48

func printInfo(out io.Writer, p *product.Product) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Product\t%s\n", p.ID)
	fmt.Fprintf(tw, "Level\t%s\n", p.ProcessingLevel)
	crs := p.GeoCoding.CRS.String()
	if zone, north, ok := p.GeoCoding.CRS.UTMZone(); ok {
		hemisphere := "S"
		if north {
			hemisphere = "N"
		}
		crs += fmt.Sprintf(" (UTM %d%s)", zone, hemisphere)
	}
	fmt.Fprintf(tw, "CRS\t%s\n", crs)
	fmt.Fprintf(tw, "Resolution\t%d m\n", p.Resolution)
	fmt.Fprintf(tw, "Size\t%dx%d\n", p.GeoCoding.Width, p.GeoCoding.Height)

	fmt.Fprintln(tw, "\nBAND\tRES\tLEVELS\tTILES\tDESCRIPTION")
	for _, b := range p.Bands() {
		var dims []string
		for level := range b.NumLevels() {
			d := b.Dimensions(level)
			dims = append(dims, fmt.Sprintf("%dx%d", d.X, d.Y))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", b.Name, b.Resolution, strings.Join(dims, " "),
			strings.Join(b.Tiles, ","), truncate.StringWithTail(b.Description, descriptionWidth, "..."))
	}

	fmt.Fprintln(tw, "\nMASK\tTYPE\tSOURCE\tDESCRIPTION")
	for _, m := range p.VectorMasks() {
		fmt.Fprintf(tw, "%s\tvector\t%d features on %s\t%s\n", m.Name, len(m.Features), m.ReferenceBand,
			truncate.StringWithTail(m.Description, descriptionWidth, "..."))
	}
	for _, m := range p.IndexMasks() {
		fmt.Fprintf(tw, "%s\tindex\t%s\t%s\n", m.Name, m.Expression,
			truncate.StringWithTail(m.Description, descriptionWidth, "..."))
	}

	fmt.Fprintln(tw, "\nTIE-POINT\tLEVELS\tUNIT\tDESCRIPTION")
	for _, t := range p.TiePointBands() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", t.Name, t.NumLevels(), t.Unit, t.Description)
	}
	return tw.Flush()
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
