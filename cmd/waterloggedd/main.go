package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gobuffalo/packr/v2"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	grpc_middleware "github.com/mwitkow/go-grpc-middleware"
	grpc_opentracing "github.com/mwitkow/go-grpc-middleware/tracing/opentracing"
	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/waterlogged/waterlogged"
	"github.com/waterlogged/waterlogged/gw"
	"github.com/waterlogged/waterlogged/influx"
	"github.com/waterlogged/waterlogged/nodes"
	"github.com/waterlogged/waterlogged/openmeteo"
	"github.com/waterlogged/waterlogged/payload"
	"github.com/waterlogged/waterlogged/storage"
	badgerstore "github.com/waterlogged/waterlogged/storage/badger"
	"github.com/waterlogged/waterlogged/storage/sqlite"
	"github.com/waterlogged/waterlogged/thingspeak"
	"github.com/waterlogged/waterlogged/ttn"
	"github.com/waterlogged/waterlogged/web"
)

const appName = "waterloggedd"

var (
	version = "no version from LDFLAGS"

	logLevel = flag.String("logLevel", "info", "debug, info, warn or error")

	dbType    = flag.String("dbType", "badger", "storage engine, badger or sqlite")
	dbPath    = flag.String("dbPath", "waterlogged.db", "DB path")
	nodesFile = flag.String("nodesFile", "", "YAML file describing the deployed nodes")

	measurementPort = flag.Int("measurementPort", 1, "the fport used by nodes to send their measurements, 0 accepts any port")
	locationPort    = flag.Int("locationPort", 2, "the fport used by nodes to send their Cayenne GPS position, 0 disables")

	mqttBroker   = flag.String("mqttBroker", "", "TTN v3 MQTT broker, eg tcp://eu1.cloud.thethings.network:1883, empty disables")
	mqttAppID    = flag.String("mqttAppID", "waterlogged", "TTN application ID")
	mqttAPIKey   = flag.String("mqttAPIKey", "", "TTN application API key")
	mqttTenantID = flag.String("mqttTenantID", "ttn", "TTN tenant ID")

	gwAddr    = flag.String("gwAddr", "", "Semtech UDP packet forwarder listen address, eg :1700, empty disables")
	gwNwkSKey = flag.String("gwNwkSKey", "", "ABP NwkSKey (hex) of the nodes sending to the gateway")
	gwAppSKey = flag.String("gwAppSKey", "", "ABP AppSKey (hex) of the nodes sending to the gateway")

	thingspeakURL      = flag.String("thingspeakURL", thingspeak.DefaultURL, "ThingSpeak API URL")
	thingspeakChannel  = flag.String("thingspeakChannel", "", "ThingSpeak channel ID, empty disables")
	thingspeakReadKey  = flag.String("thingspeakReadKey", "", "ThingSpeak read API key")
	thingspeakWriteKey = flag.String("thingspeakWriteKey", "", "ThingSpeak write API key, empty disables the export")

	influxURL    = flag.String("influxURL", "", "InfluxDB URL, empty disables the export")
	influxToken  = flag.String("influxToken", "", "InfluxDB token")
	influxOrg    = flag.String("influxOrg", "", "InfluxDB organization")
	influxBucket = flag.String("influxBucket", "waterlogged", "InfluxDB bucket")

	weatherLat      = flag.Float64("weatherLat", 42.34, "latitude of the current weather")
	weatherLng      = flag.Float64("weatherLng", -71.17, "longitude of the current weather")
	weatherLocation = flag.String("weatherLocation", "Boston College, MA", "name of the weather location")
	weatherCacheTTL = flag.Duration("weatherCacheTTL", 10*time.Minute, "how long the current weather is cached")

	httpMetricsPort = flag.Int("httpMetricsPort", 8888, "http port")
	httpAPIPort     = flag.Int("httpAPIPort", 9201, "http API port")
	healthPort      = flag.Int("healthPort", 6666, "grpc health port")

	httpServer        *http.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
)

func levelOption(l string) level.Option {
	switch strings.ToLower(l) {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}

func openStore() (storage.Store, error) {
	switch *dbType {
	case "sqlite":
		return sqlite.Open(*dbPath)
	case "badger":
		opts := badger.DefaultOptions(*dbPath)
		opts.Logger = nil
		opts.TableLoadingMode = options.FileIO

		bdb, err := badger.Open(opts)
		if err != nil {
			return nil, err
		}
		return &badgerstore.Store{DB: bdb}, nil
	}
	return nil, fmt.Errorf("unknown dbType %q", *dbType)
}

func main() {
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "caller", log.DefaultCaller, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = level.NewFilter(logger, levelOption(*logLevel))

	stdlog.SetOutput(log.NewStdlibAdapter(logger))

	level.Info(logger).Log("msg", "Starting app", "version", version)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	var registry *nodes.Registry
	if *nodesFile != "" {
		var err error
		registry, err = nodes.Load(*nodesFile)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load nodes", "error", err, "path", *nodesFile)
			os.Exit(2)
		}
	}

	store, err := openStore()
	if err != nil {
		level.Error(logger).Log("msg", "failed to open DB", "error", err, "path", *dbPath, "type", *dbType)
		os.Exit(2)
	}
	defer store.Close()

	var exporters []waterlogged.Exporter
	var channel *thingspeak.Client
	if *thingspeakChannel != "" {
		channel = thingspeak.NewClient(thingspeak.Config{
			URL:       *thingspeakURL,
			ChannelID: *thingspeakChannel,
			ReadKey:   *thingspeakReadKey,
			WriteKey:  *thingspeakWriteKey,
		}, nil)
		if *thingspeakWriteKey != "" {
			exporters = append(exporters, channel)
		}
	}
	if *influxURL != "" {
		ie := influx.NewExporter(influx.Config{
			URL:    *influxURL,
			Token:  *influxToken,
			Org:    *influxOrg,
			Bucket: *influxBucket,
		}, registry)
		defer ie.Close()
		if ok, err := ie.Ping(ctx); !ok || err != nil {
			level.Warn(logger).Log("msg", "InfluxDB is not ready", "error", err)
		}
		exporters = append(exporters, ie)
	}

	cfg := waterlogged.Config{
		LocationPort:    *locationPort,
		MeasurementPort: *measurementPort,
		LineParams:      payload.DefaultLineParams(),
	}
	s, err := waterlogged.NewServer(appName, logger, store, registry, cfg, exporters...)
	if err != nil {
		level.Error(logger).Log("msg", "invalid node calibration", "error", err)
		os.Exit(2)
	}
	if err := s.SyncNodes(ctx); err != nil {
		level.Error(logger).Log("msg", "can't store nodes", "error", err)
		os.Exit(2)
	}

	// gRPC Health Server
	healthServer := health.NewServer()
	s.Health = healthServer
	g.Go(func() error {
		grpcHealthServer = grpc.NewServer(
			grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
				grpc_opentracing.StreamServerInterceptor(),
				grpc_prometheus.StreamServerInterceptor,
			)),
			grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
				grpc_opentracing.UnaryServerInterceptor(),
				grpc_prometheus.UnaryServerInterceptor,
			)),
		)

		healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
		grpc_prometheus.Register(grpcHealthServer)

		haddr := fmt.Sprintf(":%d", *healthPort)
		hln, err := net.Listen("tcp", haddr)
		if err != nil {
			level.Error(logger).Log("msg", "gRPC Health server: failed to listen", "error", err)
			os.Exit(2)
		}
		level.Info(logger).Log("msg", fmt.Sprintf("gRPC health server serving at %s", haddr))

		healthServer.SetServingStatus(fmt.Sprintf("grpc.health.v1.%s", appName), healthpb.HealthCheckResponse_SERVING)

		return grpcHealthServer.Serve(hln)
	})

	// web server metrics
	g.Go(func() error {
		httpMetricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpMetricsPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP Metrics server serving at :%d", *httpMetricsPort))

		// Register Prometheus metrics handler.
		http.Handle("/metrics", promhttp.Handler())

		if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	// web server
	g.Go(func() error {
		ws := web.NewServer(appName, logger, s, store, registry, web.Config{
			Lat: *weatherLat,
			Lng: *weatherLng,
		})
		if channel != nil {
			ws.Channel = channel
		}
		ws.Weather = openmeteo.NewClient(openmeteo.Config{
			Lat:      *weatherLat,
			Lng:      *weatherLng,
			Location: *weatherLocation,
			CacheTTL: *weatherCacheTTL,
		}, nil)

		// box html templates and static files
		box := packr.New("Root box", "./public")

		ws.FileHandler = http.FileServer(box)
		ws.Box = box

		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpAPIPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      ws.Router(),
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP API server serving at :%d", *httpAPIPort))

		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	// Semtech packet forwarder
	if *gwAddr != "" {
		keys, err := gw.ParseSessionKeys(*gwNwkSKey, *gwAppSKey)
		if err != nil {
			level.Error(logger).Log("msg", "invalid gateway session keys", "error", err)
			os.Exit(2)
		}
		gws := gw.NewServer(appName, logger, s, keys)
		if err := gws.StartListener(ctx, *gwAddr); err != nil {
			os.Exit(2)
		}
		defer gws.Close()
	}

	// TTN client subscriptions
	if *mqttBroker != "" {
		g.Go(func() error {
			sub := ttn.NewSubscriber(logger, ttn.Config{
				Broker:   *mqttBroker,
				AppID:    *mqttAppID,
				TenantID: *mqttTenantID,
				APIKey:   *mqttAPIKey,
				ClientID: fmt.Sprintf("%s-%d", appName, os.Getpid()),
			}, func(ctx context.Context, msg *ttn.UplinkMessage) {
				if _, err := s.HandleUplink(ctx, msg.Uplink("")); err != nil {
					level.Error(logger).Log("msg", "can't handle uplink", "device_id", msg.EndDeviceIDs.DeviceID, "error", err)
				}
			})
			defer sub.Disconnect()

			if err := sub.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				level.Error(logger).Log("msg", "can't connect to TTN", "error", err)
				return err
			}
			<-ctx.Done()
			return nil
		})
	}

	select {
	case <-interrupt:
		cancel()
		break
	case <-ctx.Done():
		break
	}

	level.Warn(logger).Log("msg", "received shutdown signal")

	healthServer.SetServingStatus(fmt.Sprintf("grpc.health.v1.%s", appName), healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		_ = httpMetricsServer.Shutdown(shutdownCtx)
	}

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	err = g.Wait()
	if err != nil {
		level.Error(logger).Log("msg", "server returning an error", "error", err)
		os.Exit(2)
	}
}
