package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vision-runner/vision-runner/pkg/distribution/transport/parallel"
	"github.com/vision-runner/vision-runner/pkg/distribution/transport/resumable"
	"github.com/vision-runner/vision-runner/pkg/doctor"
	"github.com/vision-runner/vision-runner/pkg/gpuinfo"
	"github.com/vision-runner/vision-runner/pkg/inference"
	"github.com/vision-runner/vision-runner/pkg/inference/backends/ort"
	"github.com/vision-runner/vision-runner/pkg/inference/memory"
	"github.com/vision-runner/vision-runner/pkg/inference/models"
	"github.com/vision-runner/vision-runner/pkg/inference/scheduling"
	"github.com/vision-runner/vision-runner/pkg/metrics"
	"github.com/vision-runner/vision-runner/pkg/predictioncache"
	"github.com/vision-runner/vision-runner/pkg/routing"
	"github.com/vision-runner/vision-runner/pkg/training"
)

var log = logrus.New()

// defaultCacheTTL is the prediction cache TTL when none is configured.
const defaultCacheTTL = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sockName := os.Getenv("VISION_RUNNER_SOCK")
	if sockName == "" {
		sockName = "vision-runner.sock"
	}

	homePath := os.Getenv("VISION_RUNNER_HOME")
	if homePath == "" {
		userHomeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get user home directory: %v", err)
		}
		homePath = filepath.Join(userHomeDir, ".vision-runner")
	}

	if err := os.MkdirAll(homePath, 0o755); err != nil {
		log.Fatalf("Failed to create home directory: %v", err)
	}

	// Mirror logs into a file so that the CLI logs command can read them.
	logFilePath := os.Getenv("VISION_RUNNER_LOG_FILE")
	if logFilePath == "" {
		logFilePath = filepath.Join(homePath, "vision-runner.log")
	}
	if logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
		log.Warnf("Failed to open log file %s: %v", logFilePath, err)
	} else {
		defer logFile.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	}

	var allowedOrigins []string
	if origins := os.Getenv("VISION_RUNNER_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins = append(allowedOrigins, strings.TrimSpace(origin))
		}
	}

	gpuInfo := gpuinfo.New()

	sysMemInfo, err := memory.NewSystemMemoryInfo(log, gpuInfo)
	if err != nil {
		log.Fatalf("unable to initialize system memory info: %v", err)
	}

	memEstimator := memory.NewEstimator(sysMemInfo)

	// Registry transfers ride a parallelized, resumable transport. Large
	// checkpoint blobs download in concurrent byte ranges and survive
	// transient connection drops.
	registryTransport := parallel.New(resumable.New(http.DefaultTransport))

	modelManager, err := models.NewManager(
		log,
		models.ClientConfig{
			StoreRootPath: filepath.Join(homePath, "models"),
			Logger:        log.WithFields(logrus.Fields{"component": "model-manager"}),
			UserAgent:     "vision-runner",
			Transport:     registryTransport,
		},
		allowedOrigins,
		memEstimator,
	)
	if err != nil {
		log.Fatalf("unable to initialize model manager: %v", err)
	}

	var ortBackend inference.Backend
	if os.Getenv("DISABLE_GPU") == "1" {
		log.Info("GPU support disabled")
		ortBackend, err = ort.New(
			log.WithFields(logrus.Fields{"component": ort.Name}),
			modelManager,
			filepath.Join(homePath, "runtime"),
			nil,
		)
	} else {
		ortBackend, err = ort.New(
			log.WithFields(logrus.Fields{"component": ort.Name}),
			modelManager,
			filepath.Join(homePath, "runtime"),
			gpuInfo,
		)
	}
	if err != nil {
		log.Fatalf("unable to initialize %s backend: %v", ort.Name, err)
	}

	memEstimator.SetDefaultBackend(ortBackend)

	scheduler := scheduling.NewScheduler(
		log,
		map[string]inference.Backend{ort.Name: ortBackend},
		ortBackend,
		modelManager,
		http.DefaultClient,
		allowedOrigins,
		metrics.NewTracker(
			http.DefaultClient,
			log.WithField("component", "metrics"),
			"vision-runner",
			os.Getenv("DO_NOT_TRACK") == "1",
		),
		sysMemInfo,
		predictionCacheFromEnv(),
	)

	trainerConfig, err := trainerConfigFromEnv()
	if err != nil {
		log.Fatalf("invalid trainer configuration: %v", err)
	}
	trainingManager, err := training.NewManager(
		log,
		log.WithFields(logrus.Fields{"component": "trainer"}),
		trainerConfig,
		allowedOrigins,
	)
	if err != nil {
		log.Fatalf("unable to initialize training manager: %v", err)
	}
	defer trainingManager.Close()

	hostDoctor := doctor.New(log, gpuInfo, ortBackend.Status)

	router := routing.NewNormalizedServeMux()
	for _, route := range modelManager.GetRoutes() {
		router.Handle(route, modelManager)
	}
	for _, route := range scheduler.GetRoutes() {
		router.Handle(route, scheduler)
	}
	for _, route := range trainingManager.GetRoutes() {
		router.Handle(route, trainingManager)
	}
	router.Handle("GET /status", hostDoctor.Handler())

	if os.Getenv("DISABLE_METRICS") != "1" {
		metricsHandler := metrics.NewAggregatedMetricsHandler(
			log.WithField("component", "metrics"),
			scheduler,
		)
		router.Handle("/metrics", metricsHandler)
		log.Info("Metrics endpoint enabled at /metrics")
	} else {
		log.Info("Metrics endpoint disabled")
	}

	server := &http.Server{Handler: router}
	serverErrors := make(chan error, 1)

	// Listen on a TCP port when configured, a Unix socket otherwise.
	tcpPort := os.Getenv("VISION_RUNNER_PORT")
	if tcpPort != "" {
		addr := ":" + tcpPort
		log.Infof("Listening on TCP port %s", tcpPort)
		server.Addr = addr
		go func() {
			serverErrors <- server.ListenAndServe()
		}()
	} else {
		if err := os.Remove(sockName); err != nil {
			if !os.IsNotExist(err) {
				log.Fatalf("Failed to remove existing socket: %v", err)
			}
		}
		ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockName, Net: "unix"})
		if err != nil {
			log.Fatalf("Failed to listen on socket: %v", err)
		}
		log.Infof("Listening on %s", sockName)
		go func() {
			serverErrors <- server.Serve(ln)
		}()
	}

	schedulerErrors := make(chan error, 1)
	go func() {
		schedulerErrors <- scheduler.Run(ctx)
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Errorf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Infoln("Shutdown signal received")
		log.Infoln("Shutting down the server")
		if err := server.Close(); err != nil {
			log.Errorf("Server shutdown error: %v", err)
		}
		log.Infoln("Waiting for the scheduler to stop")
		if err := <-schedulerErrors; err != nil {
			log.Errorf("Scheduler error: %v", err)
		}
	}
	log.Infoln("Vision Runner stopped")
}

// predictionCacheFromEnv creates a Redis-backed prediction cache when
// VISION_RUNNER_REDIS is set. A nil cache disables caching.
func predictionCacheFromEnv() *predictioncache.Cache {
	addr := os.Getenv("VISION_RUNNER_REDIS")
	if addr == "" {
		return nil
	}
	ttl := defaultCacheTTL
	if rawTTL := os.Getenv("VISION_RUNNER_CACHE_TTL"); rawTTL != "" {
		parsed, err := time.ParseDuration(rawTTL)
		if err != nil {
			log.Fatalf("invalid VISION_RUNNER_CACHE_TTL: %v", err)
		}
		ttl = parsed
	}
	log.Infof("Prediction caching enabled via %s", addr)
	return predictioncache.New(redis.NewClient(&redis.Options{Addr: addr}), ttl, "vision-runner")
}

// trainerConfigFromEnv builds the training configuration from environment
// variables. Training stays disabled when no trainer binary is configured.
func trainerConfigFromEnv() (training.Config, error) {
	config := training.Config{
		MPIRun: os.Getenv("VISION_RUNNER_MPIRUN"),
		Binary: os.Getenv("VISION_RUNNER_TRAINER"),
		LogDir: os.Getenv("VISION_RUNNER_TRAINER_LOG_DIR"),
	}
	if rawArgs := os.Getenv("VISION_RUNNER_TRAINER_ARGS"); rawArgs != "" {
		args, err := shellwords.Parse(rawArgs)
		if err != nil {
			return training.Config{}, fmt.Errorf("invalid VISION_RUNNER_TRAINER_ARGS: %w", err)
		}
		if err := training.ValidateExtraArgs(args); err != nil {
			return training.Config{}, fmt.Errorf("invalid VISION_RUNNER_TRAINER_ARGS: %w", err)
		}
		config.ExtraArgs = args
	}
	return config, nil
}
