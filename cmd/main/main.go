package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"

	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/instill-ai/landmark-backend/config"
	"github.com/instill-ai/landmark-backend/pkg/constant"
	"github.com/instill-ai/landmark-backend/pkg/datamodel"
	"github.com/instill-ai/landmark-backend/pkg/handler"
	"github.com/instill-ai/landmark-backend/pkg/inference"
	"github.com/instill-ai/landmark-backend/pkg/middleware"
	"github.com/instill-ai/landmark-backend/pkg/minio"
	"github.com/instill-ai/landmark-backend/pkg/model"
	"github.com/instill-ai/landmark-backend/pkg/recorder"
	"github.com/instill-ai/landmark-backend/pkg/service"

	httpclient "github.com/instill-ai/landmark-backend/pkg/client/http"
	custom_logger "github.com/instill-ai/landmark-backend/pkg/logger"
	custom_otel "github.com/instill-ai/landmark-backend/pkg/logger/otel"
)

func main() {

	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, _ := custom_logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()
	grpc_zap.ReplaceGrpcLoggerV2(logger)

	datamodel.InitJSONSchema(ctx)

	if config.Config.OTELCollector.Enable {
		mp, err := custom_otel.SetupMetrics(ctx, constant.ServiceName)
		if err != nil {
			logger.Fatal(err.Error())
		}
		defer func() {
			_ = mp.Shutdown(ctx)
		}()
	}
	meter := otel.Meter(constant.ServiceName)

	var store minio.MinioI
	if config.Config.Minio.Enabled {
		mc, err := minio.NewMinioClient(ctx, &config.Config.Minio)
		if err != nil {
			logger.Error("unable to reach the artifact store, using local artifacts", zap.Error(err))
		} else {
			store = mc
		}
	}
	checkpointPath, table := loadArtifacts(ctx, logger, store, config.Config.Model, config.Config.Minio.CacheDir)

	var redisClient *redis.Client
	if config.Config.Cache.Redis.Enabled {
		redisClient = redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
		defer redisClient.Close()
	}

	var pretrained model.PretrainedSource
	if config.Config.Model.Pretrained.URL != "" {
		pretrained = model.NewRemotePretrained(
			config.Config.Model.Pretrained.URL,
			config.Config.Model.Pretrained.Timeout,
			redisClient,
			config.Config.Model.Pretrained.CacheTTL)
	}

	numClasses := config.Config.Model.NumClasses
	if numClasses == 0 {
		numClasses = table.Len()
	}
	if table.Len() > 0 && table.Len() != numClasses {
		logger.Warn("label count differs from the classifier width",
			zap.Int("labels", table.Len()),
			zap.Int("classes", numClasses))
	}

	state, _ := model.Init(ctx, model.InitOptions{
		Build: model.BuildOptions{
			Backbone:   config.Config.Model.Backbone,
			NumClasses: numClasses,
			Seed:       config.Config.Model.Seed,
			Pretrained: pretrained,
			ONNX: model.ONNXOptions{
				Path:          config.Config.Model.ONNX.Path,
				SharedLibrary: config.Config.Model.ONNX.SharedLibrary,
				FeatureWidth:  config.Config.Model.ONNX.FeatureWidth,
				InputName:     config.Config.Model.ONNX.InputName,
				OutputName:    config.Config.Model.ONNX.OutputName,
			},
		},
		Checkpoint: checkpointPath,
		Device:     config.Config.Model.Device,
	})

	var classifier service.Classifier
	if state != nil {
		defer state.Close()
		classifier = inference.NewEngine(state)
		logger.Info("model ready",
			zap.String("backbone", state.BackboneName()),
			zap.String("device", string(state.Device())),
			zap.Int("classes", state.NumClasses()))
	} else {
		logger.Error("model unavailable, serving in degraded mode")
	}

	rec := recorder.NewNoopRecorder()
	if config.Config.InfluxDB.Enabled {
		rec = recorder.NewInfluxRecorder(ctx, config.Config.InfluxDB)
	}
	defer rec.Close()

	fetcher := httpclient.NewImageClient(ctx,
		config.Config.Server.Fetch.Timeout,
		int64(config.Config.Server.Fetch.MaxDataSize)<<20)

	svc, err := service.NewService(classifier, fetcher, table, rec, meter,
		service.WithMaxPixels(config.Config.Server.Fetch.MaxPixels))
	if err != nil {
		logger.Fatal(err.Error())
	}

	// Create tls based credential.
	var creds credentials.TransportCredentials
	if config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "" {
		creds, err = credentials.NewServerTLSFromFile(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key)
		if err != nil {
			logger.Fatal(fmt.Sprintf("failed to create credentials: %v", err))
		}
	}

	grpcS := grpc.NewServer(grpcServerOptions(logger, creds)...)

	healthS := health.NewServer()
	if svc.Ready() {
		healthS.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		healthS.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(grpcS, healthS)

	gwS := runtime.NewServeMux()

	if err := gwS.HandlePath("POST", "/predict", middleware.AppendCustomHeaderMiddleware(svc, handler.HandlePredict)); err != nil {
		logger.Fatal(err.Error())
	}
	if err := gwS.HandlePath("GET", "/health/liveness", middleware.AppendCustomHeaderMiddleware(svc, handler.HandleLiveness)); err != nil {
		logger.Fatal(err.Error())
	}
	if err := gwS.HandlePath("GET", "/health/readiness", middleware.AppendCustomHeaderMiddleware(svc, handler.HandleReadiness)); err != nil {
		logger.Fatal(err.Error())
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%v", config.Config.Server.Port),
		Handler:           grpcHandlerFunc(grpcS, gwS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 5 seconds.
	quitSig := make(chan os.Signal, 1)
	errSig := make(chan error)
	if creds != nil {
		go func() {
			if err := httpServer.ListenAndServeTLS(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key); err != nil {
				errSig <- err
			}
		}()
	} else {
		go func() {
			if err := httpServer.ListenAndServe(); err != nil {
				errSig <- err
			}
		}()
	}
	logger.Info("server is running.", zap.Int("port", config.Config.Server.Port))

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errSig:
		logger.Error(fmt.Sprintf("Fatal error: %v\n", err))
	case <-quitSig:
		logger.Info("Shutting down server...")
		healthS.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
		grpcS.GracefulStop()
	}

}
