package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crowdbank-realtime/internal/config"
	"crowdbank-realtime/internal/database"
	"crowdbank-realtime/internal/domain"
	callHandler "crowdbank-realtime/internal/handler/http/call"
	chatHandler "crowdbank-realtime/internal/handler/http/chat"
	"crowdbank-realtime/internal/media/webrtc"
	"crowdbank-realtime/internal/middleware"
	"crowdbank-realtime/internal/repository/memory"
	redisRepo "crowdbank-realtime/internal/repository/redis"
	"crowdbank-realtime/internal/repository/rest"
	"crowdbank-realtime/internal/service/call"
	"crowdbank-realtime/internal/service/chat"
	"crowdbank-realtime/internal/service/device"
	"crowdbank-realtime/internal/signaling"
	"crowdbank-realtime/pkg/constants"
	"crowdbank-realtime/pkg/logger"
	"crowdbank-realtime/pkg/metrics"
)

const serviceName = "call-agent"

// stateStore is satisfied by both local state backends
type stateStore interface {
	call.StateStore
	device.Store
}

func main() {
	logger.InitDefault()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Initialize Metrics
	appMetrics := metrics.NewMetrics(serviceName)

	// 3. Local call state (Redis when configured, memory otherwise)
	store, closeStore := openStateStore(ctx, cfg, appMetrics)
	defer closeStore()

	// 4. Backend REST client
	api := rest.NewClient(rest.Config{
		BaseURL:     cfg.APIURL,
		AccessToken: cfg.AccessToken,
		Metrics:     appMetrics,
	})

	// 5. Media engine, capture devices and recorder
	engine, err := webrtc.NewEngine(webrtc.Config{
		BaseURL:    cfg.MediaURL,
		ICEServers: cfg.ICEServers,
	})
	if err != nil {
		logger.Fatal("Failed to create media engine", zap.Error(err))
	}
	devices := webrtc.FileDevices{
		MicrophonePath: cfg.MicFile,
		CameraPath:     cfg.CameraFile,
	}

	// 6. Call service. Call signals travel on the room channel, so every new
	// session keeps its room connected.
	var chatSvc *chat.Service
	callSvc := call.NewService(call.Config{
		SelfID:         domain.ID(cfg.SelfUserID),
		RingTimeout:    cfg.RingTimeout,
		NotifyTimeout:  cfg.NotifyTimeout,
		RequireGesture: cfg.RequireGesture,
	}, api, engine, devices, store, appMetrics, call.WithRoomWatcher(func(roomID domain.ID) {
		if chatSvc == nil {
			return
		}
		if err := chatSvc.Join(roomID); err != nil {
			logger.Warn("Failed to connect call room", zap.String("room_id", roomID.String()), zap.Error(err))
		}
	}))
	defer callSvc.Close()

	var recorder *webrtc.Recorder
	if cfg.RecordDir != "" {
		recorder, err = webrtc.NewRecorder(cfg.RecordDir)
		if err != nil {
			logger.Fatal("Failed to create recorder", zap.Error(err))
		}
		callSvc.SetRenderTarget(recorder)
	}

	// 7. Chat service (room channels also carry call signals)
	sigOpts := []signaling.Option{
		signaling.WithMetrics(appMetrics),
		signaling.WithPingInterval(cfg.PingInterval),
		signaling.WithBackoff(signaling.ExponentialBackoff{
			Base:        cfg.ReconnectBase,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.ReconnectAttempts,
		}),
	}
	chatSvc = chat.NewService(chat.NewRoomDialer(cfg.WSURL, cfg.AccessToken, sigOpts...), api, callSvc, appMetrics)
	defer chatSvc.Close()

	// 8. Device session and the per-user channel
	deviceSvc := device.NewService(device.Config{
		DeviceID:     cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		RefreshToken: cfg.RefreshToken,
	}, api, store, device.Hooks{
		EndCall: func(ctx context.Context) error {
			_, err := callSvc.EndCall(ctx)
			return err
		},
		DisconnectRooms: chatSvc.LeaveAll,
	})
	if cfg.RefreshToken != "" {
		if err := deviceSvc.Register(ctx); err != nil {
			logger.Warn("Device registration failed", zap.Error(err))
		}
	} else if _, err := deviceSvc.ResolveID(ctx); err != nil {
		logger.Warn("Failed to resolve device id", zap.Error(err))
	}

	userClient := signaling.NewUserClient(cfg.WSURL, cfg.AccessToken, signaling.UserHandlers{
		OnDeviceTerminated: deviceSvc.HandleTerminated,
	}, signaling.WithMetrics(appMetrics), signaling.WithPingInterval(cfg.PingInterval))
	userClient.Connect()
	defer userClient.Disconnect()

	// 9. Restore a call that was in progress before restart
	rehydrateCtx, cancel := context.WithTimeout(ctx, constants.DefaultTimeout)
	if err := callSvc.Rehydrate(rehydrateCtx); err != nil {
		logger.Warn("Could not restore active call", zap.Error(err))
	}
	cancel()

	// 10. Setup Gin Router
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to set trusted proxies", zap.Error(err))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.ControlOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.HealthCheck(serviceName))

	router.GET(middleware.MetricsPath, middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.ControlAuth(cfg.ControlToken))
	callHandler.NewHandler(callSvc).RegisterRoutes(v1)
	chatHandler.NewHandler(chatSvc).RegisterRoutes(v1)

	// 11. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ControlPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Call agent control API starting",
			zap.Int("port", cfg.ControlPort),
			zap.String("self_user_id", cfg.SelfUserID),
			logger.URL("ws_url", cfg.WSURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 12. Graceful shutdown on signal or remote logout
	select {
	case <-ctx.Done():
		logger.Info("Shutting down call agent")
		endCtx, cancel := context.WithTimeout(context.Background(), constants.NotifyTimeout)
		if _, err := callSvc.EndCall(endCtx); err != nil {
			logger.Warn("Failed to end call on shutdown", zap.Error(err))
		}
		cancel()
	case <-deviceSvc.Done():
		logger.Warn("Device session ended remotely, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if recorder != nil {
		recorder.Wait()
	}
	logger.Info("Call agent exited")
}

func openStateStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (stateStore, func()) {
	if cfg.StateBackend != "redis" {
		return memory.NewStateRepository(constants.CallStateTTL), func() {}
	}

	redisDB, err := database.NewRedisDB(ctx, &database.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 4,
		Timeout:  5 * time.Second,
	}, m)
	if err != nil {
		logger.Warn("Redis unavailable, keeping call state in memory", zap.Error(err))
		return memory.NewStateRepository(constants.CallStateTTL), func() {}
	}
	redisDB.StartHealthCheck(ctx, 10*time.Second)
	logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr()))

	return redisRepo.NewStateRepository(redisDB, cfg.SelfUserID, constants.CallStateTTL), func() {
		_ = redisDB.Close()
	}
}
