// The api-server accepts submissions, serves their status, and hosts
// the live WebSocket viewer, alongside auth and test-data management.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	authcontroller "github.com/openkoi/koi/internal/auth/controller"
	authmw "github.com/openkoi/koi/internal/auth/middleware"
	authrepo "github.com/openkoi/koi/internal/auth/repository"
	authservice "github.com/openkoi/koi/internal/auth/service"
	"github.com/openkoi/koi/internal/common/cache"
	"github.com/openkoi/koi/internal/common/db"
	commonmw "github.com/openkoi/koi/internal/common/http/middleware"
	"github.com/openkoi/koi/internal/common/storage"
	judgerepo "github.com/openkoi/koi/internal/judge/repository"
	problemcontroller "github.com/openkoi/koi/internal/problem/controller"
	problemrepo "github.com/openkoi/koi/internal/problem/repository"
	problemservice "github.com/openkoi/koi/internal/problem/service"
	subcontroller "github.com/openkoi/koi/internal/submission/controller"
	subrepo "github.com/openkoi/koi/internal/submission/repository"
	subservice "github.com/openkoi/koi/internal/submission/service"
	"github.com/openkoi/koi/internal/ws"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
	"github.com/openkoi/koi/pkg/utils/logger"
	"github.com/openkoi/koi/pkg/utils/response"
)

const defaultConfigPath = "configs/api_server.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	tokenManager := authservice.NewTokenManager(
		[]byte(appCfg.Auth.Secret), appCfg.Auth.Issuer, appCfg.Auth.AccessTokenTTL)
	authService := authservice.NewAuthService(
		mysqlDB,
		authrepo.NewUserRepository(mysqlDB, redisCache),
		authrepo.NewTokenRepository(mysqlDB),
		tokenManager,
		redisCache,
		authservice.AuthServiceConfig{RefreshTokenTTL: appCfg.Auth.RefreshTokenTTL},
	)

	problems := problemrepo.NewProblemRepository(mysqlDB, redisCache)
	languages := problemrepo.NewLanguageRepository(mysqlDB)
	testCases := problemrepo.NewTestCaseRepository(mysqlDB, redisCache)
	submissions := subrepo.NewSubmissionRepository(mysqlDB)

	queue := judgerepo.NewJobQueue(redisCache)
	statusChannel := judgerepo.NewStatusChannel(redisCache)

	submissionService, err := subservice.NewSubmissionService(subservice.Config{
		Submissions: submissions,
		Problems:    problems,
		Languages:   languages,
		TestCases:   testCases,
		Queue:       queue,
	})
	if err != nil {
		logger.Error(context.Background(), "init submission service failed", zap.Error(err))
		return
	}

	testDataService := problemservice.NewTestDataService(
		mysqlDB, problems, testCases, objStorage,
		problemservice.TestDataConfig{
			Bucket:           appCfg.TestData.Bucket,
			MaxArchiveBytes:  appCfg.TestData.MaxArchiveBytes,
			MaxUnpackedBytes: appCfg.TestData.MaxUnpackedBytes,
		})

	router := buildRouter(routerDeps{
		verifier:    tokenManager,
		auth:        authcontroller.NewAuthController(authService),
		submissions: subcontroller.NewSubmissionController(submissionService),
		testData:    problemcontroller.NewTestDataController(testDataService),
		languages:   problemcontroller.NewLanguageController(languages),
		gateway:     ws.NewGateway(tokenManager, statusChannel),
		health: func(c *gin.Context) {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := mysqlDB.Ping(ctx); err != nil {
				response.ErrorWithCode(c, pkgerrors.ServiceUnavailable, "database unreachable")
				return
			}
			if err := redisCache.Ping(ctx); err != nil {
				response.ErrorWithCode(c, pkgerrors.ServiceUnavailable, "redis unreachable")
				return
			}
			response.Success(c, gin.H{"status": "ok"})
		},
	})

	httpServer := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "api http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}

type routerDeps struct {
	verifier    authservice.TokenVerifier
	auth        *authcontroller.AuthController
	submissions *subcontroller.SubmissionController
	testData    *problemcontroller.TestDataController
	languages   *problemcontroller.LanguageController
	gateway     *ws.Gateway
	health      gin.HandlerFunc
}

func buildRouter(deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContext())
	router.Use(requestLogger())

	router.GET("/healthz", deps.health)

	auth := router.Group("/api/v1/auth")
	auth.POST("/register", deps.auth.Register)
	auth.POST("/login", deps.auth.Login)
	auth.POST("/refresh", deps.auth.Refresh)
	auth.POST("/logout", deps.auth.Logout)

	submissions := router.Group("/api/v1/submissions")
	submissions.Use(authmw.RequireAuth(deps.verifier))
	submissions.POST("", deps.submissions.Create)
	submissions.GET("", deps.submissions.List)
	submissions.GET("/:id", deps.submissions.Get)

	router.GET("/api/v1/languages", deps.languages.List)

	testdata := router.Group("/api/v1/problems")
	testdata.Use(authmw.RequireAuth(deps.verifier), authmw.RequireRole("admin"))
	testdata.POST("/:id/testdata", deps.testData.Import)

	// The WebSocket handshake carries the token as a query parameter, so
	// the gateway does its own verification.
	router.GET("/ws/submissions/:id", deps.gateway.Watch)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
