// The judge-worker pops queued submissions and judges them to a
// terminal verdict inside Docker sandboxes. Run several instances for
// parallel judging; the pending claim keeps them from colliding.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openkoi/koi/internal/common/cache"
	"github.com/openkoi/koi/internal/common/db"
	"github.com/openkoi/koi/internal/common/mq"
	"github.com/openkoi/koi/internal/judge/engine"
	judgerepo "github.com/openkoi/koi/internal/judge/repository"
	"github.com/openkoi/koi/internal/judge/sandbox"
	"github.com/openkoi/koi/internal/judge/service"
	problemrepo "github.com/openkoi/koi/internal/problem/repository"
	subrepo "github.com/openkoi/koi/internal/submission/repository"
	"github.com/openkoi/koi/pkg/utils/logger"
)

const defaultConfigPath = "configs/judge_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	workerID := flag.String("worker-id", "", "Worker id used in logs (default worker-<random>)")
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

	id := *workerID
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}

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

	runner, err := sandbox.NewDockerRunner()
	if err != nil {
		logger.Error(context.Background(), "init docker runner failed", zap.Error(err))
		return
	}
	defer func() {
		_ = runner.Close()
	}()
	if err := runner.Ping(context.Background()); err != nil {
		logger.Error(context.Background(), "docker daemon unreachable", zap.Error(err))
		return
	}

	if appCfg.Judge.PrePullImages {
		for _, image := range engine.Images() {
			if err := runner.EnsureImage(context.Background(), image); err != nil {
				logger.Warn(context.Background(), "pre-pull image failed",
					zap.String("image", image), zap.Error(err))
			}
		}
	}

	eng, err := engine.NewEngine(engine.Config{
		Runner:   runner,
		Limits:   engine.LimitsProfile(appCfg.Judge.LimitsProfile),
		WorkRoot: appCfg.Judge.WorkRoot,
	})
	if err != nil {
		logger.Error(context.Background(), "init engine failed", zap.Error(err))
		return
	}

	var events judgerepo.EventPublisher
	if appCfg.Events.Enabled {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		events = judgerepo.NewEventPublisher(producer, appCfg.Events.Topic)
	}

	submissions := subrepo.NewSubmissionRepository(mysqlDB)
	queue := judgerepo.NewJobQueue(redisCache)

	worker, err := service.NewWorker(service.Config{
		ID:            id,
		Queue:         queue,
		StatusChannel: judgerepo.NewStatusChannel(redisCache),
		Submissions:   submissions,
		Problems:      problemrepo.NewProblemRepository(mysqlDB, redisCache),
		Languages:     problemrepo.NewLanguageRepository(mysqlDB),
		TestCases:     problemrepo.NewTestCaseRepository(mysqlDB, redisCache),
		Engine:        eng,
		Events:        events,
		JobTimeout:    appCfg.Judge.JobTimeout,
	})
	if err != nil {
		logger.Error(context.Background(), "init worker failed", zap.Error(err))
		return
	}

	sweeper := service.NewSweeper(submissions, queue, appCfg.Judge.SweepMaxAge, appCfg.Judge.SweepInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if err := worker.Run(ctx); err != nil {
		logger.Error(ctx, "worker stopped with error", zap.Error(err))
	}
	wg.Wait()
}
