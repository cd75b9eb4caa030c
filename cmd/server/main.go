// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/handler"
	"catalog-ingest-go/internal/pipeline"
	"catalog-ingest-go/internal/repository"
	"catalog-ingest-go/internal/service"
	"catalog-ingest-go/pkg/database"
	"catalog-ingest-go/pkg/es"
	"catalog-ingest-go/pkg/kafka"
	"catalog-ingest-go/pkg/log"
	"catalog-ingest-go/pkg/queue"
	"catalog-ingest-go/pkg/storage"
	"catalog-ingest-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "catalog-ingest",
		Short: "零件目录批量导入服务",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.Init(configPath)
			cfg := config.Conf
			log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), true, true)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")

	root.AddCommand(
		&cobra.Command{
			Use:   "api",
			Short: "只启动 HTTP API，接收上传并投递任务",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), true, false)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "只启动 Kafka 消费者与延迟队列转发",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), false, true)
			},
		},
		&cobra.Command{
			Use:   "all",
			Short: "在同一进程中启动 API 与 worker",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), true, true)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "创建或升级数据库表结构",
			RunE: func(cmd *cobra.Command, args []string) error {
				database.InitMySQL(config.Conf.Database.MySQL)
				if err := database.Migrate(database.DB); err != nil {
					return fmt.Errorf("数据库迁移失败: %w", err)
				}
				log.Info("数据库迁移完成")
				return nil
			},
		},
		tokenCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func tokenCommand() *cobra.Command {
	var username, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "为操作员签发 API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Conf
			jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
			tok, err := jwtManager.GenerateToken(username, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "ops", "操作员名称")
	cmd.Flags().StringVar(&role, "role", token.RoleOperator, "角色: OPERATOR 或 ADMIN")
	return cmd
}

// run 初始化依赖并启动所选组件，阻塞直到收到停机信号或某个组件出错。
func run(ctx context.Context, withAPI, withWorker bool) error {
	cfg := config.Conf

	database.InitMySQL(cfg.Database.MySQL)
	if err := database.Migrate(database.DB); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	database.InitRedis(cfg.Database.Redis)

	store, err := storage.NewMinIOStore(ctx, cfg.MinIO)
	if err != nil {
		return fmt.Errorf("MinIO 初始化失败: %w", err)
	}

	producer := kafka.NewProducer(cfg.Kafka)
	defer producer.Close()
	taskQueue := queue.New(database.RDB, producer, cfg.Kafka)

	g, ctx := errgroup.WithContext(ctx)

	if withWorker {
		var matcher pipeline.Matcher
		esClient, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			log.Errorf("Elasticsearch 初始化失败，补全阶段将被跳过: %v", err)
		} else {
			if err := es.EnsureIndex(esClient, cfg.Elasticsearch.IndexName); err != nil {
				log.Warnf("检查商品镜像索引失败: %v", err)
			}
			matcher = es.NewMatcher(esClient, cfg.Elasticsearch.IndexName)
		}

		processor := pipeline.NewProcessor(pipeline.Deps{
			DB:         database.DB,
			Store:      store,
			Queue:      taskQueue,
			Matcher:    matcher,
			Ingest:     cfg.Ingest,
			Enrichment: cfg.Enrichment,
		})
		opts := kafka.ConsumerOptions{ChunkTimeout: cfg.Ingest.ChunkTimeout, RetryBackoff: cfg.Kafka.RetryBackoff}

		g.Go(func() error {
			return kafka.StartConsumer(ctx, cfg.Kafka, opts, processor, taskQueue)
		})
		g.Go(func() error {
			return taskQueue.Pump(ctx)
		})
	}

	if withAPI {
		jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
		uploadService := service.NewUploadService(
			repository.NewUploadRepository(database.DB),
			repository.NewChunkRepository(database.DB),
			store, taskQueue, cfg.Ingest,
		)
		gin.SetMode(cfg.Server.Mode)
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
			Handler: handler.NewRouter(cfg.Server, jwtManager, uploadService),
		}

		g.Go(func() error {
			log.Infof("服务启动于 %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP 服务监听失败: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Info("接收到停机信号，正在关闭 HTTP 服务...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("服务已优雅关闭")
	return err
}
