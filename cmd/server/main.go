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

	"github.com/blues/groupbuy/internal/config"
	"github.com/blues/groupbuy/internal/ethereum"
	"github.com/blues/groupbuy/internal/handler"
	"github.com/blues/groupbuy/internal/lock"
	"github.com/blues/groupbuy/internal/logger"
	"github.com/blues/groupbuy/internal/logic"
	"github.com/blues/groupbuy/internal/model"
	"github.com/blues/groupbuy/internal/monitor"
	"github.com/blues/groupbuy/internal/repository"
	"github.com/blues/groupbuy/internal/router"
	"github.com/blues/groupbuy/internal/task"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "groupbuy",
		Short:         "Group-buy escrow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml)")
	root.AddCommand(serveCmd(), migrateCmd(), productIDCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if _, err := repository.Init(cfg.Database); err != nil {
				return err
			}
			logger.Info("Database migrated")
			return nil
		},
	}
}

func productIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "product-id <description>",
		Short: "Print the product identifier of a description",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), model.ProductID(args[0]).Hex())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// stores 账本与队列的具体实现
type stores struct {
	backend logic.Backend
	payouts task.PayoutQueue
	events  monitor.EventStore
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("Using in-memory store, ledger is lost on restart")
		mem := repository.NewMemoryStore()
		return &stores{backend: mem, payouts: mem, events: mem}, nil
	}

	db, err := repository.Init(cfg.Database)
	if err != nil {
		return nil, err
	}
	return &stores{
		backend: repository.NewDropRepository(db),
		payouts: repository.NewPayoutRepository(db),
		events:  repository.NewEventRepository(db),
	}, nil
}

func openLocker(cfg config.LockConfig) (logic.Locker, error) {
	if cfg.Driver != "redis" {
		return lock.NewLocal(), nil
	}
	client, err := lock.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	return lock.NewRedis(client, cfg.TTL), nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	locker, err := openLocker(cfg.Lock)
	if err != nil {
		return err
	}

	dropLogic := logic.NewDropLogic(st.backend, locker, logic.SystemClock{}, logic.Params{
		Owner:             cfg.Escrow.OwnerAddress(),
		MinFundingWindow:  cfg.Escrow.MinFundingWindow,
		MinOrderingWindow: cfg.Escrow.MinOrderingWindow,
	})

	jobs := []task.Job{task.NewExpirySweepJob(dropLogic, cfg.Task)}
	if cfg.Chain.Enabled {
		client, err := ethereum.Dial(cfg.Chain)
		if err != nil {
			return err
		}
		logger.Info("Escrow account %s on chain %d", client.GetAccountAddress().Hex(), cfg.Chain.ChainId)
		deposits := monitor.NewDepositMonitor(client, st.events, dropLogic, cfg.Chain)
		jobs = append(jobs,
			task.NewPayoutDispatchJob(st.payouts, client, cfg.Task),
			task.NewDepositPollJob(deposits, cfg.Chain.PollInterval),
		)
	} else {
		logger.Warn("Chain disabled, payouts are dry-run only")
		jobs = append(jobs, task.NewPayoutDispatchJob(st.payouts, ethereum.NewDryRunSender(), cfg.Task))
	}

	manager, err := task.NewManager(jobs...)
	if err != nil {
		return err
	}
	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.Setup(handler.NewDropHandler(dropLogic), router.Options{DirectFunding: !cfg.Chain.Enabled}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
