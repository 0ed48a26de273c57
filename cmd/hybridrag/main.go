// =============================================================================
// HybridRAG 主入口
// =============================================================================
// 使用方法:
//
//	hybridrag serve                           # 启动 API 服务
//	hybridrag serve --config config.yaml      # 指定配置文件
//	hybridrag ingest --dir docs/ --clean      # 摄取目录下的文档
//	hybridrag migrate up                      # 运行数据库迁移
//	hybridrag migrate status                  # 查看迁移状态
//	hybridrag health --addr http://localhost:8058
//	hybridrag version
// =============================================================================

// @title HybridRAG API
// @version 1.0.0
// @description Hybrid retrieval-augmented generation over a vector store and a knowledge graph.
// @description OpenAI-compatible chat completions with SSE streaming.
// @BasePath /
// @schemes http https

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// configPath 所有子命令共享的 --config
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hybridrag",
		Short: "Hybrid vector + knowledge-graph RAG service",
		Long: `hybridrag ingests documents into a vector store and a knowledge graph and
answers questions over both through an OpenAI-compatible HTTP API.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	root.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newMigrateCmd(),
		newHealthCmd(),
		newVersionCmd(),
	)
	return root
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting HybridRAG",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	tp, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv := NewServer(cfg, metrics.NewCollector("hybridrag", logger), tp, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		srv.Shutdown()
		return err
	}
	srv.WaitForShutdown()

	logger.Info("HybridRAG stopped")
	return nil
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func newHealthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				port := 8058
				if cfg, err := loadConfig(configPath); err == nil {
					port = cfg.Server.HTTPPort
				}
				addr = fmt.Sprintf("http://localhost:%d", port)
			}
			return checkHealth(cmd.Context(), addr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	return cmd
}

func checkHealth(ctx context.Context, addr string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fmt.Fprintln(out, string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// 📋 version 命令
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "HybridRAG %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}

// signalContext 在收到 SIGINT/SIGTERM 时取消，用于一次性命令
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
