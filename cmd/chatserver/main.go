package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"nano-finetune-go/config"
	"nano-finetune-go/llm"
	"nano-finetune-go/server"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "chatserver",
		Short:        "serve a fine-tuned GPT-2 checkpoint behind a chat page",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json, defaults apply when empty")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	askCmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "generate one reply and print it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			gen, err := newGenerator(ctx, cfg)
			if err != nil {
				return err
			}
			text, err := gen.Generate(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, askCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("chatserver failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.ServeConfig, error) {
	cfg, err := config.LoadServe(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

func newGenerator(ctx context.Context, cfg *config.ServeConfig) (*llm.Generator, error) {
	opts := []llm.Option{
		llm.WithSamplingParams(cfg.SamplingParams()),
		llm.WithStripPrompt(cfg.StripPrompt),
	}
	if cfg.Seed != 0 {
		opts = append(opts, llm.WithSeed(cfg.Seed))
	}
	gen, err := llm.Load(ctx, cfg.ModelPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", cfg.ModelPath, err)
	}
	return gen, nil
}

func runServer(ctx context.Context, cfg *config.ServeConfig) error {
	gin.SetMode(gin.ReleaseMode)
	gen, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	srv, err := server.New(gen,
		server.WithAddr(cfg.Addr()),
		server.WithParallel(cfg.Parallel),
		server.WithModelInfo(gen.Info()),
	)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
