package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"nano-finetune-go/checkpoint"
	"nano-finetune-go/config"
	"nano-finetune-go/corpus"
	"nano-finetune-go/trainer"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "finetune",
		Short:        "fine-tune GPT-2 on a directory of text files",
		SilenceUsage: true,
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "run fine-tuning",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadTrain(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTrain(ctx, cfg)
		},
	}
	trainCmd.Flags().StringVar(&configPath, "config", "", "path to config.json, defaults apply when empty")

	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints [output-dir]",
		Short: "list periodic checkpoints",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := trainer.DefaultArguments().OutputDir
			if len(args) == 1 {
				dir = args[0]
			}
			return listCheckpoints(dir)
		},
	}

	rootCmd.AddCommand(trainCmd, checkpointsCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("finetune failed", zap.Error(err))
	}
}

func runTrain(ctx context.Context, cfg *config.TrainConfig) error {
	logger := logutil.GetLogger(ctx)

	logger.Info("reading and processing dataset", zap.String("source_dir", cfg.SourceDir))
	text, err := corpus.Build(ctx, cfg.SourceDir, corpus.WithParallelism(cfg.ReadParallelism))
	if err != nil {
		return err
	}

	base, err := checkpoint.Load(cfg.BaseModel)
	if err != nil {
		return fmt.Errorf("load base model: %w", err)
	}
	model, tok := base.Model, base.Tokenizer

	maxLen := min(cfg.Training.MaxLength, model.Config.NPositions, tok.ModelMaxLength())
	data, err := corpus.Tokenize(text.Lines, tok, maxLen, tok.PadTokenID())
	if err != nil {
		return fmt.Errorf("tokenize corpus: %w", err)
	}
	logger.Info("dataset tokenized", zap.Int("examples", data.Len()), zap.Int("seq_len", data.SeqLen))

	var opts []trainer.TrainerOption
	if cfg.Sink != nil {
		sink, err := checkpoint.NewSink(cfg.Sink.Type, cfg.Sink.Data)
		if err != nil {
			return fmt.Errorf("init checkpoint sink: %w", err)
		}
		opts = append(opts, trainer.WithSink(sink))
	}
	if cfg.Progress {
		opts = append(opts, trainer.WithProgressBar(os.Stderr))
	}

	tr, err := trainer.New(&cfg.Training, model, tok, data, opts...)
	if err != nil {
		return err
	}
	logger.Info("starting training")
	if _, err := tr.Train(ctx); err != nil {
		return err
	}
	if err := tr.SaveModel(cfg.FinalDir); err != nil {
		return fmt.Errorf("save final model: %w", err)
	}
	logger.Info("training complete", zap.String("final_dir", cfg.FinalDir))
	return nil
}

func listCheckpoints(dir string) error {
	infos, err := checkpoint.List(dir)
	if err != nil {
		return err
	}
	var data [][]string
	for _, info := range infos {
		loss := "-"
		if st, err := checkpoint.LoadState(info.Dir); err == nil && len(st.LogHistory) > 0 {
			loss = strconv.FormatFloat(st.LogHistory[len(st.LogHistory)-1].Loss, 'f', 4, 64)
		}
		data = append(data, []string{
			info.Name,
			strconv.Itoa(info.Step),
			humanSize(info.Size),
			loss,
			info.ModTime.Format("2006-01-02 15:04:05"),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "STEP", "SIZE", "LOSS", "MODIFIED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func humanSize(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}
