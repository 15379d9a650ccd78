package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"nano-finetune-go/checkpoint"
	"nano-finetune-go/corpus"
	"nano-finetune-go/gpt2"
	"nano-finetune-go/tensor"
	"nano-finetune-go/tokenizer"
)

// ResumeLatest as Arguments.ResumeFromCheckpoint resumes from the newest
// checkpoint in the output directory
const ResumeLatest = "latest"

// Trainer runs causal language model fine-tuning over a tokenized dataset
type Trainer struct {
	args  *Arguments
	model *gpt2.Model
	tok   tokenizer.Tokenizer
	data  *corpus.Dataset
	optim Optimizer

	sink        checkpoint.Sink
	progressOut io.Writer

	state checkpoint.TrainerState
}

// TrainOutput summarizes a finished Train call
type TrainOutput struct {
	GlobalStep   int
	TrainingLoss float64
	Epoch        float64
	Runtime      time.Duration
}

// TrainerOption is a functional option for Trainer
type TrainerOption func(*Trainer)

// WithSink mirrors every saved checkpoint to sink
func WithSink(sink checkpoint.Sink) TrainerOption {
	return func(t *Trainer) {
		t.sink = sink
	}
}

// WithProgressBar draws a progress bar on w
func WithProgressBar(w io.Writer) TrainerOption {
	return func(t *Trainer) {
		t.progressOut = w
	}
}

// New creates a Trainer. The model is trained in place.
func New(args *Arguments, model *gpt2.Model, tok tokenizer.Tokenizer, data *corpus.Dataset, opts ...TrainerOption) (*Trainer, error) {
	if args == nil {
		return nil, fmt.Errorf("training arguments are required")
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if model == nil || tok == nil {
		return nil, fmt.Errorf("model and tokenizer are required")
	}
	if data == nil || data.Len() == 0 {
		return nil, corpus.ErrEmptyCorpus
	}
	if data.SeqLen > model.Config.NPositions {
		return nil, fmt.Errorf("sequence length %d exceeds n_positions %d", data.SeqLen, model.Config.NPositions)
	}
	if tok.VocabSize() > model.Config.VocabSize {
		return nil, fmt.Errorf("tokenizer vocabulary (%d) larger than model vocabulary (%d)", tok.VocabSize(), model.Config.VocabSize)
	}
	optim, err := newOptimizer(args, model.ParamRanges(), len(model.ParamMemory()))
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		args:  args,
		model: model,
		tok:   tok,
		data:  data,
		optim: optim,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// State returns the progress record of the last Train call
func (t *Trainer) State() checkpoint.TrainerState {
	return t.state
}

// schedule describes how micro-batches group into optimizer steps
type schedule struct {
	microPerEpoch int
	stepsPerEpoch int
	epochs        int
	maxSteps      int
}

func (t *Trainer) schedule() schedule {
	n := t.data.Len()
	bs := t.args.PerDeviceTrainBatchSize
	accum := t.args.GradientAccumulationSteps

	s := schedule{
		microPerEpoch: (n + bs - 1) / bs,
		epochs:        t.args.NumTrainEpochs,
	}
	s.stepsPerEpoch = (s.microPerEpoch + accum - 1) / accum
	if t.args.MaxSteps > 0 {
		s.maxSteps = t.args.MaxSteps
		s.epochs = (s.maxSteps + s.stepsPerEpoch - 1) / s.stepsPerEpoch
	} else {
		s.maxSteps = s.stepsPerEpoch * s.epochs
	}
	return s
}

// Train runs the optimization loop. ctx is checked between micro-batches;
// on cancellation the context error is returned and no checkpoint is written.
func (t *Trainer) Train(ctx context.Context) (*TrainOutput, error) {
	logger := logutil.GetLogger(ctx)
	start := time.Now()
	sched := t.schedule()
	args := t.args

	if err := t.prepareOutputDir(); err != nil {
		return nil, err
	}

	t.state = checkpoint.TrainerState{
		MaxSteps:       sched.maxSteps,
		NumTrainEpochs: sched.epochs,
		TrainBatchSize: args.PerDeviceTrainBatchSize,
		SaveSteps:      args.SaveSteps,
		LoggingSteps:   args.LoggingSteps,
	}
	if args.ResumeFromCheckpoint != "" {
		if err := t.resume(ctx, args.ResumeFromCheckpoint); err != nil {
			return nil, err
		}
	}
	startStep := t.state.GlobalStep

	logger.Info("training started",
		zap.Int("examples", t.data.Len()),
		zap.Int("seq_len", t.data.SeqLen),
		zap.Int("epochs", sched.epochs),
		zap.Int("batch_size", args.PerDeviceTrainBatchSize),
		zap.Int("gradient_accumulation_steps", args.GradientAccumulationSteps),
		zap.Int("steps_per_epoch", sched.stepsPerEpoch),
		zap.Int("max_steps", sched.maxSteps),
		zap.Int("start_step", startStep),
		zap.Int("parameters", t.model.NumParameters()),
		zap.String("optim", t.optim.Name()),
	)

	var bar *progressbar.ProgressBar
	if t.progressOut != nil {
		bar = progressbar.NewOptions(sched.maxSteps,
			progressbar.OptionSetWriter(t.progressOut),
			progressbar.OptionSetDescription("Training"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		_ = bar.Set(startStep)
	}

	params, grads := t.model.ParamMemory(), t.model.GradMemory()
	t.model.ZeroGrad()

	var (
		totalLoss    float64
		lossSinceLog float64
		stepsSince   int
		lastNorm     float64
	)
	global := startStep
	resumeEpoch := startStep / max(1, sched.stepsPerEpoch)

	for epoch := resumeEpoch; epoch < sched.epochs && global < sched.maxSteps; epoch++ {
		order := rand.New(rand.NewSource(args.Seed + int64(epoch))).Perm(t.data.Len())
		firstStep := 0
		if epoch == resumeEpoch {
			firstStep = startStep % sched.stepsPerEpoch
		}

		for s := firstStep; s < sched.stepsPerEpoch && global < sched.maxSteps; s++ {
			lo := s * args.GradientAccumulationSteps
			hi := min(lo+args.GradientAccumulationSteps, sched.microPerEpoch)
			window := hi - lo

			stepLoss := 0.0
			for mb := lo; mb < hi; mb++ {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				idx := order[mb*args.PerDeviceTrainBatchSize : min((mb+1)*args.PerDeviceTrainBatchSize, len(order))]
				loss, err := t.microStep(idx, 1/float32(window))
				if err != nil {
					return nil, fmt.Errorf("step %d: %w", global+1, err)
				}
				stepLoss += float64(loss) / float64(window)
			}

			lastNorm = clipGradNorm(grads, args.MaxGradNorm)
			lr := linearSchedule(args.LearningRate, global, args.WarmupSteps, sched.maxSteps)
			t.optim.Step(params, grads, lr)
			t.model.ZeroGrad()
			global++

			totalLoss += stepLoss
			lossSinceLog += stepLoss
			stepsSince++

			t.state.GlobalStep = global
			t.state.Epoch = float64(epoch) + float64(s+1)/float64(sched.stepsPerEpoch)

			if args.LoggingSteps > 0 && global%args.LoggingSteps == 0 {
				entry := checkpoint.LogEntry{
					Step:         global,
					Epoch:        t.state.Epoch,
					Loss:         lossSinceLog / float64(stepsSince),
					LearningRate: lr,
					GradNorm:     lastNorm,
				}
				t.state.LogHistory = append(t.state.LogHistory, entry)
				logger.Info("train step",
					zap.Int("step", entry.Step),
					zap.Float64("epoch", entry.Epoch),
					zap.Float64("loss", entry.Loss),
					zap.Float64("learning_rate", entry.LearningRate),
					zap.Float64("grad_norm", entry.GradNorm),
				)
				lossSinceLog, stepsSince = 0, 0
			}

			if args.SaveSteps > 0 && global%args.SaveSteps == 0 {
				if err := t.saveCheckpoint(ctx, global); err != nil {
					return nil, err
				}
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	out := &TrainOutput{
		GlobalStep: global,
		Epoch:      t.state.Epoch,
		Runtime:    time.Since(start),
	}
	if done := global - startStep; done > 0 {
		out.TrainingLoss = totalLoss / float64(done)
	}
	logger.Info("training finished",
		zap.Int("global_step", out.GlobalStep),
		zap.Float64("train_loss", out.TrainingLoss),
		zap.Float64("epoch", out.Epoch),
		zap.Duration("runtime", out.Runtime),
	)
	return out, nil
}

// microStep runs forward and backward over the examples at idx and returns
// the unscaled mean loss
func (t *Trainer) microStep(idx []int, scale float32) (float32, error) {
	T := t.data.SeqLen
	B := len(idx)
	inputs := make([]int, 0, B*T)
	targets := make([]int, 0, B*T)
	mask := make([]int, 0, B*T)
	for _, i := range idx {
		ex := t.data.Examples[i]
		inputs = append(inputs, ex.InputIDs...)
		targets = append(targets, ex.Targets()...)
		mask = append(mask, ex.AttentionMask...)
	}
	loss, err := t.model.Forward(inputs, targets, mask, B, T)
	if err != nil {
		return 0, err
	}
	if err := t.model.Backward(scale); err != nil {
		return 0, err
	}
	return loss, nil
}

func (t *Trainer) dtype() string {
	if t.args.FP16 {
		return tensor.DtypeF16
	}
	return tensor.DtypeF32
}

func (t *Trainer) prepareOutputDir() error {
	dir := t.args.OutputDir
	if !t.args.OverwriteOutputDir && t.args.ResumeFromCheckpoint == "" {
		existing, err := checkpoint.List(dir)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("output directory %s already contains %d checkpoints; enable overwrite_output_dir or resume_from_checkpoint", dir, len(existing))
		}
	}
	return os.MkdirAll(dir, 0o755)
}

func (t *Trainer) saveCheckpoint(ctx context.Context, step int) error {
	logger := logutil.GetLogger(ctx)
	dir := filepath.Join(t.args.OutputDir, checkpoint.DirName(step))
	optState := t.optim.State()
	if t.args.FP16 {
		// model.safetensors is rounded to float16; keep the float32 master
		// copy next to the moments so resuming continues the same run
		params := t.model.ParamMemory()
		optState[stateMasterParams] = tensor.FromSlice(params, len(params))
	}
	err := checkpoint.Save(dir, t.model, t.tok, checkpoint.SaveOptions{
		Dtype:     t.dtype(),
		State:     &t.state,
		Args:      t.args,
		Optimizer: optState,
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", dir, err)
	}
	logger.Info("checkpoint saved", zap.String("dir", dir), zap.Int("step", step))

	removed, err := checkpoint.Rotate(t.args.OutputDir, t.args.SaveTotalLimit)
	if err != nil {
		return err
	}
	for _, r := range removed {
		logger.Info("checkpoint removed", zap.String("dir", r))
	}

	if t.sink != nil {
		if err := checkpoint.Mirror(ctx, t.sink, dir); err != nil {
			logger.Warn("checkpoint mirror failed", zap.String("sink", t.sink.Type()), zap.String("dir", dir), zap.Error(err))
		} else {
			logger.Info("checkpoint mirrored", zap.String("sink", t.sink.Type()), zap.String("dir", dir))
		}
	}
	return nil
}

// resume restores weights, optimizer moments and progress from dir
func (t *Trainer) resume(ctx context.Context, dir string) error {
	if dir == ResumeLatest {
		info, err := checkpoint.Latest(t.args.OutputDir)
		if err != nil {
			return err
		}
		dir = info.Dir
	}
	if err := checkpoint.VerifyManifest(dir); err != nil {
		return err
	}
	st, err := checkpoint.LoadState(dir)
	if err != nil {
		return fmt.Errorf("resume from %s: %w", dir, err)
	}
	model, err := checkpoint.LoadModel(dir)
	if err != nil {
		return fmt.Errorf("resume from %s: %w", dir, err)
	}
	if len(model.ParamMemory()) != len(t.model.ParamMemory()) {
		return fmt.Errorf("resume from %s: checkpoint has %d parameters, model has %d", dir, len(model.ParamMemory()), len(t.model.ParamMemory()))
	}
	copy(t.model.ParamMemory(), model.ParamMemory())

	optState, err := checkpoint.LoadOptimizer(dir)
	switch {
	case err == nil:
		if err := t.optim.LoadState(optState); err != nil {
			return fmt.Errorf("resume from %s: %w", dir, err)
		}
		if master, ok := optState[stateMasterParams]; ok {
			params := t.model.ParamMemory()
			if master.Size() != len(params) {
				return fmt.Errorf("resume from %s: %s has %d values, model has %d", dir, stateMasterParams, master.Size(), len(params))
			}
			copy(params, master.Data)
		}
	case errors.Is(err, fs.ErrNotExist):
		logutil.GetLogger(ctx).Warn("no optimizer state in checkpoint, moments start from zero", zap.String("dir", dir))
	default:
		return fmt.Errorf("resume from %s: %w", dir, err)
	}

	t.state.GlobalStep = st.GlobalStep
	t.state.Epoch = st.Epoch
	t.state.LogHistory = st.LogHistory
	logutil.GetLogger(ctx).Info("resuming from checkpoint", zap.String("dir", dir), zap.Int("global_step", st.GlobalStep))
	return nil
}

// SaveModel writes the trained model and tokenizer to dir
func (t *Trainer) SaveModel(dir string) error {
	return checkpoint.Save(dir, t.model, t.tok, checkpoint.SaveOptions{Dtype: t.dtype()})
}
