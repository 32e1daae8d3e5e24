package linerec

import (
	"fmt"
	"os"
	"time"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// Training hyperparameter keys, read from the context.
const (
	ParamBatchSize       = "batch_size"
	ParamEvalBatchSize   = "eval_batch_size"
	ParamTrainSteps      = "train_steps"
	ParamNumCheckpoints  = "num_checkpoints"
	ParamTrainExamples   = "train_examples"
	ParamEvalExamples    = "eval_examples"
	ParamDataSeed        = "data_seed"
	ParamAugmentTraining = "augment"
)

// ParamsExcludedFromSaving is the list of parameters that shouldn't be saved
// along on the models checkpoints, and may be overwritten in further training
// sessions.
var ParamsExcludedFromSaving = []string{
	ParamTrainSteps, ParamNumCheckpoints,
}

// TrainModelFn returns the graph building function used by train.Trainer.
// It takes the line images and the teacher-forced token sequences as inputs
// and outputs the decoder logits shaped [batch, maxOutputLen, numClasses],
// which pairs with losses.SparseCategoricalCrossEntropyLogits and the sparse
// categorical accuracy metrics.
func (m *Model) TrainModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		images, tokens := inputs[0], inputs[1]
		memory := m.EncodeGraph(ctx, images)
		return []*Node{m.DecodeGraph(ctx, memory, tokens)}
	}
}

// CreateDatasets builds the training and evaluation datasets for the model's
// configuration, using the sizes, seed and augmentation set in ctx.
// The evaluation dataset uses a different seed, so its lines are (with
// overwhelming probability) never seen in training.
func CreateDatasets(ctx *context.Context, cfg Config) (trainDS, trainEvalDS, testEvalDS train.Dataset) {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		Panicf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	numTrain := context.GetParamOr(ctx, ParamTrainExamples, 4096)
	numEval := context.GetParamOr(ctx, ParamEvalExamples, 512)
	seed := int64(context.GetParamOr(ctx, ParamDataSeed, 42))
	augment := context.GetParamOr(ctx, ParamAugmentTraining, true)

	newDS := func(name string, numExamples, batchSize int, seed int64) *LinesDataset {
		return must.M1(NewLinesDataset(name, cfg.Vocab, cfg.ImageHeight, cfg.ImageWidth,
			cfg.MaxOutputLen, numExamples, batchSize, seed))
	}
	trainDS = newDS("Training", numTrain, batchSize, seed).Infinite(true).WithAugmentation(augment)
	trainEvalDS = newDS("TrainEval", numEval, evalBatchSize, seed)
	testEvalDS = newDS("Validation", numEval, evalBatchSize, seed+1)
	return
}

// Train runs the training loop for the model, with hyperparameters given in
// its context. If checkpointPath is not empty, checkpoints are saved under it
// (relative paths land inside dataDir), and training resumes from the saved
// global step. paramsSet lists the hyperparameters set on the command line,
// which are then excluded from checkpoint saving.
func (m *Model) Train(dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	ctx := m.Context()
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", m.backend.Name(), m.backend.Description())
	}

	trainDS, trainEvalDS, testEvalDS := CreateDatasets(ctx, m.cfg)

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Per-token accuracy, counting only non-padding positions thanks to the
	// mask the datasets yield alongside the labels.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(m.backend, ctx, m.TrainModelFn(),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Loop for given number of steps, resuming from the checkpointed global
	// step if any.
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		klog.Infof("target train_steps=%d already reached at global step %d; to train further, set a larger value",
			numTrainSteps, globalStep)
	}

	// Finally, print an evaluation on train and test datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, testEvalDS, trainEvalDS))
	}
}
