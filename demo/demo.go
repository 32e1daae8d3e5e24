// Line recognizer demo: trains the model on synthetic line images and then
// transcribes a few samples it has never seen.
//
// All hyperparameters can be set with --set, e.g.:
//
//	go run ./demo --set="train_steps=5000;embed_dim=128;num_heads=8"
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/hjkornn-phys/linerec"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/linerec", "Directory to hold checkpoints and generated files.")

	flagCharset = flag.String("charset", "abcdefghijklmnopqrstuvwxyz0123456789",
		"Characters the recognizer can emit, one symbol per rune.")
	flagMaxLen = flag.Int("max_len", 12,
		"Maximum output sequence length, including the start and end markers.")
	flagImageHeight = flag.Int("image_height", 32, "Height in pixels of the line images.")
	flagSeed        = flag.Int64("seed", 42, "Seed for weight initialization.")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagSamples   = flag.Int("samples", 8, "Number of validation lines to transcribe and print after training.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
)

// createDefaultContext sets the context with default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	linerec.SetDefaultHyperparameters(ctx)
	ctx.SetParams(map[string]any{
		linerec.ParamTrainSteps:      3000,
		linerec.ParamNumCheckpoints:  3,
		linerec.ParamBatchSize:       32,
		linerec.ParamEvalBatchSize:   128,
		linerec.ParamTrainExamples:   4096,
		linerec.ParamEvalExamples:    512,
		linerec.ParamDataSeed:        42,
		linerec.ParamAugmentTraining: true,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-4,
		optimizers.ParamAdamEpsilon:  1e-7,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	*flagDataDir = fsutil.MustReplaceTildeInDir(*flagDataDir)
	if !fsutil.MustFileExists(*flagDataDir) {
		must.M(os.MkdirAll(*flagDataDir, 0777))
	}

	backend := must.M1(backends.New())
	vocab := must.M1(linerec.BuildVocabulary(*flagCharset))
	cfg := linerec.Config{
		ImageHeight:  *flagImageHeight,
		ImageWidth:   linerec.LineCNNStride * (*flagMaxLen - 2),
		MaxOutputLen: *flagMaxLen,
		Vocab:        vocab,
		InitSeed:     *flagSeed,
	}
	model := must.M1(linerec.New(backend, ctx, cfg))

	model.Train(*flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
	fmt.Printf("Model has %s parameters.\n", humanize.Comma(int64(ctx.NumParameters())))

	if *flagSamples > 0 {
		transcribeSamples(model, cfg)
	}
}

// transcribeSamples renders a handful of fresh lines, never seen in training,
// and prints the model's transcription next to the ground truth.
func transcribeSamples(model *linerec.Model, cfg linerec.Config) {
	ctx := model.Context()
	sampleSeed := int64(context.GetParamOr(ctx, linerec.ParamDataSeed, 42)) + 2
	ds := must.M1(linerec.NewLinesDataset("Samples", cfg.Vocab, cfg.ImageHeight, cfg.ImageWidth,
		cfg.MaxOutputLen, *flagSamples, *flagSamples, sampleSeed))
	_, inputs, _, err := ds.Yield()
	must.M(err)
	images := inputs[0]

	texts := must.M1(model.PredictText(images))
	fmt.Println("\nSample transcriptions:")
	for ii, text := range texts {
		truth := ds.Texts()[ii]
		marker := "✓"
		if text != truth {
			marker = "✗"
		}
		fmt.Printf("  %s %-*s (truth: %s)\n", marker, cfg.MaxOutputLen, text, truth)
	}
}
