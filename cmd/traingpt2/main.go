package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	gpt2 "github.com/rparang/gpt2-124M"
)

var (
	flagDataDir    string
	flagCheckpoint string
	flagVocab      string
	flagSeed       uint64
	flagWorkers    int
	flagDevice     string

	flagB           int
	flagT           int
	flagTotalBatch  int
	flagMaxLR       float32
	flagMinLR       float32
	flagWarmup      int
	flagMaxSteps    int
	flagEvalEvery   int
	flagEvalBatches int
	flagWeightDecay float32

	flagLayers    int
	flagHeads     int
	flagChannels  int
	flagVocabSize int
	flagMaxSeqLen int

	flagFetchDir string
	flagModelURL string
	flagVocabURL string
)

var rootCmd = &cobra.Command{
	Use:   "traingpt2",
	Short: "Train a GPT-2 model on pre-tokenized shard datasets",
	Long: `traingpt2 trains a decoder-only transformer on token shards, either
from scratch or continuing from a pretrained checkpoint. Workers run in
lock-step and average gradients once per optimizer step.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraining()
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download pretrained GPT-2 weight and vocabulary binaries",
	Long: `fetch downloads the pretrained 124M checkpoint and the binary vocabulary
file into a local directory, from which training can continue with
--checkpoint and --vocab. Files already present and readable are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFetch()
	},
}

func runFetch() error {
	if err := os.MkdirAll(flagFetchDir, 0o755); err != nil {
		return err
	}
	vocabPath := filepath.Join(flagFetchDir, filepath.Base(flagVocabURL))
	if _, err := gpt2.NewTableTokenizer(vocabPath); err != nil {
		fmt.Printf("fetching vocabulary to %s\n", vocabPath)
		if err := gpt2.DownloadFile(vocabPath, flagVocabURL); err != nil {
			return fmt.Errorf("fetching vocabulary: %w", err)
		}
	}
	modelPath := filepath.Join(flagFetchDir, filepath.Base(flagModelURL))
	if _, err := os.Stat(modelPath); err != nil {
		fmt.Printf("fetching checkpoint to %s\n", modelPath)
		if err := gpt2.DownloadFile(modelPath, flagModelURL); err != nil {
			return fmt.Errorf("fetching checkpoint: %w", err)
		}
	}
	fmt.Printf("train with: traingpt2 --checkpoint %s --vocab %s\n", modelPath, vocabPath)
	return nil
}

func newTrainConfig() gpt2.TrainConfig {
	cfg := gpt2.DefaultTrainConfig()
	cfg.B = flagB
	cfg.T = flagT
	cfg.TotalBatchTokens = flagTotalBatch
	cfg.MaxLR = flagMaxLR
	cfg.MinLR = flagMinLR
	cfg.WarmupSteps = flagWarmup
	cfg.MaxSteps = flagMaxSteps
	cfg.EvalEvery = flagEvalEvery
	cfg.EvalBatches = flagEvalBatches
	cfg.WeightDecay = flagWeightDecay
	return cfg
}

func newModel() (*gpt2.GPT2, error) {
	if flagCheckpoint != "" {
		return gpt2.LoadCheckpoint(flagCheckpoint)
	}
	config := gpt2.GPT2Config{
		MaxSeqLen: flagMaxSeqLen,
		V:         flagVocabSize,
		L:         flagLayers,
		NH:        flagHeads,
		C:         flagChannels,
	}
	model, err := gpt2.NewGPT2(config)
	if err != nil {
		return nil, err
	}
	// every worker seeds identically: consensus across workers rests on
	// identical initial parameters and identical updates
	model.InitializeWeights(flagSeed)
	return model, nil
}

func newTokenizer() (gpt2.Tokenizer, error) {
	if flagVocab != "" {
		return gpt2.NewTableTokenizer(flagVocab)
	}
	return gpt2.NewBPETokenizer()
}

func runWorker(comm gpt2.Communicator, cfg gpt2.TrainConfig, tok gpt2.Tokenizer) error {
	run := gpt2.RunContext{Rank: comm.Rank(), WorldSize: comm.WorldSize(), Device: flagDevice}
	model, err := newModel()
	if err != nil {
		return err
	}
	if run.Master() {
		fmt.Print(model)
	}
	trainData, err := gpt2.NewDataLoader(flagDataDir, "train", cfg.B, cfg.T, run.Rank, run.WorldSize)
	if err != nil {
		return err
	}
	valData, err := gpt2.NewDataLoader(flagDataDir, "val", cfg.B, cfg.T, run.Rank, run.WorldSize)
	if err != nil {
		return err
	}
	trainer, err := gpt2.NewTrainer(model, trainData, valData, comm, cfg, run)
	if err != nil {
		return err
	}
	trainer.Tokenizer = tok
	return trainer.Run()
}

func runTraining() error {
	cfg := newTrainConfig()
	tok, err := newTokenizer()
	if err != nil {
		// sampling degrades to raw token ids without a tokenizer
		fmt.Fprintf(os.Stderr, "tokenizer unavailable, samples will print token ids: %v\n", err)
		tok = nil
	}
	if flagWorkers <= 1 {
		return runWorker(gpt2.SingleProcess{}, cfg, tok)
	}
	comms := gpt2.NewLocalGroup(flagWorkers)
	errs := make([]error, flagWorkers)
	var wg sync.WaitGroup
	for i, comm := range comms {
		wg.Add(1)
		go func(i int, comm gpt2.Communicator) {
			defer wg.Done()
			errs[i] = runWorker(comm, cfg, tok)
		}(i, comm)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagDataDir, "data-dir", "data", "directory holding train/val token shards")
	f.StringVar(&flagCheckpoint, "checkpoint", "", "pretrained checkpoint to continue from (fresh init when empty)")
	f.StringVar(&flagVocab, "vocab", "", "binary vocabulary file (GPT-2 BPE when empty)")
	f.Uint64Var(&flagSeed, "seed", 1337, "weight initialization seed")
	f.IntVar(&flagWorkers, "workers", 1, "number of lock-step workers")
	f.StringVar(&flagDevice, "device", "cpu", "compute target identifier")

	f.IntVar(&flagB, "batch-size", 4, "micro batch size B")
	f.IntVar(&flagT, "seq-len", 64, "sequence length T")
	f.IntVar(&flagTotalBatch, "total-batch-tokens", 4*64, "effective batch size in tokens")
	f.Float32Var(&flagMaxLR, "max-lr", 6e-4, "peak learning rate")
	f.Float32Var(&flagMinLR, "min-lr", 6e-5, "floor learning rate")
	f.IntVar(&flagWarmup, "warmup-steps", 10, "linear warmup steps")
	f.IntVar(&flagMaxSteps, "max-steps", 50, "total optimizer steps")
	f.IntVar(&flagEvalEvery, "eval-every", 100, "steps between validation/sampling events")
	f.IntVar(&flagEvalBatches, "eval-batches", 20, "validation batches per event")
	f.Float32Var(&flagWeightDecay, "weight-decay", 0.1, "weight decay on the decayed parameter group")

	f.IntVar(&flagLayers, "layers", 12, "transformer layers")
	f.IntVar(&flagHeads, "heads", 12, "attention heads")
	f.IntVar(&flagChannels, "channels", 768, "embedding width")
	f.IntVar(&flagVocabSize, "vocab-size", 50257, "vocabulary size")
	f.IntVar(&flagMaxSeqLen, "max-seq-len", 1024, "maximum sequence length")

	ff := fetchCmd.Flags()
	ff.StringVar(&flagFetchDir, "out-dir", "data", "directory to place downloaded binaries in")
	ff.StringVar(&flagModelURL, "model-url",
		"https://huggingface.co/datasets/chrisdryden/llmcDatasets/resolve/main/gpt2_124M.bin",
		"pretrained checkpoint URL")
	ff.StringVar(&flagVocabURL, "vocab-url",
		"https://huggingface.co/datasets/chrisdryden/llmcDatasets/resolve/main/gpt2_tokenizer.bin",
		"binary vocabulary URL")
	rootCmd.AddCommand(fetchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
