package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/CTAG07/Sundew/pkg/service"
	"github.com/spf13/cobra"
)

var (
	trainFile      string
	trainBlockSize int
	trainEpochs    int

	genSeed         string
	genLength       int
	genTemperature  float64
	genNeuralWeight float64
	genTopK         int

	evalSims      int
	evalMaxLength int
	evalJSON      bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the model on a text file and wait for it to finish",
	Long: `Train the model on a text file, or on stdin when --file is "-".

The run uses the same pipeline as POST /api/train: the n-gram counts are
updated, the sequence model is trained block by block and a checkpoint is
saved. Progress is printed as it happens.`,
	RunE: runTrain,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate text from the current best checkpoint",
	RunE:  runGenerate,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run a Monte Carlo evaluation of the current model",
	RunE:  runEvaluate,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(evaluateCmd)

	trainCmd.Flags().StringVarP(&trainFile, "file", "f", "-", "Text file to train on (- for stdin)")
	trainCmd.Flags().IntVar(&trainBlockSize, "block-size", 0, "Characters per training block (0 uses the configured default)")
	trainCmd.Flags().IntVar(&trainEpochs, "epochs", 0, "Epochs per block (0 uses the configured default)")

	generateCmd.Flags().StringVarP(&genSeed, "seed", "s", "", "Seed text")
	generateCmd.Flags().IntVarP(&genLength, "length", "n", 0, "Characters to generate (defaults to the configured length)")
	generateCmd.Flags().Float64VarP(&genTemperature, "temperature", "t", 0, "Sampling temperature (0 uses the configured default)")
	generateCmd.Flags().Float64Var(&genNeuralWeight, "neural-weight", -1, "Weight of the sequence model (negative uses the configured default)")
	generateCmd.Flags().IntVar(&genTopK, "top-k", -1, "Keep only the k likeliest characters (negative uses the configured default)")

	evaluateCmd.Flags().IntVar(&evalSims, "sims", 0, "Number of simulations (0 uses the configured default)")
	evaluateCmd.Flags().IntVar(&evalMaxLength, "max-length", 0, "Characters per simulation (0 uses the configured default)")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "Print the full result as JSON")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func runTrain(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	text, err := readInput(trainFile)
	if err != nil {
		return fmt.Errorf("failed to read training text: %w", err)
	}

	e, err := openEnv(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	res, err := e.svc.Train(ctx, text, trainBlockSize, trainEpochs, func(percent int, message string) {
		_, _ = fmt.Fprintf(out, "[%3d%%] %s\n", percent, message)
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "checkpoint %d saved to %s (loss %.4f, %d blocks, %d skipped)\n",
		res.Checkpoint.ID, res.Checkpoint.StoragePath, res.Loss, res.Blocks, res.SkippedBlocks)
	return nil
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEnv(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	req := service.GenerateRequest{Seed: genSeed}
	if cmd.Flags().Changed("length") {
		req.Length = &genLength
	}
	if genTemperature > 0 {
		req.Temperature = &genTemperature
	}
	if genNeuralWeight >= 0 {
		req.NeuralWeight = &genNeuralWeight
	}
	if genTopK >= 0 {
		req.TopK = &genTopK
	}
	text, err := e.svc.Generate(ctx, req)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEnv(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close()

	params := e.svc.Config().Evaluation.Params
	if evalSims > 0 {
		params.NumSimulations = evalSims
	}
	if evalMaxLength > 0 {
		params.MaxLength = evalMaxLength
	}
	res, err := e.svc.Evaluate(ctx, params)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if evalJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, _ = fmt.Fprintf(out, "evaluation %d: %d/%d simulations succeeded\n", res.ID, res.SuccessfulSimulations, res.NumSimulations)
	_, _ = fmt.Fprintf(out, "validity mean %.4f median %.4f stddev %.4f min %.4f max %.4f\n",
		res.MeanValidity, res.MedianValidity, res.StdDeviation, res.MinValidity, res.MaxValidity)
	return nil
}
