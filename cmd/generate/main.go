package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/StoneLin0708/language-model-playground/config"
	"github.com/StoneLin0708/language-model-playground/core/executor"
	"github.com/StoneLin0708/language-model-playground/storage"
)

func main() {
	experiment := flag.String("experiment", "", "experiment name under DATA_PATH")
	dir := flag.String("dir", "", "checkpoint directory, overrides --experiment")
	checkpoint := flag.Int("checkpoint", -1, "checkpoint step, -1 for the latest valid one")
	prompt := flag.String("prompt", "", "text to continue")
	maxLen := flag.Int("max-len", 64, "maximum number of tokens including the prompt")
	flag.Parse()

	cfg := config.Load()
	logger := cfg.NewLogger()

	ckptDir := *dir
	if ckptDir == "" {
		if *experiment == "" {
			fmt.Fprintln(os.Stderr, "usage: generate --experiment name|--dir path [--checkpoint step] [--prompt text]")
			os.Exit(2)
		}
		ckptDir = cfg.ExperimentDir(*experiment)
	}

	text, step, err := executor.Generate(storage.NewCheckpointStore(), ckptDir, *checkpoint, *prompt, *maxLen)
	if err != nil {
		logger.Error("generation failed", "dir", ckptDir, "error", err)
		os.Exit(1)
	}

	logger.Debug("generated", "dir", ckptDir, "step", step)
	fmt.Println(text)
}
