package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/logger"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/util"
)

var (
	removeOutput string
	removeMask   bool
	removeTrim   bool
)

var removeCmd = &cobra.Command{
	Use:   "remove <image path or URL>",
	Short: "Remove the background of a single image",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	removeCmd.Flags().StringVarP(&removeOutput, "output", "o", "bgremoved.png", "output PNG path")
	removeCmd.Flags().BoolVar(&removeMask, "mask", false, "write the alpha mask instead of the cut-out")
	removeCmd.Flags().BoolVar(&removeTrim, "trim", false, "crop the result to the subject")
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.Setup(os.Stderr, logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer util.Trace("remove background")()

	ctx := cmd.Context()
	data, err := util.LoadImageBytes(ctx, args[0], cfg.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	remover := rembg.New(newBackend(cfg), removerConfig(cfg), rembg.WithLogger(log))
	// 单次调用不需要预热
	remover.SetReady(true)

	out, err := remover.RemoveBackground(ctx, data, rembg.Options{Mask: removeMask, Trim: removeTrim})
	if err != nil {
		return err
	}
	if err := os.WriteFile(removeOutput, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", removeOutput, err)
	}
	log.Info("done", "input", args[0], "output", removeOutput, "bytes", len(out))
	return nil
}
