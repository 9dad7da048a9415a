package commands

import (
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heimdex/avatar-agent/internal/dataset"
	"github.com/heimdex/avatar-agent/internal/framestore"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Build and sample lip-sync training data",
}

var datasetBuildCmd = &cobra.Command{
	Use:   "build <videos-dir>",
	Short: "Extract face crops and per-frame audio features from videos",
	Long: `Extract face crops and per-frame audio features from every .mp4 in a
directory. The corpus is written as <out>/images/<video>/%08d.png and
<out>/audios/<video>/%08d.npy, followed by train.json and test.json
manifests.

Example:
  avatar-agent dataset build ~/raw --out ~/corpus --test-fraction 0.05`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return fmt.Errorf("--out is required")
		}
		testFraction, _ := cmd.Flags().GetFloat64("test-fraction")
		if testFraction < 0 || testFraction >= 1 {
			return fmt.Errorf("--test-fraction must be in [0, 1)")
		}

		cfg, logger, err := loadConfig(false)
		if err != nil {
			return err
		}
		s, err := newStack(cfg, logger)
		if err != nil {
			return err
		}
		defer s.close()
		if s.workers == nil {
			return errNoWorkers
		}

		layout := framestore.CorpusLayout{
			ImagesDir: filepath.Join(out, "images"),
			AudiosDir: filepath.Join(out, "audios"),
		}
		fixed, _ := cmd.Flags().GetBool("fixed-face")
		b := &dataset.Builder{
			Layout:     layout,
			Media:      s.ffmpeg,
			Detector:   s.workers,
			Extractor:  s.extractor,
			FixedFace:  fixed,
			FPS:        cfg.FPS(),
			Workers:    cfg.Workers(),
			ScratchDir: os.TempDir(),
			Logger:     logger,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pr := newProgress(cmd.ErrOrStderr())
		b.Track = pr.track
		_, failed, err := b.ProcessDir(ctx, args[0])
		pr.wait(err == nil)
		if err != nil {
			return err
		}

		entries, err := dataset.LoadCorpus(layout, logger)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return dataset.ErrEmptyCorpus
		}
		seed, _ := cmd.Flags().GetUint64("seed")
		train, test := dataset.Split(entries, testFraction, rand.New(rand.NewPCG(seed, seed)))
		if err := dataset.WriteManifest(filepath.Join(out, "train.json"), train); err != nil {
			return err
		}
		if err := dataset.WriteManifest(filepath.Join(out, "test.json"), test); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "corpus: %d videos (%d failed), %d frames; train %d, test %d\n",
			len(entries), len(failed), dataset.TotalFrames(entries), len(train), len(test))
		return nil
	},
}

var datasetSampleCmd = &cobra.Command{
	Use:   "sample <corpus-dir | manifest.json>",
	Short: "Draw training tuples from a corpus and export them as .npy",
	Long: `Draw training tuples from a corpus and export each one as a directory of
.npy arrays plus meta.json.

Kinds:
  reconstruction  target frames, masked targets, references and audio windows
  sync            face crops and audio windows with a sync label

Example:
  avatar-agent dataset sample ~/corpus/train.json --kind sync --count 100 --out ~/samples`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return fmt.Errorf("--out is required")
		}
		kindName, _ := cmd.Flags().GetString("kind")
		kind, err := dataset.ParseSampleKind(kindName)
		if err != nil {
			return err
		}
		count := mustInt(cmd, "count")
		if count < 1 {
			return fmt.Errorf("--count must be positive")
		}

		_, logger, err := loadConfig(false)
		if err != nil {
			return err
		}

		src := args[0]
		var entries []dataset.Entry
		if strings.HasSuffix(src, ".json") {
			entries, err = dataset.LoadManifest(src, logger)
		} else {
			entries, err = dataset.LoadCorpus(framestore.CorpusLayout{
				ImagesDir: filepath.Join(src, "images"),
				AudiosDir: filepath.Join(src, "audios"),
			}, logger)
		}
		if err != nil {
			return err
		}

		opts := dataset.DefaultOptions()
		if cmd.Flags().Changed("sync-t") {
			opts.SyncT = mustInt(cmd, "sync-t")
		}
		if cmd.Flags().Changed("audio-window") {
			opts.AudioWindow = mustInt(cmd, "audio-window")
		}
		seed, _ := cmd.Flags().GetUint64("seed")
		if !cmd.Flags().Changed("seed") {
			seed = uint64(time.Now().UnixNano())
		}
		smp, err := dataset.NewSampler(entries, opts, rand.New(rand.NewPCG(seed, seed)))
		if err != nil {
			return err
		}

		pr := newProgress(cmd.ErrOrStderr())
		report := pr.track(kind.String())
		for i := range count {
			sample, err := smp.Sample(kind)
			if err == nil {
				err = dataset.Export(filepath.Join(out, fmt.Sprintf("%06d", i)), sample)
			}
			if err != nil {
				pr.wait(false)
				return fmt.Errorf("sample %d: %w", i, err)
			}
			report(i+1, count)
		}
		pr.wait(true)

		fmt.Fprintf(cmd.OutOrStdout(), "exported %d %s samples from %d videos (seed %d)\n", count, kind, len(entries), seed)
		return nil
	},
}

func init() {
	datasetBuildCmd.Flags().String("out", "", "corpus output directory")
	datasetBuildCmd.Flags().Bool("fixed-face", false, "crop every frame with the box found on the first frame")
	datasetBuildCmd.Flags().Float64("test-fraction", 0.05, "share of videos held out in test.json")
	datasetBuildCmd.Flags().Uint64("seed", 1, "split seed")

	datasetSampleCmd.Flags().String("out", "", "sample output directory")
	datasetSampleCmd.Flags().String("kind", "reconstruction", "reconstruction or sync")
	datasetSampleCmd.Flags().Int("count", 1, "number of samples")
	datasetSampleCmd.Flags().Int("sync-t", 5, "consecutive frames per sample")
	datasetSampleCmd.Flags().Int("audio-window", 2, "audio window half width in frames")
	datasetSampleCmd.Flags().Uint64("seed", 0, "random seed (default: time based)")

	datasetCmd.AddCommand(datasetBuildCmd, datasetSampleCmd)
}
