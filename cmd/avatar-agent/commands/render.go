package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/heimdex/avatar-agent/internal/avatar"
	"github.com/heimdex/avatar-agent/internal/render"
)

var renderCmd = &cobra.Command{
	Use:   "render <avatar-id> <audio>",
	Short: "Render a prepared avatar speaking an audio track",
	Long: `Render a prepared avatar speaking an audio track.

The output video is written to <data_dir>/avatars/<id>/vid_output/<name>.mp4.
Pass the printed next offset to --offset on a following render to continue
the avatar's motion without a jump.

Example:
  avatar-agent render anna speech.wav --name intro
  avatar-agent render anna part2.wav --name outro --offset 312`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, audio := avatar.SanitizeName(args[0], avatar.MaxNameLen), args[1]
		if _, err := os.Stat(audio); err != nil {
			return fmt.Errorf("audio not readable: %w", err)
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
		if err := s.requireStudio(); err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = stem(audio)
		}
		if name = avatar.SanitizeName(name, avatar.MaxNameLen); name == "" {
			return fmt.Errorf("render name is empty after sanitizing")
		}
		offset := mustInt(cmd, "offset")
		if offset < 0 {
			return fmt.Errorf("--offset must not be negative")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pr := newProgress(cmd.ErrOrStderr())
		s.studio.SetProgress(nil, pr.track("batches"))
		res, err := s.studio.Render(ctx, id, render.Request{AudioPath: audio, Name: name, StartOffset: offset})
		pr.wait(err == nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rendered %d frames in %s\n", res.Frames, res.Elapsed.Round(1e6))
		fmt.Fprintf(out, "  output:      %s\n", res.OutputPath)
		fmt.Fprintf(out, "  next offset: %d\n", res.NextOffset)
		return nil
	},
}

func init() {
	renderCmd.Flags().String("name", "", "output file stem (default: audio file name)")
	renderCmd.Flags().Int("offset", 0, "cycle position of the first frame")
}
