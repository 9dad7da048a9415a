package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/heimdex/avatar-agent/internal/avatar"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare <video>",
	Short: "Prepare an avatar from a reference video",
	Long: `Prepare an avatar from a reference video.

Frames are extracted, the face in each is located and encoded, and the
result is stored under <data_dir>/avatars/<id>. A completed avatar with
the same id is reused unless --force is given; a partial one is rebuilt.

Example:
  avatar-agent prepare ~/videos/anna.mp4 --id anna --bbox-shift 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		video := args[0]
		if _, err := os.Stat(video); err != nil {
			return fmt.Errorf("video not readable: %w", err)
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

		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = stem(video)
		}
		if id = avatar.SanitizeName(id, avatar.MaxNameLen); id == "" {
			return fmt.Errorf("avatar id is empty after sanitizing")
		}
		if cmd.Flags().Changed("bbox-shift") {
			s.studio.SetBBoxShift(mustInt(cmd, "bbox-shift"))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pr := newProgress(cmd.ErrOrStderr())
		s.studio.SetProgress(pr.track("frames"), nil)
		prepare := s.studio.Open
		if force, _ := cmd.Flags().GetBool("force"); force {
			prepare = s.studio.Prepare
		}
		info, err := prepare(ctx, id, video)
		pr.wait(err == nil)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "prepared %s: %d frames, cycle length %d\n", info.ID, info.Frames, info.CycleLen)
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", s.studio.Layout(id).Root)
		return nil
	},
}

func init() {
	prepareCmd.Flags().String("id", "", "avatar id (default: video file name)")
	prepareCmd.Flags().Bool("force", false, "rebuild even if the avatar is already prepared")
	prepareCmd.Flags().Int("bbox-shift", 0, "pixels added to every side of the detected face box")
}

func mustInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}
