package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heimdex/avatar-agent/internal/config"
	"github.com/heimdex/avatar-agent/internal/pipelines"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Probe the Python workers and report their capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(false)
		if err != nil {
			return err
		}
		pr, err := pipelines.NewRunner(pipelinesConfig(cfg, logger))
		if err != nil {
			return err
		}
		doctor := pipelines.NewCachedDoctor(pr, logger)
		caps, err := doctor.Refresh(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(caps)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "python:   %s\n", caps.Python.Version)
		for _, c := range []struct {
			name string
			ok   bool
		}{
			{"faces", caps.HasFaces},
			{"vae", caps.HasVAE},
			{"unet", caps.HasUNet},
			{"features", caps.HasFeatures},
		} {
			fmt.Fprintf(out, "%-9s %s\n", c.name+":", mark(c.ok))
		}
		fmt.Fprintf(out, "deps:     %d/%d available\n", caps.Summary.Available, caps.Summary.Total)
		ready := caps.Ready()
		if cfg.Backend() == config.BackendONNX {
			// the onnx backend only needs face detection from python
			ready = caps.HasFaces
		}
		if !ready {
			return fmt.Errorf("workers are not ready")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().Bool("json", false, "print the raw capability report")
}

func mark(ok bool) string {
	if ok {
		return "ok"
	}
	return "missing"
}
