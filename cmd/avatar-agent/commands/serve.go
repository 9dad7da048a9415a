package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heimdex/avatar-agent/internal/api"
	"github.com/heimdex/avatar-agent/internal/catalog"
	"github.com/heimdex/avatar-agent/internal/config"
	"github.com/heimdex/avatar-agent/internal/db"
	"github.com/heimdex/avatar-agent/internal/logging"
	"github.com/heimdex/avatar-agent/internal/playback"
	"github.com/heimdex/avatar-agent/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API, the job runner and the system tray",
	RunE: func(cmd *cobra.Command, args []string) error {
		headless, _ := cmd.Flags().GetBool("headless")
		return serve(cmd.OutOrStdout(), headless)
	},
}

func init() {
	serveCmd.Flags().Bool("headless", false, "run without the system tray")
}

func serve(out io.Writer, headless bool) error {
	startTime := time.Now()

	cfg, logger, err := loadConfig(true)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.AvatarsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger.Info("starting avatar agent", "version", config.Version, "data_dir", cfg.DataDir(), "backend", cfg.Backend())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	deviceID, err := ensureSecret(repo, "device_id", 16)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}
	authToken, err := ensureSecret(repo, api.AuthTokenKey, 32)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	printBanner(out, cfg.Port(), authToken, deviceID)

	s, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.probe(ctx)

	// nil interfaces must stay untyped nil when the studio is missing
	var (
		workloads catalog.Workloads
		workspace catalog.Workspace
	)
	if s.studio != nil {
		workloads, workspace = s.studio, s.studio
	} else {
		logger.Warn("preparing and rendering disabled until python workers are available")
	}

	catalogSvc := catalog.NewService(repo, workspace, logging.WithComponent(logger, "catalog"))
	runner := catalog.NewRunner(repo, workloads, s.doctor, logging.WithComponent(logger, "runner"))
	go runner.Start(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		CatalogService: catalogSvc,
		PlaybackServer: playback.NewServer(logger),
		Repository:     repo,
		Runner:         runner,
		Doctor:         s.doctor,
		Logger:         logging.WithComponent(logger, "api"),
		StartTime:      startTime,
		DeviceID:       deviceID,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if headless {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			CatalogService: catalogSvc,
			Runner:         runner,
			Logger:         logging.WithComponent(logger, "tray"),
			OnOpenFolder: func() error {
				return openFolder(cfg.AvatarsDir())
			},
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func printBanner(out io.Writer, port int, token, deviceID string) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintf(out, "║                  AVATAR AGENT v%-27s║\n", config.Version)
	fmt.Fprintln(out, "╠═══════════════════════════════════════════════════════════╣")
	fmt.Fprintf(out, "║  API URL:    http://127.0.0.1:%-27d ║\n", port)
	fmt.Fprintf(out, "║  Auth Token: %-45s ║\n", token)
	fmt.Fprintf(out, "║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)
}

// ensureSecret returns config key, generating n random bytes as hex on first use.
func ensureSecret(repo catalog.Repository, key string, n int) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	value := hex.EncodeToString(buf)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}

func openFolder(dir string) error {
	var name string
	switch runtime.GOOS {
	case "darwin":
		name = "open"
	case "windows":
		name = "explorer"
	default:
		name = "xdg-open"
	}
	return exec.Command(name, dir).Start()
}
