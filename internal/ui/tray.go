// Package ui runs the system tray menu for the agent.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"
	"github.com/heimdex/avatar-agent/internal/catalog"
)

const refreshInterval = 5 * time.Second

type Tray struct {
	catalogSvc catalog.CatalogService
	runner     *catalog.Runner
	logger     *slog.Logger

	statusItem  *systray.MenuItem
	avatarsItem *systray.MenuItem
	pauseItem   *systray.MenuItem

	mu sync.Mutex

	onOpenFolder func() error
	onQuit       func()
	stop         chan struct{}
}

type TrayConfig struct {
	CatalogService catalog.CatalogService
	Runner         *catalog.Runner
	Logger         *slog.Logger
	// OnOpenFolder opens the avatars directory in the file manager.
	OnOpenFolder func() error
	OnQuit       func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		catalogSvc:   cfg.CatalogService,
		runner:       cfg.Runner,
		logger:       cfg.Logger,
		onOpenFolder: cfg.OnOpenFolder,
		onQuit:       cfg.OnQuit,
		stop:         make(chan struct{}),
	}
}

// Run blocks on the tray event loop. It must be called from the main goroutine.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Avatars")
	systray.SetTooltip("Avatar Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current agent status")
	t.statusItem.Disable()

	t.avatarsItem = systray.AddMenuItem(avatarsLine(0, 0), "Prepared avatars")
	t.avatarsItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause preparing and rendering")

	openItem := systray.AddMenuItem("Open Avatars Folder", "Show prepared avatars and renders")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Avatar Agent")

	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-openItem.ClickedCh:
				t.handleOpenFolder()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.stop)
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		t.refresh()
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

func (t *Tray) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if t.catalogSvc != nil {
		avatars, err := t.catalogSvc.ListAvatars(ctx)
		if err != nil {
			t.logger.Warn("tray refresh failed", "error", err)
		} else {
			ready := 0
			for _, a := range avatars {
				if a.Status == catalog.AvatarStatusReady {
					ready++
				}
			}
			t.UpdateAvatarsCount(len(avatars), ready)
		}
	}
	if t.runner != nil {
		t.UpdateStatus(statusLine(t.runner.GetActiveJobCount(ctx)))
	}
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner == nil {
		return
	}

	if t.runner.IsPaused() {
		t.runner.Resume()
		t.pauseItem.SetTitle("Pause")
		t.statusItem.SetTitle("Status: Idle")
	} else {
		t.runner.Pause()
		t.pauseItem.SetTitle("Resume")
		t.statusItem.SetTitle("Status: Paused")
	}
}

func (t *Tray) handleOpenFolder() {
	if t.onOpenFolder != nil {
		if err := t.onOpenFolder(); err != nil {
			t.logger.Error("failed to open avatars folder", "error", err)
		}
	}
}

func (t *Tray) UpdateStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner != nil && t.runner.IsPaused() {
		return
	}
	t.statusItem.SetTitle("Status: " + status)
}

func (t *Tray) UpdateAvatarsCount(total, ready int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.avatarsItem.SetTitle(avatarsLine(total, ready))
}

func (t *Tray) Quit() {
	systray.Quit()
}

func statusLine(activeJobs int) string {
	switch activeJobs {
	case 0:
		return "Idle"
	case 1:
		return "Working on 1 job"
	default:
		return fmt.Sprintf("Working on %d jobs", activeJobs)
	}
}

func avatarsLine(total, ready int) string {
	if total == ready {
		return fmt.Sprintf("Avatars: %d", total)
	}
	return fmt.Sprintf("Avatars: %d (%d ready)", total, ready)
}
