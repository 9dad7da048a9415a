package avatar

import (
	"path/filepath"
)

const (
	imagesDir    = "full_images"
	masksDir     = "full_masks"
	outputDir    = "vid_output"
	tmpDir       = "tmp"
	coordsFile   = "coords.npy"
	latentsFile  = "latents.npy"
	sentinelFile = "prepared.json"
)

// Layout resolves the files of one avatar directory.
type Layout struct {
	Root string
}

// NewLayout returns the layout of avatar id under base.
func NewLayout(base, id string) Layout {
	return Layout{Root: filepath.Join(base, id)}
}

func (l Layout) ImagesDir() string    { return filepath.Join(l.Root, imagesDir) }
func (l Layout) MasksDir() string     { return filepath.Join(l.Root, masksDir) }
func (l Layout) OutputDir() string    { return filepath.Join(l.Root, outputDir) }
func (l Layout) TmpDir() string       { return filepath.Join(l.Root, tmpDir) }
func (l Layout) CoordsPath() string   { return filepath.Join(l.Root, coordsFile) }
func (l Layout) LatentsPath() string  { return filepath.Join(l.Root, latentsFile) }
func (l Layout) SentinelPath() string { return filepath.Join(l.Root, sentinelFile) }

// OutputPath is where a render named name is written.
func (l Layout) OutputPath(name string) string {
	return filepath.Join(l.OutputDir(), name+".mp4")
}
