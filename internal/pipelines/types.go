// Package pipelines runs the Python model workers (face detection, VAE,
// UNet, fine-tuned whisper features) as subprocesses and adapts them to the
// collaborator interfaces in internal/models.
package pipelines

import "time"

// Capabilities represents what the installed Python workers can do, as
// reported by the `doctor --json` command.
type Capabilities struct {
	PackageVersion string             `json:"package_version"`
	Python         PythonInfo         `json:"python"`
	Dependencies   map[string]DepInfo `json:"dependencies"`
	Executables    map[string]DepInfo `json:"executables"`
	GPU            GPUInfo            `json:"gpu"`
	Summary        SummaryInfo        `json:"summary"`
	Workers        WorkersInfo        `json:"workers"`

	HasFaces    bool      `json:"-"`
	HasVAE      bool      `json:"-"`
	HasUNet     bool      `json:"-"`
	HasFeatures bool      `json:"-"`
	ProbedAt    time.Time `json:"-"`
}

// WorkersInfo reports per-worker availability from doctor JSON.
type WorkersInfo struct {
	Faces    bool `json:"faces"`
	VAE      bool `json:"vae"`
	UNet     bool `json:"unet"`
	Features bool `json:"features"`
}

// PythonInfo holds Python runtime information.
type PythonInfo struct {
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

// DepInfo represents the availability status of a single dependency.
type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GPUInfo holds GPU availability information.
type GPUInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	DeviceCount   int    `json:"device_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SummaryInfo summarises overall dependency status.
type SummaryInfo struct {
	Available int  `json:"available"`
	Total     int  `json:"total"`
	AllOK     bool `json:"all_ok"`
}

// RunResult is the structured outcome of executing a worker subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// WorkerOutput holds the metadata fields every worker JSON output carries.
type WorkerOutput struct {
	SchemaVersion string `json:"schema_version"`
	WorkerVersion string `json:"worker_version"`
	ModelVersion  string `json:"model_version"`
}

// RequiredFieldsPresent checks the fields the agent insists on.
func (p WorkerOutput) RequiredFieldsPresent() bool {
	return p.SchemaVersion != "" && p.WorkerVersion != "" && p.ModelVersion != ""
}

// FaceOutput is the result file of `faces detect`.
type FaceOutput struct {
	WorkerOutput
	Found bool `json:"found"`
	// Box is x1, y1, x2, y2 in frame pixels.
	Box      [4]int `json:"box"`
	MaskPath string `json:"mask_path,omitempty"`
}

// TensorOutput is the result file of the tensor-producing workers; the array
// itself is written next to it as .npy.
type TensorOutput struct {
	WorkerOutput
	ArrayPath string `json:"array_path"`
	Shape     []int  `json:"shape"`
}

// Ready reports whether every worker needed to prepare and render through
// Python was available at the probe.
func (c *Capabilities) Ready() bool {
	return c != nil && c.HasFaces && c.HasVAE && c.HasUNet
}

// Missing names the workers that were unavailable, in a fixed order.
func (c *Capabilities) Missing() []string {
	var out []string
	for _, w := range []struct {
		name string
		ok   bool
	}{
		{"faces", c.HasFaces},
		{"vae", c.HasVAE},
		{"unet", c.HasUNet},
		{"features", c.HasFeatures},
	} {
		if !w.ok {
			out = append(out, w.name)
		}
	}
	return out
}
