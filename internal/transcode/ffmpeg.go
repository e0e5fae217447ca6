package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// FFmpegConfig holds configuration for the ffmpeg-backed starter.
type FFmpegConfig struct {
	// BinaryPath is the ffmpeg binary ("ffmpeg" resolves via PATH).
	BinaryPath string
	// InputURLTemplate expands the service identity into a live input URL,
	// e.g. "http://localhost:40772/api/services/%s/stream".
	InputURLTemplate string
	// OutputDir is where per-session segment directories are created.
	OutputDir string
	// SegmentDuration is the target HLS segment length in seconds.
	SegmentDuration int
	// InitialSegments is how many segments must exist before playback.
	InitialSegments int
	// LiveSegments is the live playlist window size.
	LiveSegments int
	// TerminateGrace is how long to wait after SIGTERM before SIGKILL.
	TerminateGrace time.Duration
}

// DefaultFFmpegConfig returns sensible defaults for the ffmpeg starter.
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		BinaryPath:      "ffmpeg",
		OutputDir:       os.TempDir(),
		SegmentDuration: 2,
		InitialSegments: 2,
		LiveSegments:    4,
		TerminateGrace:  3 * time.Second,
	}
}

// presetArgs maps a quality preset name to encoder settings. Unknown presets
// fall back to the 720p tier.
func presetArgs(preset string) []string {
	switch preset {
	case "1080p":
		return []string{"-c:v", "libx264", "-vf", "scale=-2:1080", "-b:v", "6800k", "-c:a", "aac", "-b:a", "192k"}
	case "720p":
		return []string{"-c:v", "libx264", "-vf", "scale=-2:720", "-b:v", "4500k", "-c:a", "aac", "-b:a", "192k"}
	case "540p":
		return []string{"-c:v", "libx264", "-vf", "scale=-2:540", "-b:v", "3000k", "-c:a", "aac", "-b:a", "128k"}
	case "360p":
		return []string{"-c:v", "libx264", "-vf", "scale=-2:360", "-b:v", "1500k", "-c:a", "aac", "-b:a", "128k"}
	default:
		return presetArgs("720p")
	}
}

// FFmpegStarter launches ffmpeg producing a segmented HLS live stream.
type FFmpegStarter struct {
	config FFmpegConfig
	logger *slog.Logger
}

// NewFFmpegStarter creates a starter with the given configuration.
func NewFFmpegStarter(config FFmpegConfig, logger *slog.Logger) *FFmpegStarter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BinaryPath == "" {
		config.BinaryPath = DefaultFFmpegConfig().BinaryPath
	}
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = DefaultFFmpegConfig().SegmentDuration
	}
	if config.InitialSegments <= 0 {
		config.InitialSegments = DefaultFFmpegConfig().InitialSegments
	}
	if config.LiveSegments <= 0 {
		config.LiveSegments = DefaultFFmpegConfig().LiveSegments
	}
	if config.TerminateGrace <= 0 {
		config.TerminateGrace = DefaultFFmpegConfig().TerminateGrace
	}
	return &FFmpegStarter{
		config: config,
		logger: logger.With(slog.String("component", "ffmpeg")),
	}
}

// Start implements Starter. The output path is the session's HLS playlist.
func (f *FFmpegStarter) Start(ctx context.Context, service, preset string) (Process, string, error) {
	outDir, err := os.MkdirTemp(f.config.OutputDir, sessionDirPrefix)
	if err != nil {
		return nil, "", fmt.Errorf("creating output directory: %w", err)
	}
	playlist := filepath.Join(outDir, "stream.m3u8")

	inputURL := service
	if f.config.InputURLTemplate != "" {
		inputURL = fmt.Sprintf(f.config.InputURLTemplate, service)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-analyzeduration", "3000000",
		"-probesize", "3000000",
		"-i", inputURL,
		"-map", "0:v:0",
		"-map", "0:a:0?",
	}
	args = append(args, presetArgs(preset)...)
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(f.config.SegmentDuration),
		"-hls_init_time", strconv.Itoa(f.config.SegmentDuration*f.config.InitialSegments),
		"-hls_list_size", strconv.Itoa(f.config.LiveSegments),
		"-hls_flags", "delete_segments+omit_endlist",
		"-hls_segment_filename", filepath.Join(outDir, "segment_%05d.ts"),
		playlist,
	)

	// The process must outlive the acquiring request, so it is not bound to
	// the caller's ctx; the cache watchdog owns its lifetime.
	cmd := exec.Command(f.config.BinaryPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	f.logger.Debug("starting ffmpeg",
		slog.String("service", service),
		slog.String("preset", preset),
		slog.String("playlist", playlist))

	if err := cmd.Start(); err != nil {
		os.RemoveAll(outDir)
		return nil, "", fmt.Errorf("starting ffmpeg: %w", err)
	}

	p := &ffmpegProcess{
		cmd:   cmd,
		dir:   outDir,
		grace: f.config.TerminateGrace,
		done:  make(chan struct{}),
	}
	go p.wait()

	return p, playlist, nil
}

// ffmpegProcess is the Process handle for a running ffmpeg instance.
type ffmpegProcess struct {
	cmd   *exec.Cmd
	dir   string
	grace time.Duration

	done     chan struct{}
	waitOnce sync.Once
	termOnce sync.Once
}

func (p *ffmpegProcess) wait() {
	p.waitOnce.Do(func() {
		p.cmd.Wait()
		close(p.done)
	})
}

// Exited reports whether ffmpeg has stopped.
func (p *ffmpegProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate stops ffmpeg: SIGTERM first, SIGKILL after the grace period.
// The session's output directory is removed once the process is gone.
func (p *ffmpegProcess) Terminate() error {
	var err error
	p.termOnce.Do(func() {
		if !p.Exited() {
			if sigErr := p.cmd.Process.Signal(os.Interrupt); sigErr != nil {
				err = sigErr
			}
			select {
			case <-p.done:
			case <-time.After(p.grace):
				err = p.cmd.Process.Kill()
				<-p.done
			}
		}
		os.RemoveAll(p.dir)
	})
	return err
}

// PID returns the ffmpeg process ID.
func (p *ffmpegProcess) PID() int {
	return p.cmd.Process.Pid
}

// ProcessStats holds resource usage for a transcode process.
type ProcessStats struct {
	PID         int     `json:"pid"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryRSSMB float64 `json:"memory_rss_mb"`
}

// StatsFor returns resource usage for a live process, or nil if the process
// is gone or unreadable.
func StatsFor(p Process) *ProcessStats {
	if p == nil || p.Exited() {
		return nil
	}
	proc, err := process.NewProcess(int32(p.PID()))
	if err != nil {
		return nil
	}
	stats := &ProcessStats{PID: p.PID()}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	return stats
}

// sessionDirPrefix marks per-session output directories for startup cleanup.
const sessionDirPrefix = "commentarr-hls-"

// SessionDirPrefix returns the directory prefix used for transcode output.
func SessionDirPrefix() string {
	return sessionDirPrefix
}
