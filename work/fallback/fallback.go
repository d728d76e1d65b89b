package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"iptv-tuner/work/logger"
)

// ErrNotReady is returned by Open before a clip has been loaded or generated.
var ErrNotReady = errors.New("fallback clip not ready")

// Source supplies the endless "Stream Not Available" byte stream served when
// the real upstream is unavailable or stalled. The MPEG-TS clip is loaded (or
// rendered by ffmpeg) once at startup and held in memory; Open then hands out
// independent looping readers, so any number of relays can consume the clip
// concurrently without coordination.
type Source struct {
	mu         sync.RWMutex
	clip       []byte
	ffmpegPath string
}

// New creates an uninitialized fallback source.
func New() *Source {
	return &Source{ffmpegPath: "ffmpeg"}
}

// SetClip installs the clip bytes directly (tests, pre-rendered files).
func (s *Source) SetClip(data []byte) {
	s.mu.Lock()
	s.clip = data
	s.mu.Unlock()
}

// Available reports whether a clip is loaded and Open will succeed.
func (s *Source) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clip) > 0
}

// Initialize loads the clip from the given file, or renders one with ffmpeg
// when no file is configured. Called once at startup; rendering a short clip
// up front means stream-time fallback never has to shell out.
func (s *Source) Initialize(ctx context.Context, clipFile string) error {
	if clipFile != "" {
		data, err := os.ReadFile(clipFile)
		if err != nil {
			return fmt.Errorf("failed to read fallback clip %s: %w", clipFile, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("fallback clip %s is empty", clipFile)
		}
		s.SetClip(data)
		logger.Info("{fallback - Initialize} Loaded fallback clip from %s (%d bytes)", clipFile, len(data))
		return nil
	}

	data, err := s.render(ctx)
	if err != nil {
		return err
	}
	s.SetClip(data)
	logger.Info("{fallback - Initialize} Rendered fallback clip with ffmpeg (%d bytes)", len(data))
	return nil
}

// render produces a ten second MPEG-TS slate with ffmpeg. The clip is finite
// because it loops in the reader; resend_headers keeps PAT/PMT tables at every
// loop boundary so players resynchronize after the discontinuity.
func (s *Source) render(ctx context.Context) ([]byte, error) {
	renderCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "lavfi",
		"-i", "color=c=black:s=1280x720:d=10:r=25",
		"-vf", "drawtext=text='Stream Not Available':fontsize=48:fontcolor=white:x=(w-tw)/2:y=(h-th)/2",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-b:v", "1M",
		"-g", "50",
		"-f", "mpegts",
		"-mpegts_flags", "resend_headers",
		"-muxrate", "2M",
		"-",
	}

	cmd := exec.CommandContext(renderCtx, s.ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logger.Error("{fallback - render} ffmpeg failed: %v (%s)", err, stderr.String())
		return nil, fmt.Errorf("ffmpeg fallback render failed: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg produced no fallback data")
	}

	return stdout.Bytes(), nil
}

// Open returns a reader that loops the clip forever. It never returns io.EOF;
// the relay stops reading it only when the client goes away or the session is
// closed.
func (s *Source) Open() (io.ReadCloser, error) {
	s.mu.RLock()
	clip := s.clip
	s.mu.RUnlock()

	if len(clip) == 0 {
		return nil, ErrNotReady
	}
	return &loopReader{clip: clip}, nil
}

// loopReader reads the clip from its own offset and wraps at the end.
type loopReader struct {
	clip   []byte
	offset int
	closed bool
}

func (lr *loopReader) Read(p []byte) (int, error) {
	if lr.closed {
		return 0, io.ErrClosedPipe
	}

	total := 0
	for total < len(p) {
		if lr.offset == len(lr.clip) {
			lr.offset = 0
		}
		n := copy(p[total:], lr.clip[lr.offset:])
		lr.offset += n
		total += n
	}
	return total, nil
}

func (lr *loopReader) Close() error {
	lr.closed = true
	return nil
}
