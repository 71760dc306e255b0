package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Probe is the default analyzer. It reports container and stream facts from
// ffprobe, which is enough to exercise the pipeline end to end without a
// fit model installed.
type Probe struct {
	// Path to ffprobe; empty resolves "ffprobe" on PATH.
	Path    string
	TempDir string
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

type ffprobeStream struct {
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
}

// Process implements Analyzer.
func (p *Probe) Process(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
	bin := p.Path
	if bin == "" {
		resolved, err := exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
		}
		bin = resolved
	}
	videoPath, cleanup, err := writeTemp(p.TempDir, video)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := run(ctx, bin, []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", videoPath}, nil)
	if err != nil {
		return nil, err
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(raw []byte) (map[string]any, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	result := map[string]any{
		"container": probe.Format.FormatName,
		"hasAudio":  false,
	}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		result["durationSeconds"] = d
	}
	if b, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
		result["bitRate"] = b
	}

	foundVideo := false
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			result["codec"] = s.CodecName
			result["width"] = s.Width
			result["height"] = s.Height
			if fps := parseFrameRate(s.RFrameRate); fps > 0 {
				result["frameRate"] = fps
			}
		case "audio":
			result["hasAudio"] = true
		}
	}
	if !foundVideo {
		return nil, fmt.Errorf("no video stream found")
	}
	return result, nil
}

// parseFrameRate converts ffprobe's "num/den" rate to frames per second.
func parseFrameRate(raw string) float64 {
	num, den, ok := strings.Cut(raw, "/")
	if !ok {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

var _ Analyzer = (*Probe)(nil)
