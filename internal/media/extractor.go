package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

// FrameExtractor pulls still frames out of a recorded video with ffmpeg.
type FrameExtractor struct {
	ffmpegPath string
	tempDir    string
}

func NewFrameExtractor() (*FrameExtractor, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "proctorwatch-frames-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	logger.Debug("Frame extractor ready", "ffmpeg", ffmpegPath, "temp_dir", tempDir)

	return &FrameExtractor{
		ffmpegPath: ffmpegPath,
		tempDir:    tempDir,
	}, nil
}

// ExtractFrames samples one frame every interval, scaled to fit size x size.
// Timestamps are offsets from start.
func (fe *FrameExtractor) ExtractFrames(ctx context.Context, videoPath string, interval time.Duration, size int, start time.Time) ([]models.CameraFrame, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("video file not accessible: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid sampling interval %s", interval)
	}

	duration, err := fe.VideoDuration(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get video duration: %w", err)
	}

	var frames []models.CameraFrame
	for offset := time.Duration(0); offset < duration; offset += interval {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		data, err := fe.extractSingleFrame(ctx, videoPath, offset.Seconds(), size)
		if err != nil {
			logger.Warn("Failed to extract frame", "offset", offset, "error", err)
			continue
		}
		img, err := DecodeImage(data)
		if err != nil {
			logger.Warn("Failed to decode extracted frame", "offset", offset, "error", err)
			continue
		}
		frames = append(frames, models.CameraFrame{
			Image:     img,
			Encoded:   data,
			Timestamp: start.Add(offset),
		})
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("failed to extract any frames from %s", videoPath)
	}
	return frames, nil
}

func (fe *FrameExtractor) VideoDuration(ctx context.Context, videoPath string) (time.Duration, error) {
	if ffprobePath, err := exec.LookPath("ffprobe"); err == nil {
		cmd := exec.CommandContext(ctx, ffprobePath,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			videoPath)

		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err == nil {
			if secs, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64); err == nil && secs > 0 {
				return time.Duration(secs * float64(time.Second)), nil
			}
		}
	}

	// Fall back to the "Duration: hh:mm:ss.xx," line ffmpeg prints.
	cmd := exec.CommandContext(ctx, fe.ffmpegPath, "-i", videoPath, "-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run()
	return parseFFmpegDuration(stderr.String())
}

func parseFFmpegDuration(output string) (time.Duration, error) {
	const prefix = "Duration: "
	start := strings.Index(output, prefix)
	if start == -1 {
		return 0, fmt.Errorf("duration not found in ffmpeg output")
	}
	start += len(prefix)
	end := strings.Index(output[start:], ",")
	if end == -1 {
		return 0, fmt.Errorf("invalid duration format")
	}

	parts := strings.Split(output[start:start+end], ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration format: %s", output[start:start+end])
	}
	var total float64
	for i, mult := range []float64{3600, 60, 1} {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration component %q: %w", parts[i], err)
		}
		total += v * mult
	}
	if total <= 0 {
		return 0, fmt.Errorf("invalid video duration: %f", total)
	}
	return time.Duration(total * float64(time.Second)), nil
}

func (fe *FrameExtractor) extractSingleFrame(ctx context.Context, videoPath string, timestamp float64, size int) ([]byte, error) {
	tempFile := filepath.Join(fe.tempDir, fmt.Sprintf("frame_%f.jpg", timestamp))
	defer os.Remove(tempFile)

	args := []string{
		"-ss", fmt.Sprintf("%.2f", timestamp),
		"-i", videoPath,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", size, size),
		"-q:v", "2",
		"-f", "mjpeg",
		"-y",
		tempFile,
	}
	cmd := exec.CommandContext(ctx, fe.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logger.Debug("ffmpeg failed", "stderr", stderr.String())
		return nil, fmt.Errorf("failed to extract frame at %f: %w", timestamp, err)
	}

	data, err := os.ReadFile(tempFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted frame: %w", err)
	}
	return data, nil
}

func (fe *FrameExtractor) Cleanup() error {
	return os.RemoveAll(fe.tempDir)
}
