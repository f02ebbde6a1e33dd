package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/andresmejia3/facefind/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// FFmpeg decodes videos by piping ffmpeg's MJPEG output and splitting it into frames.
// Frame rate and frame count come from ffprobe.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	// CountPackets enables the slow ffprobe packet count when the container carries no
	// frame count. Without it TotalFrames is 0 for such files.
	CountPackets bool
	Log          logrus.FieldLogger
}

// NewFFmpeg returns a Source that uses the ffmpeg and ffprobe binaries on PATH.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", Log: logrus.StandardLogger()}
}

// Open implements Source.
func (f *FFmpeg) Open(ctx context.Context, path string) (Decoder, Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	if info.IsDir() {
		return nil, Metadata{}, fmt.Errorf("%s is a directory, expected a video file", path)
	}

	meta, err := f.Probe(ctx, path)
	if err != nil {
		return nil, Metadata{}, err
	}

	cmd := utils.NewSafeCommand(ctx, f.ffmpegPath(), FFmpegArgs(path)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	return &ffmpegDecoder{cmd: cmd, out: out, scanner: scanner}, meta, nil
}

// FFmpegArgs configures ffmpeg to write raw MJPEG frames to stdout. -loglevel error keeps
// the stderr buffer small.
func FFmpegArgs(inputPath string) []string {
	return []string{"-hide_banner", "-loglevel", "error", "-i", inputPath, "-f", "image2pipe", "-vcodec", "mjpeg", "-"}
}

type ffprobeOutput struct {
	Streams []struct {
		AvgFrameRate  string `json:"avg_frame_rate"`
		RFrameRate    string `json:"r_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Probe reads the frame rate and, when available, the frame count of the first video stream.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Metadata, error) {
	cmd := utils.NewSafeCommand(ctx, f.ffprobePath(), "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,r_frame_rate,nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(cmd.Stderr.String()))
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return Metadata{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return Metadata{}, errors.New("no video stream found")
	}

	stream := res.Streams[0]
	fps, err := ParseRate(stream.AvgFrameRate)
	if err != nil {
		if fps, err = ParseRate(stream.RFrameRate); err != nil {
			return Metadata{}, fmt.Errorf("unknown frame rate: %w", err)
		}
	}

	meta := Metadata{FPS: fps}
	if count, err := strconv.Atoi(stream.NbFrames); err == nil && count > 0 {
		meta.TotalFrames = count
	} else if f.CountPackets {
		meta.TotalFrames = f.countPackets(ctx, path)
	}
	return meta, nil
}

// countPackets is the slow fallback for containers without frame count metadata.
// It returns 0 on any failure, total frames are only used for progress.
func (f *FFmpeg) countPackets(ctx context.Context, path string) int {
	f.log().WithField("path", path).Info("Metadata missing, counting frames")
	cmd := utils.NewSafeCommand(ctx, f.ffprobePath(), "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		f.log().WithError(err).Warn("ffprobe packet count failed")
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}

// ParseRate parses an ffprobe rate such as "25/1", "30000/1001" or "29.97".
func ParseRate(s string) (float64, error) {
	num, den, isFrac := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	if isFrac {
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("invalid rate %q", s)
		}
		n /= d
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	return n, nil
}

// SplitJpeg is the custom splitter for bufio.Scanner.
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

func (f *FFmpeg) ffmpegPath() string {
	if f.FFmpegPath == "" {
		return "ffmpeg"
	}
	return f.FFmpegPath
}

func (f *FFmpeg) ffprobePath() string {
	if f.FFprobePath == "" {
		return "ffprobe"
	}
	return f.FFprobePath
}

func (f *FFmpeg) log() logrus.FieldLogger {
	if f.Log == nil {
		return logrus.StandardLogger()
	}
	return f.Log
}

type ffmpegDecoder struct {
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
	waited  bool
}

func (d *ffmpegDecoder) Advance() error {
	if d.waited {
		return io.EOF
	}
	if d.scanner.Scan() {
		return nil
	}
	// Check for scanner errors (e.g. token too long, unexpected EOF)
	if err := d.scanner.Err(); err != nil {
		return fmt.Errorf("frame scanner failed: %w", err)
	}

	d.waited = true
	if err := d.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg execution failed: %w: %s", err, strings.TrimSpace(d.cmd.Stderr.String()))
	}
	return io.EOF
}

func (d *ffmpegDecoder) Frame() (image.Image, error) {
	return imaging.Decode(bytes.NewReader(d.scanner.Bytes()))
}

// Close stops ffmpeg if it is still running and reaps it.
func (d *ffmpegDecoder) Close() error {
	if d.waited {
		return nil
	}
	d.waited = true
	d.out.Close()
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.cmd.Wait()
	return nil
}
