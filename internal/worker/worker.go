package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/andresmejia3/facefind/internal/types"
	"github.com/andresmejia3/facefind/internal/utils" // Using the SafeCommand wrapper
	"github.com/disintegration/imaging"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultCommand starts the model worker shipped in python/.
var DefaultCommand = []string{"python3", "-u", "python/worker.py"}

const maxResponse = 64 * 1024 * 1024

// Request ops understood by the Python worker.
const (
	OpDetect = "detect"
	OpEmbed  = "embed"
)

// Request carries one RGB24 image to the worker.
type Request struct {
	Op     string `msgpack:"op"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Pixels []byte `msgpack:"pixels"`
}

// Response is the worker's reply. Boxes are x1,y1,x2,y2 for detect, Vec is set for embed.
type Response struct {
	Boxes [][4]int  `msgpack:"boxes"`
	Vec   []float64 `msgpack:"vec"`
	Error string    `msgpack:"error"`
}

// PythonWorker drives one Python model process. Requests go to its stdin and responses come
// back on a private FD 3 pipe, so Python logging on stdout/stderr can never corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

// NewPythonWorker starts command with --model modelPath appended.
func NewPythonWorker(ctx context.Context, id int, command []string, modelPath string) (*PythonWorker, error) {
	if len(command) == 0 {
		command = DefaultCommand
	}
	args := append(append([]string{}, command[1:]...), "--model", modelPath)
	py := utils.NewSafeCommand(ctx, command[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed message and reads one framed reply.
// Protocol: [uint32 big-endian length][body] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Call runs one request. Transport failures mean the process is unusable and include
// whatever it wrote to stderr.
func (w *PythonWorker) Call(req Request) (Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, err := msgpack.Marshal(&req)
	if err != nil {
		return Response{}, err
	}
	raw, err := w.Communicate(body)
	if err != nil {
		return Response{}, w.crashed(err)
	}

	var resp Response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("worker %d sent a malformed response: %w", w.ID, err)
	}
	if resp.Error != "" {
		return Response{}, errors.New("python worker error: " + resp.Error)
	}
	return resp, nil
}

func (w *PythonWorker) crashed(err error) error {
	if w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
		return fmt.Errorf("worker %d crashed: %w\n%s", w.ID, err, strings.TrimSpace(w.Cmd.Stderr.String()))
	}
	return fmt.Errorf("worker %d crashed: %w", w.ID, err)
}

// Detect implements vision.Detector.
func (w *PythonWorker) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	resp, err := w.Call(newRequest(OpDetect, img))
	if err != nil {
		return nil, err
	}
	boxes := make([]image.Rectangle, 0, len(resp.Boxes))
	for _, b := range resp.Boxes {
		boxes = append(boxes, image.Rect(b[0], b[1], b[2], b[3]))
	}
	return boxes, nil
}

// Embed runs the embedding op. face is expected at the embedder's input size already.
func (w *PythonWorker) Embed(ctx context.Context, face image.Image) (types.Embedding, error) {
	resp, err := w.Call(newRequest(OpEmbed, face))
	if err != nil {
		return nil, err
	}
	if len(resp.Vec) == 0 {
		return nil, fmt.Errorf("worker %d returned an empty embedding", w.ID)
	}
	return types.Embedding(resp.Vec), nil
}

// Close shuts the worker down: closing stdin makes the Python loop exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

// newRequest packs img as tightly packed RGB24 rows.
func newRequest(op string, img image.Image) Request {
	src := imaging.Clone(img)
	b := src.Bounds()
	pixels := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			pixels = append(pixels, row[x], row[x+1], row[x+2])
		}
	}
	return Request{Op: op, Width: b.Dx(), Height: b.Dy(), Pixels: pixels}
}
