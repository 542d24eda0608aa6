//go:build gocv

package detector

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/stream"
)

// ssdInputSize is the square input of MobileNet-SSD style networks.
const ssdInputSize = 300

// DNNBackend runs SSD detection networks in-process with OpenCV DNN. Models
// live in one directory as <name>.pb + <name>.pbtxt (TensorFlow) or
// <name>.onnx, with optional <name>.names holding one label per class id.
type DNNBackend struct {
	dir        string
	confidence float64

	mu   sync.Mutex
	nets map[string]*dnnModel
}

type dnnModel struct {
	mu     sync.Mutex
	net    gocv.Net
	labels map[int]string
}

// NewDNNBackend creates a backend loading models from dir on first use.
func NewDNNBackend(dir string, confidence float64) *DNNBackend {
	return &DNNBackend{dir: dir, confidence: confidence, nets: make(map[string]*dnnModel)}
}

func (b *DNNBackend) model(name string) (*dnnModel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.nets[name]; ok {
		return m, nil
	}

	var net gocv.Net
	base := filepath.Join(b.dir, name)
	switch {
	case fileExists(base + ".onnx"):
		net = gocv.ReadNet(base+".onnx", "")
	case fileExists(base+".pb") && fileExists(base+".pbtxt"):
		net = gocv.ReadNet(base+".pb", base+".pbtxt")
	default:
		return nil, fmt.Errorf("model %q not found in %s", name, b.dir)
	}
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network %q", name)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}

	labels, err := readLabels(base + ".names")
	if err != nil {
		net.Close()
		return nil, err
	}

	m := &dnnModel{net: net, labels: labels}
	b.nets[name] = m
	logging.For("detector").Info().Str("model", name).Int("labels", len(labels)).Msg("loaded dnn model")
	return m, nil
}

// Detect decodes the frame and runs the named network on it.
func (b *DNNBackend) Detect(ctx context.Context, frame stream.Frame, model string) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := b.model(model)
	if err != nil {
		return nil, err
	}

	var mat gocv.Mat
	switch frame.Format {
	case stream.FormatJPEG:
		mat, err = gocv.IMDecode(frame.Data, gocv.IMReadColor)
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
	case stream.FormatBGR:
		mat, err = gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
		if err != nil {
			return nil, fmt.Errorf("wrap frame: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported frame format %q", frame.Format)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decoded frame is empty")
	}

	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(ssdInputSize, ssdInputSize),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	// gocv.Net is not safe for concurrent Forward calls.
	m.mu.Lock()
	m.net.SetInput(blob, "")
	output := m.net.Forward("")
	m.mu.Unlock()
	defer output.Close()

	// SSD output rows: [batch, class, confidence, x1, y1, x2, y2], coordinates normalized.
	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	cols, height := float64(mat.Cols()), float64(mat.Rows())
	var dets []models.Detection
	for i := 0; i < rows.Rows(); i++ {
		conf := float64(rows.GetFloatAt(i, 2))
		if conf < b.confidence {
			continue
		}
		classID := int(rows.GetFloatAt(i, 1))
		dets = append(dets, models.Detection{
			ClassID:    classID,
			Label:      m.label(classID),
			Confidence: conf,
			Box: models.BoundingBox{
				X1: float64(rows.GetFloatAt(i, 3)) * cols,
				Y1: float64(rows.GetFloatAt(i, 4)) * height,
				X2: float64(rows.GetFloatAt(i, 5)) * cols,
				Y2: float64(rows.GetFloatAt(i, 6)) * height,
			},
		})
	}
	return dets, nil
}

// Close releases every loaded network.
func (b *DNNBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, m := range b.nets {
		m.net.Close()
		delete(b.nets, name)
	}
	return nil
}

func (m *dnnModel) label(classID int) string {
	if l, ok := m.labels[classID]; ok {
		return l
	}
	return fmt.Sprintf("class_%d", classID)
}

// cocoLabels covers the classes the engine monitors when no .names file is
// shipped with a COCO-trained SSD.
var cocoLabels = map[int]string{
	1: "person", 2: "bicycle", 3: "car", 4: "motorcycle", 6: "bus", 8: "truck",
	16: "bird", 17: "cat", 18: "dog",
}

func readLabels(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cocoLabels, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	labels := make(map[int]string)
	sc := bufio.NewScanner(f)
	for id := 0; sc.Scan(); id++ {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			labels[id] = l
		}
	}
	return labels, sc.Err()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
