package detector

import (
	"fmt"
	"image"
	"sort"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dudu/visioncap/internal/inference"
)

// YOLOConfig configures the YOLO object detector.
type YOLOConfig struct {
	Model         string
	InputSize     int
	ConfThreshold float32
	IOUThreshold  float32
	// TopK is the number of labels kept per box.
	TopK int
	// Labels overrides the COCO class names.
	Labels []string
	// Classes restricts detection to these label names when non-empty.
	Classes []string
}

// YOLO detects objects with a YOLOv8-style model: input [1,3,S,S], output
// [1,4+C,N] with center-size boxes followed by class scores.
type YOLO struct {
	session   *inference.Session
	inputSize int
	anchors   int
	labels    []string
	allowed   map[int]bool
	conf      float32
	iou       float32
	topK      int
}

// NewYOLO loads the YOLO object detector
func NewYOLO(loader *inference.Loader, cfg YOLOConfig) (*YOLO, error) {
	session, err := loader.Open(cfg.Model, []string{"images"}, []string{"output0"})
	if err != nil {
		return nil, fmt.Errorf("failed to create YOLO session: %w", err)
	}

	y := &YOLO{
		session:   session,
		inputSize: cfg.InputSize,
		anchors:   yoloAnchors(cfg.InputSize),
		labels:    cfg.Labels,
		conf:      cfg.ConfThreshold,
		iou:       cfg.IOUThreshold,
		topK:      cfg.TopK,
	}
	if len(y.labels) == 0 {
		y.labels = COCOLabels
	}
	if y.topK <= 0 {
		y.topK = 1
	}
	if len(cfg.Classes) > 0 {
		y.allowed = classFilter(y.labels, cfg.Classes)
	}
	return y, nil
}

// InputSize returns the square model input resolution.
func (y *YOLO) InputSize() int {
	return y.inputSize
}

// DetectObjects finds objects in an image
func (y *YOLO) DetectObjects(img image.Image) ([]Object, error) {
	input := y.prepareInput(img)

	inputTensor, err := inference.CreateTensor([]int64{1, 3, int64(y.inputSize), int64(y.inputSize)}, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, int64(4 + len(y.labels)), int64(y.anchors)})
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := y.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return y.processOutput(outputTensor.GetData()), nil
}

// prepareInput converts img to planar RGB scaled to [0,1]
func (y *YOLO) prepareInput(img image.Image) []float32 {
	size := y.inputSize
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	}
	b := img.Bounds()
	plane := size * size
	input := make([]float32, plane*3)

	idx := 0
	for py := 0; py < size; py++ {
		for px := 0; px < size; px++ {
			r, g, bl, _ := img.At(b.Min.X+px, b.Min.Y+py).RGBA()
			input[idx] = float32(r>>8) / 255.0
			input[idx+plane] = float32(g>>8) / 255.0
			input[idx+2*plane] = float32(bl>>8) / 255.0
			idx++
		}
	}
	return input
}

type yoloCandidate struct {
	box    BoundingBox
	labels []Label
}

// processOutput decodes a [4+C, N] output into inference-space objects
func (y *YOLO) processOutput(output []float32) []Object {
	n := y.anchors
	numClasses := len(y.labels)
	if len(output) < n*(4+numClasses) {
		return nil
	}

	var candidates []yoloCandidate
	scores := make([]Label, 0, numClasses)
	for i := 0; i < n; i++ {
		scores = scores[:0]
		for j := 0; j < numClasses; j++ {
			if y.allowed != nil && !y.allowed[j] {
				continue
			}
			if p := output[n*(j+4)+i]; p >= y.conf {
				scores = append(scores, Label{Name: y.labels[j], Confidence: p})
			}
		}
		if len(scores) == 0 {
			continue
		}
		sort.SliceStable(scores, func(a, b int) bool {
			return scores[a].Confidence > scores[b].Confidence
		})
		labels := make([]Label, min(y.topK, len(scores)))
		copy(labels, scores)

		xc := output[i]
		yc := output[n+i]
		w := output[2*n+i]
		h := output[3*n+i]
		candidates = append(candidates, yoloCandidate{
			box: BoundingBox{
				X1: xc - w/2,
				Y1: yc - h/2,
				X2: xc + w/2,
				Y2: yc + h/2,
			},
			labels: labels,
		})
	}

	candidates = nms(candidates,
		func(c yoloCandidate) BoundingBox { return c.box },
		func(c yoloCandidate) float32 { return c.labels[0].Confidence },
		y.iou,
	)

	objects := make([]Object, 0, len(candidates))
	for _, c := range candidates {
		objects = append(objects, Object{
			Box:    c.box.Normalize(y.inputSize, y.inputSize),
			Labels: c.labels,
		})
	}
	return objects
}

// Close releases detector resources
func (y *YOLO) Close() error {
	return y.session.Destroy()
}

// yoloAnchors returns the number of predictions for a square input over
// strides 8, 16 and 32 (8400 at 640).
func yoloAnchors(size int) int {
	n := 0
	for _, s := range []int{8, 16, 32} {
		n += (size / s) * (size / s)
	}
	return n
}

func classFilter(labels, classes []string) map[int]bool {
	want := make(map[string]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	allowed := make(map[int]bool, len(classes))
	for i, l := range labels {
		if want[l] {
			allowed[i] = true
		}
	}
	return allowed
}

// COCOLabels are the YOLOv8 class labels
var COCOLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}
