package detector

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/visioncap/internal/inference"
)

// SCRFDConfig configures the SCRFD face detector.
type SCRFDConfig struct {
	Model         string
	InputSize     int
	ConfThreshold float32
	NMSThreshold  float32
}

// SCRFD implements the SCRFD face detector
type SCRFD struct {
	session        *inference.Session
	inputSize      int
	confThreshold  float32
	nmsThreshold   float32
	featureStrides []int
	numAnchors     int
}

// NewSCRFD loads the SCRFD face detector
func NewSCRFD(loader *inference.Loader, cfg SCRFDConfig) (*SCRFD, error) {
	// SCRFD has 1 input and 9 outputs (3 levels × 3 outputs each: score, bbox, kps)
	inputNames := []string{"input.1"}
	outputNames := []string{
		"score_8", "score_16", "score_32",
		"bbox_8", "bbox_16", "bbox_32",
		"kps_8", "kps_16", "kps_32",
	}

	session, err := loader.Open(cfg.Model, inputNames, outputNames)
	if err != nil {
		return nil, fmt.Errorf("failed to create SCRFD session: %w", err)
	}

	return &SCRFD{
		session:        session,
		inputSize:      cfg.InputSize,
		confThreshold:  cfg.ConfThreshold,
		nmsThreshold:   cfg.NMSThreshold,
		featureStrides: []int{8, 16, 32},
		numAnchors:     2, // anchors per position
	}, nil
}

// InputSize returns the square model input resolution.
func (s *SCRFD) InputSize() int {
	return s.inputSize
}

// scrfdCandidate is a decoded anchor in original image pixels
type scrfdCandidate struct {
	box       BoundingBox
	landmarks Landmarks
	score     float32
}

// DetectFaces finds faces in an image
func (s *SCRFD) DetectFaces(img image.Image) ([]Face, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	// Get original dimensions
	origHeight := mat.Rows()
	origWidth := mat.Cols()

	// Preprocess: letterbox and normalize
	inputBlob, scale := s.preprocess(mat)
	defer inputBlob.Close()

	// Create input tensor
	floatData := bytesToFloat32(inputBlob.ToBytes())

	inputTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, int64(s.inputSize), int64(s.inputSize)),
		floatData,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	// Create output tensors
	outputs := make([]ort.Value, 9)
	outputTensors := make([]*ort.Tensor[float32], 0, 9)
	defer func() {
		for _, t := range outputTensors {
			t.Destroy()
		}
	}()

	for i, stride := range s.featureStrides {
		fm := s.inputSize / stride
		numAnchors := int64(fm * fm * s.numAnchors)

		for j, width := range []int64{1, 4, 10} { // score, bbox, kps
			t, err := inference.CreateEmptyTensor[float32]([]int64{numAnchors, width})
			if err != nil {
				return nil, fmt.Errorf("failed to create output tensor: %w", err)
			}
			outputs[i+j*3] = t
			outputTensors = append(outputTensors, t)
		}
	}

	// Run inference
	if err := s.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	scores := make([][]float32, 3)
	bboxes := make([][]float32, 3)
	kps := make([][]float32, 3)
	for i := 0; i < 3; i++ {
		scores[i] = outputs[i].(*ort.Tensor[float32]).GetData()
		bboxes[i] = outputs[i+3].(*ort.Tensor[float32]).GetData()
		kps[i] = outputs[i+6].(*ort.Tensor[float32]).GetData()
	}

	// Decode and suppress
	candidates := s.postprocess(scores, bboxes, kps, scale, origWidth, origHeight)
	candidates = nms(candidates,
		func(c scrfdCandidate) BoundingBox { return c.box },
		func(c scrfdCandidate) float32 { return c.score },
		s.nmsThreshold,
	)

	faces := make([]Face, 0, len(candidates))
	for _, c := range candidates {
		face := Face{
			Box:        c.box.Normalize(origWidth, origHeight),
			Confidence: c.score,
		}
		for i, p := range c.landmarks.Points() {
			face.Keypoints[i] = p.Normalize(origWidth, origHeight)
		}
		faces = append(faces, face)
	}
	return faces, nil
}

// preprocess letterboxes a BGR mat and normalizes it into an RGB NCHW blob
func (s *SCRFD) preprocess(img gocv.Mat) (gocv.Mat, float32) {
	// Calculate scale to fit input size while maintaining aspect ratio
	height := img.Rows()
	width := img.Cols()

	scale := float32(s.inputSize) / float32(max(height, width))

	newWidth := int(float32(width) * scale)
	newHeight := int(float32(height) * scale)

	// Resize
	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(newWidth, newHeight), 0, 0, gocv.InterpolationLinear)

	// Create padded image (letterbox)
	padded := gocv.NewMatWithSize(s.inputSize, s.inputSize, gocv.MatTypeCV8UC3)
	padded.SetTo(gocv.NewScalar(0, 0, 0, 0))

	// Copy resized to top-left of padded
	roi := padded.Region(image.Rect(0, 0, newWidth, newHeight))
	resized.CopyTo(&roi)
	roi.Close()
	resized.Close()

	blob := normalizedBlob(padded, s.inputSize, 127.5, 128.0)
	padded.Close()

	return blob, scale
}

// normalizedBlob computes (x - mean) / std over a size×size BGR mat and
// lays it out as an RGB NCHW blob, the channel order both insightface
// models were trained on.
func normalizedBlob(img gocv.Mat, size int, mean, std float64) gocv.Mat {
	return gocv.BlobFromImage(img, 1.0/std, image.Pt(size, size),
		gocv.NewScalar(mean, mean, mean, 0), true, false)
}

// postprocess decodes model outputs to face candidates
func (s *SCRFD) postprocess(scores, bboxes, kps [][]float32, scale float32, origWidth, origHeight int) []scrfdCandidate {
	var candidates []scrfdCandidate

	for level, stride := range s.featureStrides {
		fmHeight := s.inputSize / stride
		fmWidth := s.inputSize / stride

		scoreData := scores[level]
		bboxData := bboxes[level]
		kpsData := kps[level]
		fs := float32(stride)

		anchorIdx := 0
		for y := 0; y < fmHeight; y++ {
			for x := 0; x < fmWidth; x++ {
				for a := 0; a < s.numAnchors; a++ {
					if anchorIdx >= len(scoreData) {
						return candidates
					}
					score := sigmoid(scoreData[anchorIdx])

					if score > s.confThreshold {
						// Anchor center
						cx := (float32(x) + 0.5) * fs
						cy := (float32(y) + 0.5) * fs

						// Decode bbox (distance to edges)
						bboxIdx := anchorIdx * 4
						box := BoundingBox{
							X1: clamp((cx-bboxData[bboxIdx]*fs)/scale, 0, float32(origWidth)),
							Y1: clamp((cy-bboxData[bboxIdx+1]*fs)/scale, 0, float32(origHeight)),
							X2: clamp((cx+bboxData[bboxIdx+2]*fs)/scale, 0, float32(origWidth)),
							Y2: clamp((cy+bboxData[bboxIdx+3]*fs)/scale, 0, float32(origHeight)),
						}

						// Decode keypoints
						k := kpsData[anchorIdx*10 : anchorIdx*10+10]
						pt := func(i int) Point {
							return Point{(cx + k[i*2]*fs) / scale, (cy + k[i*2+1]*fs) / scale}
						}

						candidates = append(candidates, scrfdCandidate{
							box: box,
							landmarks: Landmarks{
								LeftEye:    pt(0),
								RightEye:   pt(1),
								Nose:       pt(2),
								LeftMouth:  pt(3),
								RightMouth: pt(4),
							},
							score: score,
						})
					}
					anchorIdx++
				}
			}
		}
	}

	return candidates
}

// Close releases detector resources
func (s *SCRFD) Close() error {
	return s.session.Destroy()
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}

func clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func bytesToFloat32(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
