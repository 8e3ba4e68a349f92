package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flashembed/flashembed/internal/domain"
)

// ─── Remote Backend (KServe v2 / Triton HTTP) ───────────────────────────────

const (
	defaultRemoteVersion  = "1"
	defaultRemoteMaxBatch = 128
)

type tensorMeta struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

type modelMetadata struct {
	Name     string       `json:"name"`
	Versions []string     `json:"versions"`
	Platform string       `json:"platform"`
	Inputs   []tensorMeta `json:"inputs"`
	Outputs  []tensorMeta `json:"outputs"`
}

type inferTensor struct {
	Name     string  `json:"name"`
	Shape    []int64 `json:"shape"`
	Datatype string  `json:"datatype"`
	Data     any     `json:"data"`
}

type requestedOutput struct {
	Name string `json:"name"`
}

type inferRequest struct {
	Inputs  []inferTensor     `json:"inputs"`
	Outputs []requestedOutput `json:"outputs,omitempty"`
}

type outputTensor struct {
	Name     string    `json:"name"`
	Shape    []int64   `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type inferResponse struct {
	ModelName string         `json:"model_name"`
	Outputs   []outputTensor `json:"outputs"`
	Error     string         `json:"error"`
}

// RemoteRunner calls a model hosted on an inference server. The first UINT8
// input receives images as [n,h,w,3]; the first BYTES input, if any,
// receives captions. Every model output comes back as its own Matrix.
type RemoteRunner struct {
	base     string // .../v2/models/<name>[/versions/<v>]
	root     string // server root
	client   *http.Client
	maxBatch int
	log      *zap.Logger

	meta       modelMetadata
	imageInput *tensorMeta
	textInput  *tensorMeta
}

// NewRemote reads the model metadata. An unreachable server or unknown
// model is fatal.
func NewRemote(opts Options) (*RemoteRunner, error) {
	if opts.RemoteURL == "" {
		return nil, fmt.Errorf("%w: remote_url is required for the remote backend", domain.ErrInvalidConfig)
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: model name is required for the remote backend", domain.ErrInvalidConfig)
	}
	root := strings.TrimRight(opts.RemoteURL, "/")
	if !strings.HasPrefix(root, "http://") && !strings.HasPrefix(root, "https://") {
		root = "http://" + root
	}
	version := opts.RemoteVersion
	if version == "" {
		version = defaultRemoteVersion
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	r := &RemoteRunner{
		root:     root,
		base:     root + "/v2/models/" + url.PathEscape(opts.Name) + "/versions/" + url.PathEscape(version),
		client:   client,
		maxBatch: coalesce(opts.MaxBatch, defaultRemoteMaxBatch),
		log:      opts.logger().Named("remote"),
	}

	if err := r.getJSON(context.Background(), r.base, &r.meta); err != nil {
		return nil, fmt.Errorf("%w: model metadata for %s: %v", domain.ErrBackendUnavailable, opts.Name, err)
	}
	for i := range r.meta.Inputs {
		in := &r.meta.Inputs[i]
		switch strings.ToUpper(in.Datatype) {
		case "UINT8":
			if r.imageInput == nil {
				r.imageInput = in
			}
		case "BYTES":
			if r.textInput == nil {
				r.textInput = in
			}
		}
	}
	if r.imageInput == nil && r.textInput == nil {
		return nil, fmt.Errorf("%w: model %s has no UINT8 or BYTES input", domain.ErrUnsupportedInput, opts.Name)
	}

	r.log.Info("Remote model ready",
		zap.String("model", r.meta.Name),
		zap.String("platform", r.meta.Platform),
		zap.Int("inputs", len(r.meta.Inputs)),
		zap.Int("outputs", len(r.meta.Outputs)))
	return r, nil
}

func (r *RemoteRunner) MaxBatchSize() int { return r.maxBatch }

// Warmup sends one zero-filled image sized from the input shape. Failures
// are swallowed; real errors surface on the first batch.
func (r *RemoteRunner) Warmup() error {
	if r.imageInput == nil {
		return nil
	}
	h, w := warmupDims(r.imageInput.Shape)
	img := &domain.Image{Width: w, Height: h, Pix: make([]uint8, w*h*3)}
	if _, err := r.EncodeContext(context.Background(), []*domain.Image{img}, nil); err != nil {
		r.log.Debug("Warmup request failed", zap.Error(err))
	}
	return nil
}

// warmupDims reads H and W from an [n,h,w,c] or [h,w,c] shape; dynamic
// (-1) dimensions become 224.
func warmupDims(shape []int64) (h, w int) {
	dim := func(v int64) int {
		if v <= 0 {
			return 224
		}
		return int(v)
	}
	switch len(shape) {
	case 4:
		return dim(shape[1]), dim(shape[2])
	case 3:
		return dim(shape[0]), dim(shape[1])
	}
	return 224, 224
}

func (r *RemoteRunner) Encode(images []*domain.Image, texts []string) (map[string]domain.Matrix, error) {
	return r.EncodeContext(context.Background(), images, texts)
}

func (r *RemoteRunner) EncodeContext(ctx context.Context, images []*domain.Image, texts []string) (map[string]domain.Matrix, error) {
	req := inferRequest{}

	if len(images) > 0 && r.imageInput != nil {
		t, err := imageTensor(r.imageInput.Name, images)
		if err != nil {
			return nil, err
		}
		req.Inputs = append(req.Inputs, t)
	}
	if texts != nil && r.textInput != nil {
		req.Inputs = append(req.Inputs, inferTensor{
			Name:     r.textInput.Name,
			Shape:    []int64{int64(len(texts))},
			Datatype: "BYTES",
			Data:     texts,
		})
	}
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: model %s accepts none of the batch inputs", domain.ErrUnsupportedInput, r.meta.Name)
	}
	for _, o := range r.meta.Outputs {
		req.Outputs = append(req.Outputs, requestedOutput{Name: o.Name})
	}

	var resp inferResponse
	if err := r.postJSON(ctx, r.base+"/infer", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("inference server: %s", resp.Error)
	}

	out := make(map[string]domain.Matrix, len(resp.Outputs))
	for _, o := range resp.Outputs {
		m, err := toMatrix(o)
		if err != nil {
			return nil, err
		}
		out[o.Name] = m
	}
	return out, nil
}

// imageTensor stacks same-sized RGB images into one UINT8 [n,h,w,3] tensor.
func imageTensor(name string, images []*domain.Image) (inferTensor, error) {
	first := images[0]
	if first == nil {
		return inferTensor{}, domain.ErrNoPayload
	}
	data := make([]uint16, 0, len(images)*len(first.Pix))
	for _, img := range images {
		if img == nil {
			return inferTensor{}, domain.ErrNoPayload
		}
		if img.Width != first.Width || img.Height != first.Height {
			return inferTensor{}, fmt.Errorf("%w: %dx%d vs %dx%d",
				domain.ErrShapeMismatch, img.Width, img.Height, first.Width, first.Height)
		}
		// uint8 slices marshal as base64; widen so the JSON body is a number array.
		for _, v := range img.Pix {
			data = append(data, uint16(v))
		}
	}
	return inferTensor{
		Name:     name,
		Shape:    []int64{int64(len(images)), int64(first.Height), int64(first.Width), 3},
		Datatype: "UINT8",
		Data:     data,
	}, nil
}

// toMatrix keeps dimension 0 as rows and folds the rest into columns.
func toMatrix(o outputTensor) (domain.Matrix, error) {
	if len(o.Shape) == 0 {
		return domain.Matrix{}, fmt.Errorf("output %s has no shape", o.Name)
	}
	rows := int(o.Shape[0])
	cols := 1
	for _, d := range o.Shape[1:] {
		cols *= int(d)
	}
	if rows*cols != len(o.Data) {
		return domain.Matrix{}, fmt.Errorf("%w: output %s shape %v holds %d values",
			domain.ErrShapeMismatch, o.Name, o.Shape, len(o.Data))
	}
	return domain.Matrix{Rows: rows, Cols: cols, Data: o.Data}, nil
}

func (r *RemoteRunner) getJSON(ctx context.Context, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}
	return r.do(req, dst)
}

func (r *RemoteRunner) postJSON(ctx context.Context, u string, body, dst any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, dst)
}

func (r *RemoteRunner) do(req *http.Request, dst any) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: HTTP %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// Ready probes the server's readiness endpoint. Nil means ready.
func (r *RemoteRunner) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", r.root+"/v2/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: readiness probe returned HTTP %d", domain.ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}

func (r *RemoteRunner) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
