package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyclopcam/frameselect/pkg/requests"
	"github.com/cyclopcam/logs"
)

// Remote sends batches to an HTTP inference service that hosts the vision transformer.
//
//	POST <url>/embed {model, input_size, normalize, images: [[CHW floats]]}
//	-> {embeddings: [image][patch][dim]}
//	GET <url>/info?model=&input_size= -> BackendInfo
type Remote struct {
	log    logs.Log
	url    string
	client *http.Client
	info   BackendInfo
}

type embedRequest struct {
	Model     string      `json:"model"`
	InputSize int         `json:"input_size"`
	Normalize bool        `json:"normalize"`
	Images    [][]float32 `json:"images"`
}

type embedResponse struct {
	Embeddings [][][]float32 `json:"embeddings"`
}

// NewRemote asks the service at baseURL to describe the model, so that the output shape
// is known before the first batch is sent.
func NewRemote(ctx context.Context, log logs.Log, baseURL, model string, inputSize int) (*Remote, error) {
	r := &Remote{
		log:    logs.NewPrefixLogger(log, "Remote"),
		url:    strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{Timeout: 10 * time.Minute},
	}
	infoURL := fmt.Sprintf("%v/info?model=%v&input_size=%v", r.url, url.QueryEscape(model), inputSize)
	info, err := requests.RequestJSON[BackendInfo](ctx, r.client, "GET", infoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to load model %v from %v: %w", model, r.url, err)
	}
	if info.Patches <= 0 || info.Dim <= 0 {
		return nil, fmt.Errorf("Embedding service reported invalid shape %v x %v for %v", info.Patches, info.Dim, model)
	}
	info.Model = model
	info.InputSize = inputSize
	r.info = *info
	r.log.Infof("Using %v at %v (%v patches x %v)", model, r.url, info.Patches, info.Dim)
	return r, nil
}

func (r *Remote) Info() BackendInfo {
	return r.info
}

func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *Remote) Embed(ctx context.Context, batch [][]float32, normalize bool) ([][][]float32, error) {
	req := embedRequest{
		Model:     r.info.Model,
		InputSize: r.info.InputSize,
		Normalize: normalize,
		Images:    batch,
	}
	// A batch that has been sent always completes. Cancellation is checked between batches.
	resp, err := requests.RequestJSON[embedResponse](context.WithoutCancel(ctx), r.client, "POST", r.url+"/embed", &req)
	if err != nil {
		return nil, fmt.Errorf("Embedding request failed: %w", err)
	}
	return resp.Embeddings, nil
}
