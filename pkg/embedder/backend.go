// Package embedder computes patch embeddings for a catalog of frames, using an injected Backend.
package embedder

import (
	"context"
	"fmt"

	"github.com/cyclopcam/frameselect/pkg/tensor"
)

// BackendInfo describes the output of a Backend
type BackendInfo struct {
	Model     string `json:"model"`
	InputSize int    `json:"inputSize"` // Width and height of the square input images
	Patches   int    `json:"patches"`   // Patch vectors per image
	Dim       int    `json:"dim"`       // Features per patch vector
}

// Backend maps a batch of images to per-patch embedding vectors.
// Each image is CHW float32, of size 3 x InputSize x InputSize, already normalized.
// The result is [len(batch)][Patches][Dim].
// A Backend must be deterministic for a fixed model and input, and must return an error
// rather than skip an image.
type Backend interface {
	Embed(ctx context.Context, batch [][]float32, normalize bool) ([][][]float32, error)
	Info() BackendInfo
	Close() error
}

// Normalization epsilon for patch vectors
const Epsilon = 1e-8

// L2NormalizePatches scales every patch vector to unit length, in place
func L2NormalizePatches(batch [][][]float32) {
	for _, img := range batch {
		for _, patch := range img {
			tensor.L2Normalize(patch, Epsilon)
		}
	}
}

// Verify that a backend's output has the shape that it promised
func checkBatch(info BackendInfo, nInput int, out [][][]float32) error {
	if len(out) != nInput {
		return fmt.Errorf("Backend returned %v embeddings for %v images", len(out), nInput)
	}
	for i, img := range out {
		if len(img) != info.Patches {
			return fmt.Errorf("Backend returned %v patches for image %v, expected %v", len(img), i, info.Patches)
		}
		for _, p := range img {
			if len(p) != info.Dim {
				return fmt.Errorf("Backend returned patch of dimension %v for image %v, expected %v", len(p), i, info.Dim)
			}
		}
	}
	return nil
}
