package embedder

import (
	"golang.org/x/sys/unix"
)

const maxBatchSize = 64

// Rough multiple of the input tensor that a ViT forward pass needs for activations
const activationOverhead = 48

// EstimateBatchSize picks a batch size that uses at most a quarter of the free memory.
// Falls back to DefaultBatchSize if free memory can't be determined.
func EstimateBatchSize(inputSize int) int {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return DefaultBatchSize
	}
	free := uint64(info.Freeram) * uint64(info.Unit)
	return batchSizeForMemory(free, inputSize)
}

func batchSizeForMemory(freeBytes uint64, inputSize int) int {
	perImage := uint64(inputSize) * uint64(inputSize) * 3 * 4 * activationOverhead
	if perImage == 0 {
		return DefaultBatchSize
	}
	n := int(freeBytes / 4 / perImage)
	return max(1, min(n, maxBatchSize))
}
