package embedcfg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const DefaultModel = "vit_small_patch16_224.dino"
const DefaultInputSize = 224

var ErrUnknownMode = errors.New("Unknown transform mode")
var ErrUnknownAlignment = errors.New("Unknown alignment")

// DefaultFill is the ImageNet mean, so that padding is close to zero after normalization
var DefaultFill = [3]float32{0.485, 0.456, 0.406}

// Mode is how an image of arbitrary aspect ratio is mapped onto the square model input
type Mode int

const (
	ModeCrop  Mode = iota // Resize smallest side to fit, then crop the excess
	ModePad                // Resize largest side to fit, then pad with Fill
	ModeScale              // Resize both sides, ignoring aspect ratio
)

var modeNames = []string{"crop", "pad", "scale"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == s {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("%w '%v' (expected one of %v)", ErrUnknownMode, s, strings.Join(modeNames, ", "))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Alignment chooses which part of the image is kept when cropping, or where
// the image sits inside the canvas when padding.
type Alignment int

const (
	AlignCenter Alignment = iota
	AlignTop
	AlignBottom
	AlignLeft
	AlignRight
)

var alignmentNames = []string{"center", "top", "bottom", "left", "right"}

func (a Alignment) String() string {
	if a < 0 || int(a) >= len(alignmentNames) {
		return fmt.Sprintf("Alignment(%d)", int(a))
	}
	return alignmentNames[a]
}

func ParseAlignment(s string) (Alignment, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range alignmentNames {
		if n == s {
			return Alignment(i), nil
		}
	}
	return 0, fmt.Errorf("%w '%v' (expected one of %v)", ErrUnknownAlignment, s, strings.Join(alignmentNames, ", "))
}

func (a Alignment) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Alignment) UnmarshalText(b []byte) error {
	v, err := ParseAlignment(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// TransformConfig describes the geometric preprocessing of each frame.
// SYNC-EMBEDDING-CACHE-JSON
type TransformConfig struct {
	Mode      Mode       `json:"mode"`
	Alignment Alignment  `json:"alignment"`
	Fill      [3]float32 `json:"fill"` // RGB in [0,1]. Only used by ModePad
}

// DefaultTransform is crop, center aligned
func DefaultTransform() TransformConfig {
	return TransformConfig{
		Mode:      ModeCrop,
		Alignment: AlignCenter,
		Fill:      DefaultFill,
	}
}

// NewTransformConfig parses mode and alignment strings, failing fast on anything unknown
func NewTransformConfig(mode, alignment string) (TransformConfig, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return TransformConfig{}, err
	}
	a, err := ParseAlignment(alignment)
	if err != nil {
		return TransformConfig{}, err
	}
	return TransformConfig{
		Mode:      m,
		Alignment: a,
		Fill:      DefaultFill,
	}, nil
}

// KeyPart is the canonical string that goes into the cache key
func (t TransformConfig) KeyPart() string {
	return fmt.Sprintf("%v:%v:%v,%v,%v", t.Mode, t.Alignment,
		strconv.FormatFloat(float64(t.Fill[0]), 'g', -1, 32),
		strconv.FormatFloat(float64(t.Fill[1]), 'g', -1, 32),
		strconv.FormatFloat(float64(t.Fill[2]), 'g', -1, 32))
}

// EmbeddingConfig is everything that determines the numeric content of an embedding array,
// apart from the frames themselves.
// SYNC-EMBEDDING-CACHE-JSON
type EmbeddingConfig struct {
	Model     string          `json:"model"`            // eg "vit_small_patch16_224.dino"
	InputSize int             `json:"model_input_size"` // eg 224
	Normalize bool            `json:"normalize"`        // L2 normalize each patch vector
	Transform TransformConfig `json:"transform"`
}

// DefaultConfig returns the configuration used when nothing is specified
func DefaultConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Model:     DefaultModel,
		InputSize: DefaultInputSize,
		Normalize: true,
		Transform: DefaultTransform(),
	}
}

func (c EmbeddingConfig) String() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// CacheKey hashes the config and the sorted frame filenames.
// Only base names go into the hash, so a frame directory can be moved without invalidating its cache.
func CacheKey(cfg EmbeddingConfig, filenames []string) string {
	sorted := make([]string, len(filenames))
	copy(sorted, filenames)
	sort.Strings(sorted)

	normalize := "False"
	if cfg.Normalize {
		normalize = "True"
	}

	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(cfg.Model)
	write(strconv.Itoa(cfg.InputSize))
	write(normalize)
	write(cfg.Transform.KeyPart())
	for _, name := range sorted {
		write(name)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
