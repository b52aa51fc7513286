package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// Checkpoints use the safetensors layout: an 8-byte little-endian header
// length, a JSON header mapping tensor names to dtype, shape and byte
// offsets, then the raw little-endian tensor data.

// maxHeaderSize bounds the JSON header read from untrusted files.
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

// ErrCheckpointFormat marks a file that is not a readable checkpoint.
var ErrCheckpointFormat = errors.New("malformed checkpoint")

type tensorHeader struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Checkpoint is a decoded state dict.
type Checkpoint struct {
	Tensors  map[string]*tensor.Tensor
	Metadata map[string]string
	// Skipped lists integer bookkeeping entries, such as batch norm
	// counters, that carry no weights.
	Skipped []string
}

// ReadCheckpointFile opens and decodes path.
func ReadCheckpointFile(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open checkpoint %s", path)
	}
	defer f.Close()

	ckpt, err := ReadCheckpoint(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read checkpoint %s", path)
	}
	return ckpt, nil
}

// ReadCheckpoint decodes a checkpoint stream. Float tensors of dtype F32,
// F64, F16 and BF16 are converted to float32.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrap(ErrCheckpointFormat, "missing header length")
	}
	if n == 0 || n > maxHeaderSize {
		return nil, errors.Wrapf(ErrCheckpointFormat, "header length %d out of range", n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(ErrCheckpointFormat, "truncated header")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, errors.Wrapf(ErrCheckpointFormat, "invalid header: %v", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read tensor data")
	}

	ckpt := &Checkpoint{Tensors: map[string]*tensor.Tensor{}, Metadata: map[string]string{}}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &ckpt.Metadata); err != nil {
				return nil, errors.Wrapf(ErrCheckpointFormat, "invalid metadata: %v", err)
			}
			continue
		}

		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, errors.Wrapf(ErrCheckpointFormat, "invalid entry %q: %v", name, err)
		}
		t, err := decodeTensor(name, h, data)
		if err != nil {
			return nil, err
		}
		if t == nil {
			ckpt.Skipped = append(ckpt.Skipped, name)
			continue
		}
		ckpt.Tensors[name] = t
	}
	sort.Strings(ckpt.Skipped)
	return ckpt, nil
}

func dtypeSize(dtype string) int {
	switch dtype {
	case "F64", "I64", "U64":
		return 8
	case "F32", "I32", "U32":
		return 4
	case "F16", "BF16", "I16", "U16":
		return 2
	case "I8", "U8", "BOOL":
		return 1
	default:
		return 0
	}
}

// decodeTensor returns nil, nil for integer entries that are bookkeeping only.
func decodeTensor(name string, h tensorHeader, data []byte) (*tensor.Tensor, error) {
	size := dtypeSize(h.Dtype)
	if size == 0 {
		return nil, errors.Wrapf(ErrCheckpointFormat, "%s: unsupported dtype %s", name, h.Dtype)
	}

	numel := 1
	for _, d := range h.Shape {
		if d < 0 {
			return nil, errors.Wrapf(ErrCheckpointFormat, "%s: negative dimension in %v", name, h.Shape)
		}
		numel *= d
	}

	begin, end := h.DataOffsets[0], h.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(data)) {
		return nil, errors.Wrapf(ErrCheckpointFormat, "%s: offsets [%d,%d) outside data of %d bytes", name, begin, end, len(data))
	}
	if end-begin != int64(numel*size) {
		return nil, errors.Wrapf(ErrCheckpointFormat, "%s: %d bytes for %d elements of %s", name, end-begin, numel, h.Dtype)
	}
	buf := data[begin:end]

	out := make([]float32, numel)
	switch h.Dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:])))
		}
	case "F16":
		for i := range out {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(buf[2*i:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	default:
		if strings.HasSuffix(name, ".num_batches_tracked") {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrCheckpointFormat, "%s: dtype %s cannot hold weights", name, h.Dtype)
	}

	shape := append([]int(nil), h.Shape...)
	return tensor.FromData(out, shape...)
}

func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := int32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	case exp == 0:
		// subnormal: normalise the mantissa
		exp = 1
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		mant &= 0x3ff
	}
	return math.Float32frombits(sign | uint32(exp+112)<<23 | mant<<13)
}

// WriteCheckpoint encodes tensors as F32 entries. Names are written in sorted
// order so output is reproducible.
func WriteCheckpoint(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", metadataKey)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := map[string]any{}
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		end := offset + int64(4*t.Len())
		header[name] = tensorHeader{Dtype: "F32", Shape: t.Shape, DataOffsets: [2]int64{offset, end}}
		offset = end
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "unable to encode checkpoint header")
	}
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(hb))); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteCheckpointFile writes tensors to path.
func WriteCheckpointFile(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	var buf bytes.Buffer
	if err := WriteCheckpoint(&buf, tensors, metadata); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
