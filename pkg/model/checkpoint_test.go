package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// rawCheckpoint assembles a checkpoint from a header and a data blob.
func rawCheckpoint(c *qt.C, header map[string]any, data []byte) []byte {
	hb, err := json.Marshal(header)
	c.Assert(err, qt.IsNil)

	var buf bytes.Buffer
	c.Assert(binary.Write(&buf, binary.LittleEndian, uint64(len(hb))), qt.IsNil)
	buf.Write(hb)
	buf.Write(data)
	return buf.Bytes()
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	c := qt.New(t)

	w, err := tensor.FromData([]float32{1, -2, 3.5, 0, 1e-3, 42}, 2, 3)
	c.Assert(err, qt.IsNil)
	b, err := tensor.FromData([]float32{0.25, -0.5}, 2)
	c.Assert(err, qt.IsNil)

	var buf bytes.Buffer
	err = WriteCheckpoint(&buf, map[string]*tensor.Tensor{"classifier.1.weight": w, "classifier.1.bias": b}, map[string]string{"format": "pt"})
	c.Assert(err, qt.IsNil)

	// header is padded to an 8-byte boundary
	n := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	c.Assert(n%8, qt.Equals, uint64(0))

	ckpt, err := ReadCheckpoint(&buf)
	c.Assert(err, qt.IsNil)
	c.Assert(ckpt.Metadata, qt.DeepEquals, map[string]string{"format": "pt"})
	c.Assert(ckpt.Tensors, qt.HasLen, 2)
	c.Assert(ckpt.Tensors["classifier.1.weight"].Shape, qt.DeepEquals, []int{2, 3})
	c.Assert(ckpt.Tensors["classifier.1.weight"].Data, qt.DeepEquals, w.Data)
	c.Assert(ckpt.Tensors["classifier.1.bias"].Data, qt.DeepEquals, b.Data)
}

func TestCheckpoint_File(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(t.TempDir(), "weights.safetensors")
	w := tensor.New(4)
	w.Data[3] = 7
	c.Assert(WriteCheckpointFile(path, map[string]*tensor.Tensor{"w": w}, nil), qt.IsNil)

	ckpt, err := ReadCheckpointFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(ckpt.Tensors["w"].Data, qt.DeepEquals, []float32{0, 0, 0, 7})

	_, err = ReadCheckpointFile(filepath.Join(t.TempDir(), "absent.safetensors"))
	c.Assert(err, qt.ErrorMatches, "unable to open checkpoint .*")
}

func TestCheckpoint_HalfPrecision(t *testing.T) {
	c := qt.New(t)

	data := make([]byte, 12)
	// F16: 1.0, -2.0, smallest subnormal
	binary.LittleEndian.PutUint16(data[0:], 0x3c00)
	binary.LittleEndian.PutUint16(data[2:], 0xc000)
	binary.LittleEndian.PutUint16(data[4:], 0x0001)
	// BF16: 1.0, -0.5, 3.0
	binary.LittleEndian.PutUint16(data[6:], 0x3f80)
	binary.LittleEndian.PutUint16(data[8:], 0xbf00)
	binary.LittleEndian.PutUint16(data[10:], 0x4040)

	raw := rawCheckpoint(c, map[string]any{
		"half":  tensorHeader{Dtype: "F16", Shape: []int{3}, DataOffsets: [2]int64{0, 6}},
		"brain": tensorHeader{Dtype: "BF16", Shape: []int{3}, DataOffsets: [2]int64{6, 12}},
	}, data)

	ckpt, err := ReadCheckpoint(bytes.NewReader(raw))
	c.Assert(err, qt.IsNil)
	c.Assert(ckpt.Tensors["half"].Data[:2], qt.DeepEquals, []float32{1, -2})
	c.Assert(float64(ckpt.Tensors["half"].Data[2]), qt.Equals, math.Pow(2, -24))
	c.Assert(ckpt.Tensors["brain"].Data, qt.DeepEquals, []float32{1, -0.5, 3})
}

func TestCheckpoint_SkipsBatchCounters(t *testing.T) {
	c := qt.New(t)

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[8:], math.Float32bits(0.5))

	raw := rawCheckpoint(c, map[string]any{
		"features.0.1.num_batches_tracked": tensorHeader{Dtype: "I64", Shape: []int{}, DataOffsets: [2]int64{0, 8}},
		"features.0.1.weight":              tensorHeader{Dtype: "F32", Shape: []int{1}, DataOffsets: [2]int64{8, 12}},
	}, data)

	ckpt, err := ReadCheckpoint(bytes.NewReader(raw))
	c.Assert(err, qt.IsNil)
	c.Assert(ckpt.Skipped, qt.DeepEquals, []string{"features.0.1.num_batches_tracked"})
	c.Assert(ckpt.Tensors, qt.HasLen, 1)
}

func TestCheckpoint_Malformed(t *testing.T) {
	c := qt.New(t)

	testCases := []struct {
		name string
		raw  []byte
		want string
	}{
		{
			name: "empty",
			raw:  nil,
			want: "missing header length: malformed checkpoint",
		},
		{
			name: "oversized header",
			raw:  binary.LittleEndian.AppendUint64(nil, maxHeaderSize+1),
			want: "header length .* out of range: malformed checkpoint",
		},
		{
			name: "truncated header",
			raw:  append(binary.LittleEndian.AppendUint64(nil, 64), '{'),
			want: "truncated header: malformed checkpoint",
		},
		{
			name: "offsets beyond data",
			raw: rawCheckpoint(c, map[string]any{
				"w": tensorHeader{Dtype: "F32", Shape: []int{4}, DataOffsets: [2]int64{0, 16}},
			}, make([]byte, 8)),
			want: "w: offsets .* outside data of 8 bytes: malformed checkpoint",
		},
		{
			name: "size does not match shape",
			raw: rawCheckpoint(c, map[string]any{
				"w": tensorHeader{Dtype: "F32", Shape: []int{3}, DataOffsets: [2]int64{0, 8}},
			}, make([]byte, 8)),
			want: "w: 8 bytes for 3 elements of F32: malformed checkpoint",
		},
		{
			name: "integer weights",
			raw: rawCheckpoint(c, map[string]any{
				"w": tensorHeader{Dtype: "I32", Shape: []int{2}, DataOffsets: [2]int64{0, 8}},
			}, make([]byte, 8)),
			want: "w: dtype I32 cannot hold weights: malformed checkpoint",
		},
		{
			name: "unknown dtype",
			raw: rawCheckpoint(c, map[string]any{
				"w": tensorHeader{Dtype: "F8_E4M3", Shape: []int{2}, DataOffsets: [2]int64{0, 2}},
			}, make([]byte, 2)),
			want: "w: unsupported dtype F8_E4M3: malformed checkpoint",
		},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			_, err := ReadCheckpoint(bytes.NewReader(tc.raw))
			c.Assert(err, qt.ErrorMatches, tc.want)
			c.Assert(err, qt.ErrorIs, ErrCheckpointFormat)
		})
	}
}

func TestCheckpoint_ReservedName(t *testing.T) {
	c := qt.New(t)
	err := WriteCheckpoint(&bytes.Buffer{}, map[string]*tensor.Tensor{metadataKey: tensor.New(1)}, nil)
	c.Assert(err, qt.ErrorMatches, `tensor name "__metadata__" is reserved`)
}
