// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"iter"
	"math"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// NamedTensor is a tensor and its name in a ".safetensors" file.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

const safetensorsMetadataKey = "__metadata__"

type tensorMetadata struct {
	// Format is only present for the safetensorsMetadataKey ("__metadata__").
	Format string `json:"format,omitempty"`

	DTypeName  string   `json:"dtype,omitempty"`
	Dimensions []int    `json:"shape"`
	Offsets    []uint64 `json:"data_offsets"`

	// Name is filled later, with the key to the tensor.
	Name string `json:"-"`
}

// elementSize returns the number of bytes per element of the stored dtype, or 0 if not supported.
func (t *tensorMetadata) elementSize() int {
	switch t.DTypeName {
	case "F64":
		return 8
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	}
	return 0
}

func (t *tensorMetadata) size() int {
	size := 1
	for _, dim := range t.Dimensions {
		size *= dim
	}
	return size
}

// decode converts the raw little-endian data to float64 values.
func (t *tensorMetadata) decode(raw []byte) []float64 {
	values := make([]float64, t.size())
	for ii := range values {
		switch t.DTypeName {
		case "F64":
			values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*ii:]))
		case "F32":
			values[ii] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*ii:])))
		case "F16":
			values[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[2*ii:])).Float32())
		case "BF16":
			values[ii] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*ii:])) << 16))
		}
	}
	return values
}

// ReadSafetensors iterates over the tensors stored in the ".safetensors" file at path, in the
// order they are stored.
//
// Floating point tensors (F64, F32, F16 and BF16) are supported, and are converted to Float32,
// except F64 which is kept as Float64.
func ReadSafetensors(path string) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(nil, errors.Wrapf(err, "failed to open safetensors file"))
			return
		}
		defer func() { _ = f.Close() }()
		for named, err := range scanSafetensors(bufio.NewReader(f)) {
			if err != nil {
				yield(nil, errors.WithMessagef(err, "reading %q", path))
				return
			}
			if !yield(named, nil) {
				return
			}
		}
	}
}

func scanSafetensors(r io.Reader) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		var metadataLen uint64
		if err := binary.Read(r, binary.LittleEndian, &metadataLen); err != nil {
			yield(nil, errors.Wrapf(err, "failed to read metadata length"))
			return
		}
		if metadataLen > 100<<20 {
			yield(nil, errors.Errorf("invalid metadata length %d", metadataLen))
			return
		}
		metadataBuf := make([]byte, metadataLen)
		if _, err := io.ReadFull(r, metadataBuf); err != nil {
			yield(nil, errors.Wrapf(err, "failed to read metadata"))
			return
		}
		var metadata map[string]*tensorMetadata
		if err := json.Unmarshal(metadataBuf, &metadata); err != nil {
			yield(nil, errors.Wrapf(err, "failed to parse json from metadata"))
			return
		}

		// Sort metadata by their offsets, and strip the global metadata.
		sortedMetadata := make([]*tensorMetadata, 0, len(metadata))
		for name, tData := range metadata {
			if name == safetensorsMetadataKey {
				continue
			}
			tData.Name = name
			if len(tData.Offsets) != 2 || tData.Offsets[1] < tData.Offsets[0] {
				yield(nil, errors.Errorf("offset metadata[%q][\"data_offsets\"] invalid, "+
					"expected [start, end] but got %v instead", name, tData.Offsets))
				return
			}
			if tData.elementSize() == 0 {
				yield(nil, errors.Errorf("unsupported dtype %q in metadata[%q][\"dtype\"]", tData.DTypeName, name))
				return
			}
			if size := tData.Offsets[1] - tData.Offsets[0]; size != uint64(tData.size()*tData.elementSize()) {
				yield(nil, errors.Errorf("tensor %q shaped %v of %s requires %d bytes, but data_offsets reserve %d bytes",
					name, tData.Dimensions, tData.DTypeName, tData.size()*tData.elementSize(), size))
				return
			}
			sortedMetadata = append(sortedMetadata, tData)
		}
		slices.SortFunc(sortedMetadata, func(a, b *tensorMetadata) int {
			if a.Offsets[0] < b.Offsets[0] {
				return -1
			}
			return 1
		})

		// Tensors must be contiguous.
		var lastOffset uint64
		for _, tData := range sortedMetadata {
			if tData.Offsets[0] != lastOffset {
				yield(nil, errors.Errorf("data_offsets of %q not contiguous: expected %d, got %d",
					tData.Name, lastOffset, tData.Offsets[0]))
				return
			}
			lastOffset = tData.Offsets[1]
		}

		for _, tData := range sortedMetadata {
			raw := make([]byte, tData.Offsets[1]-tData.Offsets[0])
			if _, err := io.ReadFull(r, raw); err != nil {
				yield(nil, errors.Wrapf(err, "tensor %q: failed to read %d bytes", tData.Name, len(raw)))
				return
			}
			values := tData.decode(raw)
			var t *tensors.Tensor
			if tData.DTypeName == "F64" {
				t = tensors.FromFlatDataAndDimensions(values, tData.Dimensions...)
			} else {
				t = tensors.FromFlatDataAndDimensions(toFloat32(values), tData.Dimensions...)
			}
			if !yield(&NamedTensor{tData.Name, t}, nil) {
				return
			}
		}
	}
}

func toFloat32(values []float64) []float32 {
	out := make([]float32, len(values))
	for ii, v := range values {
		out[ii] = float32(v)
	}
	return out
}

// WriteSafetensors writes the tensors to w in ".safetensors" format.
// Only Float32 and Float64 tensors are supported.
func WriteSafetensors(w io.Writer, named []NamedTensor) error {
	metadata := make(map[string]any, len(named)+1)
	metadata[safetensorsMetadataKey] = map[string]string{"format": "pt"}
	var offset uint64
	for _, nt := range named {
		shape := nt.Tensor.Shape()
		var dtypeName string
		switch shape.DType {
		case dtypes.Float32:
			dtypeName = "F32"
		case dtypes.Float64:
			dtypeName = "F64"
		default:
			return errors.Errorf("tensor %q: dtype %s not supported for safetensors export", nt.Name, shape.DType)
		}
		if _, found := metadata[nt.Name]; found {
			return errors.Errorf("tensor %q given more than once", nt.Name)
		}
		size := uint64(shape.Memory())
		metadata[nt.Name] = &tensorMetadata{
			DTypeName:  dtypeName,
			Dimensions: append([]int{}, shape.Dimensions...),
			Offsets:    []uint64{offset, offset + size},
		}
		offset += size
	}
	header, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "failed to serialize safetensors metadata")
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(header))); err != nil {
		return errors.Wrap(err, "failed to write safetensors header length")
	}
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "failed to write safetensors header")
	}
	for _, nt := range named {
		var writeErr error
		err := nt.Tensor.ConstBytes(func(data []byte) {
			_, writeErr = w.Write(data)
		})
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", nt.Name)
		}
		if writeErr != nil {
			return errors.Wrapf(writeErr, "failed to write tensor %q", nt.Name)
		}
	}
	return nil
}
