// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint saves and loads training checkpoints: the values of the model and
// discriminator variables, their optimizer state and the training cursor.
//
// Each checkpoint is a single file, written atomically: it is first written to a temporary
// file in the same directory, synced, and then renamed over its final name. A failed write
// never replaces a previous checkpoint.
//
// File format:
//
//	| "advseg_ckpt" | version (1 byte) | gzip stream ... |
//
// The gzip stream holds a gob-encoded header (cursor, metadata and an index of the variables)
// followed by the gob-serialized tensors, in index order.
package checkpoint

import (
	"bufio"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	magic   = "advseg_ckpt"
	version = byte(1)

	// Suffix of checkpoint files.
	Suffix = ".ckpt"
)

// Metadata identifies the run that wrote a checkpoint.
type Metadata struct {
	RunID    string
	WallTime time.Time

	// BestMeanDice is the best validation mean Dice seen so far by the run, if Validated.
	BestMeanDice float64
	Validated    bool
}

// Values maps variable keys (see Key) to their values.
type Values map[string]*tensors.Tensor

// Record is the content of one checkpoint.
//
// Epoch and Iteration are those of the last completed step when the checkpoint was taken.
type Record struct {
	Epoch, Iteration int
	Metadata         Metadata

	// Model holds the segmentation model variables, and ModelOptimizer the state of its optimizer.
	Model, ModelOptimizer Values

	// Discriminators holds the variables of both discriminators, and DiscriminatorOptimizers the
	// state of their optimizers. Both may be empty.
	Discriminators, DiscriminatorOptimizers Values
}

// Section names, as stored in the file index.
const (
	SectionModel                  = "model"
	SectionModelOptimizer         = "model_optimizer"
	SectionDiscriminators         = "discriminators"
	SectionDiscriminatorOptimizer = "discriminator_optimizers"
)

var sectionNames = []string{SectionModel, SectionModelOptimizer, SectionDiscriminators, SectionDiscriminatorOptimizer}

// section returns a pointer to the Values of the given section.
func (r *Record) section(name string) *Values {
	switch name {
	case SectionModel:
		return &r.Model
	case SectionModelOptimizer:
		return &r.ModelOptimizer
	case SectionDiscriminators:
		return &r.Discriminators
	case SectionDiscriminatorOptimizer:
		return &r.DiscriminatorOptimizers
	}
	return nil
}

// NumVariables returns the total number of variables in the record.
func (r *Record) NumVariables() int {
	return len(r.Model) + len(r.ModelOptimizer) + len(r.Discriminators) + len(r.DiscriminatorOptimizers)
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	return fmt.Sprintf("checkpoint(epoch=%d, iteration=%d, %d variables)", r.Epoch, r.Iteration, r.NumVariables())
}

// Finalize frees the tensors held by the record. It should only be called on records returned by
// Load whose values were not transferred to variables.
func (r *Record) Finalize() {
	for _, name := range sectionNames {
		for _, t := range *r.section(name) {
			if t != nil && t.Ok() {
				t.MustFinalizeAll()
			}
		}
	}
}

type indexEntry struct {
	Section, Key string
}

type header struct {
	Epoch, Iteration int
	Metadata         Metadata
	Index            []indexEntry
}

// write serializes rec to w.
func write(w io.Writer, rec *Record) error {
	if _, err := w.Write(append([]byte(magic), version)); err != nil {
		return errors.Wrap(err, "failed to write checkpoint header")
	}
	zw := gzip.NewWriter(w)
	enc := gob.NewEncoder(zw)
	h := header{Epoch: rec.Epoch, Iteration: rec.Iteration, Metadata: rec.Metadata}
	var values []*tensors.Tensor
	for _, name := range sectionNames {
		section := *rec.section(name)
		keys := make([]string, 0, len(section))
		for key := range section {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			h.Index = append(h.Index, indexEntry{Section: name, Key: key})
			values = append(values, section[key])
		}
	}
	if err := enc.Encode(&h); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint header")
	}
	for ii, t := range values {
		if t == nil {
			return errors.Errorf("checkpoint value for %q is nil", h.Index[ii].Key)
		}
		if err := t.GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "failed to serialize %s %q", h.Index[ii].Section, h.Index[ii].Key)
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish compressed checkpoint stream")
	}
	return nil
}

// read parses a checkpoint written by write.
func read(r io.Reader) (*Record, error) {
	buf := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint header")
	}
	if string(buf[:len(magic)]) != magic {
		return nil, errors.New("not a checkpoint file (invalid header)")
	}
	if buf[len(magic)] != version {
		return nil, errors.Errorf("unsupported checkpoint version %d (want %d)", buf[len(magic)], version)
	}
	zr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read compressed checkpoint stream")
	}
	defer func() { _ = zr.Close() }()
	dec := gob.NewDecoder(zr)
	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint header")
	}
	rec := &Record{Epoch: h.Epoch, Iteration: h.Iteration, Metadata: h.Metadata}
	for _, name := range sectionNames {
		*rec.section(name) = make(Values)
	}
	for _, entry := range h.Index {
		section := rec.section(entry.Section)
		if section == nil {
			rec.Finalize()
			return nil, errors.Errorf("unknown checkpoint section %q", entry.Section)
		}
		t, err := tensors.GobDeserialize(dec)
		if err != nil {
			rec.Finalize()
			return nil, errors.WithMessagef(err, "failed to deserialize %s %q", entry.Section, entry.Key)
		}
		(*section)[entry.Key] = t
	}
	return rec, nil
}

// Load reads the checkpoint file at path.
func Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint")
	}
	defer func() { _ = f.Close() }()
	rec, err := read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	return rec, nil
}
