package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointMismatch = errors.New("checkpoint was written for a different architecture")
	ErrVocabMismatch      = errors.New("checkpoint vocabulary size mismatch")
)

// CheckpointStore reads and writes named blobs. Put must not return before
// the blob is durable.
type CheckpointStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
}

type savedParam struct {
	Name  string
	Shape []int
	Data  []float64
}

type checkpoint struct {
	SettingsKey string
	VocabSize   int
	Params      []savedParam
}

// CheckpointName is the blob name for a model built from cfg over a
// vocabulary of vocabSize characters.
func CheckpointName(cfg Config, vocabSize int) string {
	return fmt.Sprintf("nanogpt_%s_%d.gob", cfg.SettingsKey(), vocabSize)
}

// MarshalBinary serializes every parameter together with the settings key
// and vocabulary size it was built for.
func (m *LanguageModel) MarshalBinary() ([]byte, error) {
	ck := checkpoint{
		SettingsKey: m.cfg.SettingsKey(),
		VocabSize:   m.vocabSize,
		Params:      make([]savedParam, len(m.params)),
	}
	for i, p := range m.params {
		ck.Params[i] = savedParam{
			Name:  p.name,
			Shape: slices.Clone([]int(p.Shape())),
			Data:  slices.Clone(p.Data()),
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ck); err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the parameter values with those in data. Nothing
// is modified unless the whole checkpoint matches this model.
func (m *LanguageModel) UnmarshalBinary(data []byte) error {
	var ck checkpoint
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ck); err != nil {
		return fmt.Errorf("decoding checkpoint: %w", err)
	}
	if ck.SettingsKey != m.cfg.SettingsKey() {
		return fmt.Errorf("%w: checkpoint key %q, model key %q", ErrCheckpointMismatch, ck.SettingsKey, m.cfg.SettingsKey())
	}
	if ck.VocabSize != m.vocabSize {
		return fmt.Errorf("%w: checkpoint has %d tokens, model has %d", ErrVocabMismatch, ck.VocabSize, m.vocabSize)
	}
	if len(ck.Params) != len(m.params) {
		return fmt.Errorf("%w: checkpoint has %d parameters, model has %d", ErrCheckpointMismatch, len(ck.Params), len(m.params))
	}
	for i, p := range m.params {
		sp := ck.Params[i]
		if sp.Name != p.name || !slices.Equal(sp.Shape, []int(p.Shape())) || len(sp.Data) != len(p.Data()) {
			return fmt.Errorf("%w: parameter %d is %s%v, want %s%v",
				ErrCheckpointMismatch, i, sp.Name, sp.Shape, p.name, p.Shape())
		}
	}

	for i, p := range m.params {
		copy(p.Data(), ck.Params[i].Data)
	}
	return nil
}

func SaveCheckpoint(ctx context.Context, store CheckpointStore, m *LanguageModel) error {
	blob, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	name := CheckpointName(m.cfg, m.vocabSize)
	if err := store.Put(ctx, name, blob); err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", name, err)
	}
	return nil
}

func LoadCheckpoint(ctx context.Context, store CheckpointStore, m *LanguageModel) error {
	name := CheckpointName(m.cfg, m.vocabSize)
	blob, err := store.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("loading checkpoint %s: %w", name, err)
	}
	if err := m.UnmarshalBinary(blob); err != nil {
		return fmt.Errorf("loading checkpoint %s: %w", name, err)
	}
	return nil
}

// FileStore keeps blobs as files in a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}
	return data, err
}

// Put writes to a temporary file and renames it into place, so a reader
// never observes a partial blob.
func (s *FileStore) Put(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, name+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, name))
}
