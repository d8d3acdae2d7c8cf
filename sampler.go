package main

import (
	"fmt"
	"math/rand/v2"
)

type Split int

const (
	SplitTrain Split = iota
	SplitTest
)

var splits = []Split{SplitTrain, SplitTest}

func (s Split) String() string {
	if s == SplitTest {
		return "test"
	}
	return "train"
}

// Batch is a pair of (batchSize, blockSize) id windows where each target
// row is its input row shifted one token later.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// DataSampler draws random windows from the train and test parts of an
// encoded corpus.
type DataSampler struct {
	train []int
	test  []int
	rng   *rand.Rand
}

// NewDataSampler splits encoded once into a training prefix holding
// trainFraction of the tokens and a held-out suffix.
func NewDataSampler(encoded []int, trainFraction float64, src rand.Source) *DataSampler {
	n := int(float64(len(encoded)) * trainFraction)
	return &DataSampler{
		train: encoded[:n],
		test:  encoded[n:],
		rng:   rand.New(src),
	}
}

func (s *DataSampler) Len(split Split) int {
	return len(s.data(split))
}

func (s *DataSampler) data(split Split) []int {
	if split == SplitTest {
		return s.test
	}
	return s.train
}

// Sample picks batchSize offsets uniformly from [0, len-blockSize-1] and
// cuts a window of blockSize+1 tokens at each.
func (s *DataSampler) Sample(split Split, batchSize, blockSize int) (Batch, error) {
	data := s.data(split)
	if batchSize <= 0 || blockSize <= 0 {
		return Batch{}, fmt.Errorf("%w: batch size %d and block size %d must be positive", ErrShape, batchSize, blockSize)
	}
	if len(data) < blockSize+1 {
		return Batch{}, fmt.Errorf("%w: %s split has %d tokens, need at least %d",
			ErrShape, split, len(data), blockSize+1)
	}

	b := Batch{
		Inputs:  make([][]int, batchSize),
		Targets: make([][]int, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		off := s.rng.IntN(len(data) - blockSize)
		b.Inputs[i] = append([]int(nil), data[off:off+blockSize]...)
		b.Targets[i] = append([]int(nil), data[off+1:off+blockSize+1]...)
	}
	return b, nil
}
