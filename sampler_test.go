package main

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func sequence(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func TestNewDataSamplerSplitsOnce(t *testing.T) {
	for _, n := range []int{10, 101, 1000} {
		s := NewDataSampler(sequence(n), 0.9, rand.NewPCG(1, 1))
		train, test := s.Len(SplitTrain), s.Len(SplitTest)
		if train+test != n {
			t.Errorf("n=%d: splits hold %d+%d tokens", n, train, test)
		}
		if want := int(float64(n) * 0.9); train != want {
			t.Errorf("n=%d: expected %d train tokens, got %d", n, want, train)
		}
	}
}

func TestSampleTargetsAreShiftedInputs(t *testing.T) {
	s := NewDataSampler(sequence(500), 0.9, rand.NewPCG(2, 3))
	for _, split := range splits {
		b, err := s.Sample(split, 6, 8)
		if err != nil {
			t.Fatalf("%s: %v", split, err)
		}
		if len(b.Inputs) != 6 || len(b.Targets) != 6 {
			t.Fatalf("%s: expected 6 rows, got %d/%d", split, len(b.Inputs), len(b.Targets))
		}
		for r := range b.Inputs {
			in, tg := b.Inputs[r], b.Targets[r]
			if len(in) != 8 || len(tg) != 8 {
				t.Fatalf("%s: row %d has lengths %d/%d", split, r, len(in), len(tg))
			}
			for i := range in {
				if tg[i] != in[i]+1 {
					t.Errorf("%s: row %d position %d: input %d, target %d", split, r, i, in[i], tg[i])
				}
			}
			if split == SplitTest && in[0] < s.Len(SplitTrain) {
				t.Errorf("test window starts inside the train split at %d", in[0])
			}
			if split == SplitTrain && tg[7] >= s.Len(SplitTrain) {
				t.Errorf("train window runs past the split at %d", tg[7])
			}
		}
	}
}

func TestSampleWithMinimalSplit(t *testing.T) {
	s := NewDataSampler(sequence(5), 1, rand.NewPCG(4, 4))
	b, err := s.Sample(SplitTrain, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	for r := range b.Inputs {
		if b.Inputs[r][0] != 0 || b.Targets[r][3] != 4 {
			t.Errorf("row %d: expected the only window, got %v -> %v", r, b.Inputs[r], b.Targets[r])
		}
	}
}

func TestSampleRejectsShortSplits(t *testing.T) {
	s := NewDataSampler(sequence(20), 0.9, rand.NewPCG(5, 5))
	if _, err := s.Sample(SplitTest, 1, 2); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for a 2-token test split, got %v", err)
	}
	if _, err := s.Sample(SplitTrain, 0, 2); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for zero batch size, got %v", err)
	}
	if _, err := s.Sample(SplitTrain, 1, 0); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for zero block size, got %v", err)
	}
}

func TestSampleDoesNotAliasCorpus(t *testing.T) {
	data := sequence(50)
	s := NewDataSampler(data, 0.8, rand.NewPCG(6, 6))
	b, err := s.Sample(SplitTrain, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	first := b.Inputs[0][0]
	b.Inputs[0][0] = -1
	if data[first] != first {
		t.Error("mutating a batch changed the corpus")
	}
}
