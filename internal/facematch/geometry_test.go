package facematch

import (
	"math"
	"testing"
)

func TestComputeIoU(t *testing.T) {
	tests := []struct {
		name string
		a    []float64
		b    []float64
		want float64
	}{
		{"same face box", []float64{120, 80, 220, 200}, []float64{120, 80, 220, 200}, 1.0},
		{"two people side by side", []float64{0, 0, 100, 120}, []float64{150, 0, 250, 120}, 0},
		{"touching edges", []float64{0, 0, 100, 100}, []float64{100, 0, 200, 100}, 0},
		// 50x50 overlap of two 100x100 boxes: 2500 / (10000+10000-2500)
		{"shifted detection", []float64{0, 0, 100, 100}, []float64{50, 50, 150, 150}, 2500.0 / 17500.0},
		// smaller box fully inside: 40*40 / 80*80
		{"nested detection", []float64{10, 10, 90, 90}, []float64{30, 30, 70, 70}, 1600.0 / 6400.0},
		{"short box", []float64{0, 0, 10}, []float64{0, 0, 10, 10}, 0},
		{"no boxes", nil, nil, 0},
		{"degenerate boxes", []float64{5, 5, 5, 5}, []float64{5, 5, 5, 5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeIoU(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ComputeIoU(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestRelativeBox(t *testing.T) {
	tests := []struct {
		name     string
		bbox     []float64
		width    int
		height   int
		expected []float64
	}{
		{
			name:     "simple conversion",
			bbox:     []float64{100, 200, 300, 400},
			width:    1000,
			height:   1000,
			expected: []float64{0.1, 0.2, 0.3, 0.4},
		},
		{
			name:     "full image",
			bbox:     []float64{0, 0, 1920, 1080},
			width:    1920,
			height:   1080,
			expected: []float64{0, 0, 1, 1},
		},
		{
			name:     "invalid bbox",
			bbox:     []float64{100, 200},
			width:    1000,
			height:   1000,
			expected: []float64{100, 200},
		},
		{
			name:     "zero dimensions",
			bbox:     []float64{100, 200, 300, 400},
			width:    0,
			height:   1000,
			expected: []float64{100, 200, 300, 400},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RelativeBox(tt.bbox, tt.width, tt.height)
			if len(result) != len(tt.expected) {
				t.Errorf("RelativeBox() length = %d, want %d", len(result), len(tt.expected))
				return
			}
			for i := range result {
				if math.Abs(result[i]-tt.expected[i]) > 0.0001 {
					t.Errorf("RelativeBox()[%d] = %v, want %v", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestDistinctBoxes(t *testing.T) {
	tests := []struct {
		name     string
		boxes    [][]float64
		expected []int
	}{
		{"empty", nil, []int{}},
		{"separate faces", [][]float64{{0, 0, 10, 10}, {20, 20, 30, 30}}, []int{0, 1}},
		{"same face twice", [][]float64{{0, 0, 10, 10}, {0, 0, 10, 11}, {50, 50, 60, 60}}, []int{0, 2}},
		{"boxes without coordinates", [][]float64{nil, nil}, []int{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistinctBoxes(tt.boxes, 0.8)
			if len(got) != len(tt.expected) {
				t.Fatalf("DistinctBoxes() = %v, want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("DistinctBoxes() = %v, want %v", got, tt.expected)
					break
				}
			}
		})
	}
}
