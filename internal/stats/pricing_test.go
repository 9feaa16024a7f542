package stats_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bkyoung/llmflow/internal/domain"
	"github.com/bkyoung/llmflow/internal/stats"
)

func testModels() domain.ModelTable {
	return domain.ModelTable{
		"gpt-4o": {
			Input:      2.5,
			Output:     10.0,
			Cache:      1.25,
			JSONSchema: true,
		},
		"gpt-4o-mini": {
			Input:  0.15,
			Output: 0.6,
			Cache:  0.075,
		},
	}
}

func TestCostCalculation(t *testing.T) {
	p := stats.NewTablePricing(testModels())

	tests := []struct {
		name    string
		model   string
		in      int
		cached  int
		out     int
		want    float64
	}{
		{
			name:  "uncached request",
			model: "gpt-4o",
			in:    1000, out: 500,
			want: 1000/1000.0*2.5 + 500/1000.0*10.0,
		},
		{
			name:  "partially cached input",
			model: "gpt-4o",
			in:    1000, cached: 400, out: 0,
			want: 600/1000.0*2.5 + 400/1000.0*1.25,
		},
		{
			name:  "cached exceeds input clamps to zero",
			model: "gpt-4o",
			in:    100, cached: 300, out: 0,
			want: 300 / 1000.0 * 1.25,
		},
		{
			name:  "unknown model prices at zero",
			model: "missing",
			in:    10000, out: 10000,
			want: 0,
		},
		{
			name:  "zero usage",
			model: "gpt-4o-mini",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Cost(tt.model, tt.in, tt.cached, tt.out)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestCostLinearity(t *testing.T) {
	p := stats.NewTablePricing(testModels())

	full := p.Cost("gpt-4o", 2000, 800, 1000)
	half := p.Cost("gpt-4o", 1000, 400, 500)
	assert.InDelta(t, full, 2*half, 1e-12, "halving all usage figures halves the cost exactly")
}
