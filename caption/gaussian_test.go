package caption

import (
	"math"
	"testing"
)

func samples(label Label, vs ...FeatureVector) ClassSamples {
	return ClassSamples{Label: label, Features: vs}
}

func TestClassMeans(t *testing.T) {
	tests := []struct {
		name string
		s    ClassSamples
		n    int
		want []float64
	}{
		{
			name: "empty class",
			s:    samples(LabelIn),
			n:    2,
			want: []float64{0, 0},
		},
		{
			name: "single sample",
			s:    samples(LabelIn, FeatureVector{1, 2}),
			n:    2,
			want: []float64{1, 2},
		},
		{
			name: "three samples",
			s: samples(LabelIn,
				FeatureVector{0, 3},
				FeatureVector{3, 6},
				FeatureVector{6, 0},
			),
			n:    2,
			want: []float64{3, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassMeans(tt.s, tt.n)
			if !floatsAlmostEqual(got, tt.want) {
				t.Errorf("ClassMeans() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassCovariance(t *testing.T) {
	t.Run("fewer than 2 samples gives identity", func(t *testing.T) {
		got := ClassCovariance(samples(LabelIn, FeatureVector{1, 2}), 2)
		if !floatsAlmostEqual(got, IdentityMatrix(2)) {
			t.Errorf("ClassCovariance() = %v, want identity", got)
		}
	})

	t.Run("two samples", func(t *testing.T) {
		// Means (1, 1); deviations (±1, ±1) give variance 2 and covariance 2
		// under the count-1 normalization.
		s := samples(LabelIn,
			FeatureVector{0, 0},
			FeatureVector{2, 2},
		)
		got := ClassCovariance(s, 2)
		want := []float64{2, 2, 2, 2}
		if !floatsAlmostEqual(got, want) {
			t.Errorf("ClassCovariance() = %v, want %v", got, want)
		}
	})

	t.Run("anti-correlated features", func(t *testing.T) {
		s := samples(LabelOut,
			FeatureVector{-1, 1},
			FeatureVector{1, -1},
		)
		got := ClassCovariance(s, 2)
		want := []float64{2, -2, -2, 2}
		if !floatsAlmostEqual(got, want) {
			t.Errorf("ClassCovariance() = %v, want %v", got, want)
		}
	})

	t.Run("result is symmetric", func(t *testing.T) {
		s := samples(LabelIn,
			FeatureVector{0.1, 0.9, 0.3},
			FeatureVector{0.4, 0.2, 0.8},
			FeatureVector{0.7, 0.5, 0.1},
		)
		n := 3
		got := ClassCovariance(s, n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if !almostEqual(got[i*n+j], got[j*n+i]) {
					t.Errorf("cov[%d][%d] = %v != cov[%d][%d] = %v",
						i, j, got[i*n+j], j, i, got[j*n+i])
				}
			}
		}
	})
}

func TestPooledCovariance(t *testing.T) {
	t.Run("under 2 total samples gives identity", func(t *testing.T) {
		got := PooledCovariance(samples(LabelIn, FeatureVector{1}), samples(LabelOut), 1)
		if !floatsAlmostEqual(got, IdentityMatrix(1)) {
			t.Errorf("PooledCovariance() = %v, want identity", got)
		}
	})

	t.Run("equal class sizes average the covariances", func(t *testing.T) {
		in := samples(LabelIn, FeatureVector{0}, FeatureVector{2})    // variance 2
		out := samples(LabelOut, FeatureVector{0}, FeatureVector{4}) // variance 8
		got := PooledCovariance(in, out, 1)
		if !almostEqual(got[0], 5) {
			t.Errorf("PooledCovariance() = %v, want [5]", got)
		}
	})

	t.Run("weights by class size", func(t *testing.T) {
		// in: 3 samples with variance 1; out: 1 sample contributing identity.
		in := samples(LabelIn, FeatureVector{0}, FeatureVector{1}, FeatureVector{2})
		out := samples(LabelOut, FeatureVector{10})
		got := PooledCovariance(in, out, 1)
		want := (3.0*1.0 + 1.0*1.0) / 4.0
		if !almostEqual(got[0], want) {
			t.Errorf("PooledCovariance() = %v, want [%v]", got, want)
		}
	})
}

func TestEstimateGaussians(t *testing.T) {
	const minStd = 0.01

	t.Run("known mean and std", func(t *testing.T) {
		s := samples(LabelIn,
			FeatureVector{2, 10},
			FeatureVector{4, 10},
			FeatureVector{6, 10},
		)
		got := EstimateGaussians(s, 2, minStd)

		if !almostEqual(got[0].Mean, 4) {
			t.Errorf("feature 0 mean = %v, want 4", got[0].Mean)
		}
		if !almostEqual(got[0].Std, 2) {
			t.Errorf("feature 0 std = %v, want 2", got[0].Std)
		}
	})

	t.Run("constant feature floors at minStd", func(t *testing.T) {
		s := samples(LabelIn,
			FeatureVector{1, 5},
			FeatureVector{1, 7},
		)
		got := EstimateGaussians(s, 2, minStd)
		if got[0].Std != minStd {
			t.Errorf("constant feature std = %v, want %v", got[0].Std, minStd)
		}
	})

	t.Run("single sample", func(t *testing.T) {
		s := samples(LabelIn, FeatureVector{3, 4})
		got := EstimateGaussians(s, 2, minStd)
		if !almostEqual(got[0].Mean, 3) || !almostEqual(got[1].Mean, 4) {
			t.Errorf("means = (%v, %v), want (3, 4)", got[0].Mean, got[1].Mean)
		}
		if got[0].Std != minStd || got[1].Std != minStd {
			t.Errorf("stds = (%v, %v), want both %v", got[0].Std, got[1].Std, minStd)
		}
	})

	t.Run("empty class", func(t *testing.T) {
		got := EstimateGaussians(samples(LabelOut), 2, minStd)
		for i, p := range got {
			if p.Mean != 0 || p.Std != minStd {
				t.Errorf("feature %d = %+v, want mean 0 std %v", i, p, minStd)
			}
		}
	})
}

func TestComputeFeatureImportance(t *testing.T) {
	names := []string{"a", "b", "c"}

	t.Run("ranks by class separation", func(t *testing.T) {
		in := []GaussianParams{
			{Mean: 0, Std: 1},  // no separation
			{Mean: 10, Std: 1}, // strong separation
			{Mean: 1, Std: 1},  // mild separation
		}
		out := []GaussianParams{
			{Mean: 0, Std: 1},
			{Mean: 0, Std: 1},
			{Mean: 0, Std: 1},
		}

		got := ComputeFeatureImportance(in, out, names)
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}

		// Scores stay in index order; the strongest feature gets weight 1.
		for i, fs := range got {
			if fs.Index != i {
				t.Errorf("scores[%d].Index = %d, want %d", i, fs.Index, i)
			}
			if fs.Name != names[i] {
				t.Errorf("scores[%d].Name = %q, want %q", i, fs.Name, names[i])
			}
		}

		if !almostEqual(got[0].Score, 0) {
			t.Errorf("feature a score = %v, want 0", got[0].Score)
		}
		if !almostEqual(got[1].Score, 50) { // 10^2 / (1+1)
			t.Errorf("feature b score = %v, want 50", got[1].Score)
		}
		if !almostEqual(got[2].Score, 0.5) { // 1^2 / (1+1)
			t.Errorf("feature c score = %v, want 0.5", got[2].Score)
		}

		if !almostEqual(got[1].Weight, 1) {
			t.Errorf("strongest feature weight = %v, want 1", got[1].Weight)
		}
		if !almostEqual(got[2].Weight, 0.01) {
			t.Errorf("feature c weight = %v, want 0.01", got[2].Weight)
		}
		if !almostEqual(got[0].Weight, 0) {
			t.Errorf("feature a weight = %v, want 0", got[0].Weight)
		}
	})

	t.Run("identical classes score zero without weights", func(t *testing.T) {
		params := []GaussianParams{{Mean: 1, Std: 0.5}, {Mean: 2, Std: 0.5}}
		got := ComputeFeatureImportance(params, params, []string{"a", "b"})
		for i, fs := range got {
			if fs.Score != 0 || fs.Weight != 0 {
				t.Errorf("scores[%d] = %+v, want zero score and weight", i, fs)
			}
		}
	})

	t.Run("zero denominator scores zero", func(t *testing.T) {
		in := []GaussianParams{{Mean: 1, Std: 0}}
		out := []GaussianParams{{Mean: 3, Std: 0}}
		got := ComputeFeatureImportance(in, out, []string{"a"})
		if got[0].Score != 0 {
			t.Errorf("score = %v, want 0 for zero variance", got[0].Score)
		}
	})

	t.Run("missing names come back empty", func(t *testing.T) {
		in := []GaussianParams{{Mean: 1, Std: 1}, {Mean: 2, Std: 1}}
		out := []GaussianParams{{Mean: 0, Std: 1}, {Mean: 0, Std: 1}}
		got := ComputeFeatureImportance(in, out, []string{"only"})
		if got[0].Name != "only" {
			t.Errorf("scores[0].Name = %q, want %q", got[0].Name, "only")
		}
		if got[1].Name != "" {
			t.Errorf("scores[1].Name = %q, want empty", got[1].Name)
		}
	})
}

func TestImportanceWeights(t *testing.T) {
	t.Run("nil without importance", func(t *testing.T) {
		m := &Model{NumFeatures: 3}
		if w := m.ImportanceWeights(); w != nil {
			t.Errorf("ImportanceWeights() = %v, want nil", w)
		}
	})

	t.Run("maps weights to indices", func(t *testing.T) {
		m := &Model{
			NumFeatures: 3,
			Importance: []FisherScore{
				{Index: 2, Weight: 1.0},
				{Index: 0, Weight: 0.25},
			},
		}
		got := m.ImportanceWeights()
		want := []float64{0.25, 0, 1.0}
		if !floatsAlmostEqual(got, want) {
			t.Errorf("ImportanceWeights() = %v, want %v", got, want)
		}
	})

	t.Run("out of range indices are ignored", func(t *testing.T) {
		m := &Model{
			NumFeatures: 2,
			Importance: []FisherScore{
				{Index: 5, Weight: 1.0},
				{Index: -1, Weight: 0.5},
				{Index: 1, Weight: 0.75},
			},
		}
		got := m.ImportanceWeights()
		want := []float64{0, 0.75}
		if !floatsAlmostEqual(got, want) {
			t.Errorf("ImportanceWeights() = %v, want %v", got, want)
		}
	})
}

func BenchmarkEstimateGaussians(b *testing.B) {
	s := ClassSamples{Label: LabelIn}
	for i := 0; i < 50; i++ {
		f := make(FeatureVector, NumFeatures)
		for j := range f {
			f[j] = math.Sin(float64(i*j)) * 0.5
		}
		s.Features = append(s.Features, f)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = EstimateGaussians(s, NumFeatures, 0.01)
	}
}
