package search

import (
	"math"
	"math/rand"
	"sort"
)

const (
	DefaultMinTrials  = 3
	defaultCandidates = 24
	defaultGamma      = 0.25
)

// Bayesian is a tree-structured Parzen estimator. Prior trials are split
// into a good and a bad group by loss; candidates are drawn around the good
// group and the one with the highest good/bad density ratio wins. Until
// MinTrials trials have scored, points are sampled at random.
type Bayesian struct {
	rand       *lockedRand
	MinTrials  int
	Candidates int
	Gamma      float64
}

func (s *Bayesian) NeedRuns() bool { return true }

func (s *Bayesian) Search(c Context) (map[string]interface{}, error) {
	if err := requireSweep(c); err != nil {
		return nil, err
	}
	trials := c.scored()
	if len(trials) < s.MinTrials {
		return (&Random{rand: s.rand}).Search(c)
	}

	sort.SliceStable(trials, func(i, j int) bool { return c.loss(trials[i]) < c.loss(trials[j]) })
	nGood := int(math.Ceil(s.Gamma * float64(len(trials))))
	if nGood < 1 {
		nGood = 1
	}
	good, bad := trials[:nGood], trials[nGood:]

	names := c.Sweep.Names()
	var best map[string]interface{}
	bestScore := math.Inf(-1)
	s.rand.with(func(r *rand.Rand) {
		for i := 0; i < s.Candidates; i++ {
			cand := map[string]interface{}{}
			score := 0.0
			for _, name := range names {
				p, _ := c.Sweep.Param(name)
				v := sampleGood(r, p, good)
				cand[name] = v
				score += math.Log(density(p, good, v)) - math.Log(density(p, bad, v))
			}
			if score > bestScore {
				best, bestScore = cand, score
			}
		}
	})
	return best, nil
}

// sampleGood draws from the good group's Parzen estimate of p.
func sampleGood(r *rand.Rand, p Param, good []Trial) interface{} {
	if p.Discrete() {
		weights := make([]float64, len(p.Values))
		for i, v := range p.Values {
			weights[i] = 1 + float64(countValue(good, p.Name, v))
		}
		return p.Values[weightedIndex(r, weights)]
	}
	centers := numericValues(good, p)
	if len(centers) == 0 {
		return p.Sample(r)
	}
	center := centers[r.Intn(len(centers))]
	v := center + r.NormFloat64()*bandwidth(p, centers)
	v = fromSpace(p, v)
	if lo, hi, ok := p.Bounds(); ok {
		v = math.Max(lo, math.Min(hi, v))
	}
	if p.Dist == DistRandInt {
		v = math.Floor(v)
	}
	return v
}

// density is a smoothed estimate of how likely v is under the group.
func density(p Param, group []Trial, v interface{}) float64 {
	if p.Discrete() {
		return (1 + float64(countValue(group, p.Name, v))) / float64(len(p.Values)+len(group))
	}
	f, _ := v.(float64)
	x := toSpace(p, f)
	centers := numericValues(group, p)
	if len(centers) == 0 {
		return 1e-12
	}
	bw := bandwidth(p, centers)
	sum := 0.0
	for _, c := range centers {
		z := (x - c) / bw
		sum += math.Exp(-0.5*z*z) / (bw * math.Sqrt(2*math.Pi))
	}
	return sum/float64(len(centers)) + 1e-12
}

// Log distributions are modeled in log space.
func toSpace(p Param, v float64) float64 {
	if p.Dist == DistLogUniform || p.Dist == DistLogNormal {
		return math.Log(math.Max(v, 1e-300))
	}
	return v
}

func fromSpace(p Param, v float64) float64 {
	if p.Dist == DistLogUniform || p.Dist == DistLogNormal {
		return math.Exp(v)
	}
	return v
}

func spaceBounds(p Param) (float64, float64, bool) {
	lo, hi, ok := p.Bounds()
	if !ok {
		return 0, 0, false
	}
	return toSpace(p, lo), toSpace(p, hi), true
}

// bandwidth shrinks with the number of centers.
func bandwidth(p Param, centers []float64) float64 {
	lo, hi, ok := spaceBounds(p)
	if !ok {
		lo, hi = centers[0], centers[0]
		for _, c := range centers {
			lo, hi = math.Min(lo, c), math.Max(hi, c)
		}
		hi = math.Max(hi, lo+p.Args[1])
	}
	bw := (hi - lo) / float64(len(centers)+4)
	if bw <= 0 {
		bw = 1e-3
	}
	return bw
}

func countValue(group []Trial, name string, v interface{}) int {
	n := 0
	for _, t := range group {
		if FormatValue(t.HParams[name]) == FormatValue(v) {
			n++
		}
	}
	return n
}

func numericValues(group []Trial, p Param) []float64 {
	var out []float64
	for _, t := range group {
		switch n := t.HParams[p.Name].(type) {
		case float64:
			out = append(out, toSpace(p, n))
		case int:
			out = append(out, toSpace(p, float64(n)))
		}
	}
	return out
}

func weightedIndex(r *rand.Rand, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	x := r.Float64() * total
	for i, w := range weights {
		if x < w {
			return i
		}
		x -= w
	}
	return len(weights) - 1
}
