package search

import (
	"math/rand"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Random samples each param independently.
type Random struct {
	rand *lockedRand
}

func (s *Random) NeedRuns() bool { return false }

func (s *Random) Search(c Context) (map[string]interface{}, error) {
	if err := requireSweep(c); err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	s.rand.with(func(r *rand.Rand) {
		for _, name := range c.Sweep.Names() {
			p, _ := c.Sweep.Param(name)
			out[name] = p.Sample(r)
		}
	})
	return out, nil
}

// Grid walks the cartesian product. Names are ordered ascending with the
// last name varying fastest; each param keeps its declared value order.
type Grid struct{}

func (s *Grid) NeedRuns() bool { return false }

func (s *Grid) Search(c Context) (map[string]interface{}, error) {
	points, err := Enumerate(c.Sweep)
	if err != nil {
		return nil, err
	}
	return points[c.Index%len(points)], nil
}

// Enumerate expands a discrete sweep into every point of its product.
// Values are taken in the order they were declared, never sorted, so
// "--lr=[0.1, 0.01]" yields lr=0.1 before lr=0.01.
func Enumerate(s *Sweep) ([]map[string]interface{}, error) {
	if s.Empty() {
		return nil, xterr.Combo("no hyperparameter sweep to enumerate")
	}
	if !s.Discrete() {
		return nil, xterr.Combo("grid search needs discrete values for every hparam")
	}
	names := s.Names()
	params := make([]Param, len(names))
	for i, n := range names {
		params[i], _ = s.Param(n)
	}

	total := s.Size()
	out := make([]map[string]interface{}, 0, total)
	idx := make([]int, len(params))
	for k := 0; k < total; k++ {
		point := make(map[string]interface{}, len(params))
		for i, p := range params {
			point[p.Name] = p.Values[idx[i]]
		}
		out = append(out, point)
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(params[i].Values) {
				break
			}
			idx[i] = 0
		}
	}
	return out, nil
}
