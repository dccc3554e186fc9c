package search

import (
	"math/rand"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// DGD is directed-grid descent. Prior runs are grouped into runsets by
// config; the neighborhood of the best runset (one step up or down on each
// multi-valued hparam) is sampled, favoring configs that have run least.
type DGD struct {
	rand *lockedRand
}

func (s *DGD) NeedRuns() bool { return true }

type runset struct {
	key    string
	hp     map[string]interface{}
	runs   int
	total  float64
	scored int
}

func (rs *runset) mean() float64 { return rs.total / float64(rs.scored) }

func (s *DGD) Search(c Context) (map[string]interface{}, error) {
	if err := requireSweep(c); err != nil {
		return nil, err
	}
	if !c.Sweep.Discrete() {
		return nil, xterr.Combo("dgd search needs discrete values for every hparam")
	}

	var order []*runset
	sets := map[string]*runset{}
	for _, t := range c.Prior {
		key := ConfigKey(t.HParams)
		rs, ok := sets[key]
		if !ok {
			rs = &runset{key: key, hp: t.HParams}
			sets[key] = rs
			order = append(order, rs)
		}
		rs.runs++
		if t.Scored {
			rs.total += c.loss(t)
			rs.scored++
		}
	}

	var best *runset
	for _, rs := range order {
		if rs.scored == 0 {
			continue
		}
		if best == nil || rs.mean() < best.mean() {
			best = rs
		}
	}
	center := map[string]interface{}{}
	if best != nil {
		center = best.hp
	} else {
		for _, name := range c.Sweep.Names() {
			p, _ := c.Sweep.Param(name)
			center[name] = p.Values[0]
		}
	}

	hood := neighborhood(c.Sweep, center)
	counts := make([]int, len(hood))
	ceiling := 0
	for i, hp := range hood {
		if rs, ok := sets[ConfigKey(hp)]; ok {
			counts[i] = rs.runs
		}
		if counts[i] > ceiling {
			ceiling = counts[i]
		}
	}
	ceiling++
	weights := make([]float64, len(hood))
	for i := range hood {
		if w := ceiling - counts[i]; w > 0 {
			weights[i] = float64(w)
		}
	}

	var pick int
	s.rand.with(func(r *rand.Rand) { pick = weightedIndex(r, weights) })
	return hood[pick], nil
}

// neighborhood lists center followed by its ±1 neighbors on each
// multi-valued hparam, names ascending.
func neighborhood(sweep *Sweep, center map[string]interface{}) []map[string]interface{} {
	base := map[string]interface{}{}
	for _, name := range sweep.Names() {
		p, _ := sweep.Param(name)
		if v, ok := center[name]; ok && indexOf(p, v) >= 0 {
			base[name] = v
		} else {
			base[name] = p.Values[0]
		}
	}
	out := []map[string]interface{}{base}
	for _, name := range sweep.Names() {
		p, _ := sweep.Param(name)
		if len(p.Values) < 2 {
			continue
		}
		i := indexOf(p, base[name])
		for _, j := range []int{i - 1, i + 1} {
			if j < 0 || j >= len(p.Values) {
				continue
			}
			n := make(map[string]interface{}, len(base))
			for k, v := range base {
				n[k] = v
			}
			n[name] = p.Values[j]
			out = append(out, n)
		}
	}
	return out
}

func indexOf(p Param, v interface{}) int {
	want := FormatValue(v)
	for i, pv := range p.Values {
		if FormatValue(pv) == want {
			return i
		}
	}
	return -1
}
