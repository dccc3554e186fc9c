package search

import (
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Trial is a prior run as seen by a searcher.
type Trial struct {
	RunName string
	HParams map[string]interface{}
	Score   float64
	Scored  bool
}

// Context carries everything one search call needs.
type Context struct {
	RunName       string
	Sweep         *Sweep
	Prior         []Trial
	PrimaryMetric string
	Maximize      bool
	// Index is the zero-based position of this run within the job; grid
	// search uses it to walk the product.
	Index int
}

// loss converts a trial's score to a value to minimize.
func (c Context) loss(t Trial) float64 {
	if c.Maximize {
		return -t.Score
	}
	return t.Score
}

// scored returns the prior trials that reported the primary metric.
func (c Context) scored() []Trial {
	var out []Trial
	for _, t := range c.Prior {
		if t.Scored {
			out = append(out, t)
		}
	}
	return out
}

// Searcher picks the hparams for the next run.
type Searcher interface {
	// NeedRuns reports whether Search consumes prior runs.
	NeedRuns() bool
	Search(c Context) (map[string]interface{}, error)
}

// Options tunes a searcher. Zero fields take the defaults.
type Options struct {
	// Seed fixes the random source.
	Seed int64
	// MinTrials is how many scored trials bayesian search needs before it
	// stops sampling at random.
	MinTrials int
}

// New returns the searcher for searchType. seed fixes its random source.
func New(searchType string, seed int64) (Searcher, error) {
	return NewWithOptions(searchType, Options{Seed: seed})
}

func NewWithOptions(searchType string, opts Options) (Searcher, error) {
	src := &lockedRand{r: rand.New(rand.NewSource(opts.Seed))}
	switch strings.ToLower(searchType) {
	case TypeRandom:
		return &Random{rand: src}, nil
	case TypeGrid:
		return &Grid{}, nil
	case TypeBayesian:
		minTrials := opts.MinTrials
		if minTrials <= 0 {
			minTrials = DefaultMinTrials
		}
		return &Bayesian{rand: src, MinTrials: minTrials, Candidates: defaultCandidates, Gamma: defaultGamma}, nil
	case TypeDGD:
		return &DGD{rand: src}, nil
	}
	return nil, xterr.Syntax("unknown search type %q", searchType)
}

// lockedRand serializes access to a rand.Rand.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) with(fn func(r *rand.Rand)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.r)
}

func requireSweep(c Context) error {
	if c.Sweep.Empty() {
		return xterr.Combo("run %s: no hyperparameter sweep to search", c.RunName)
	}
	return nil
}

// ConfigKey is the canonical string of a hparam set, names sorted.
func ConfigKey(hp map[string]interface{}) string {
	names := make([]string, 0, len(hp))
	for k := range hp {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + FormatValue(hp[k])
	}
	return strings.Join(parts, ",")
}
