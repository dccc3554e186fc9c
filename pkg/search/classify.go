// Package search classifies a submit request into a search style and
// implements the hyperparameter search algorithms.
package search

import (
	"strings"

	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Search types.
const (
	TypeGrid     = "grid"
	TypeRandom   = "random"
	TypeBayesian = "bayesian"
	TypeDGD      = "dgd"
)

// Request holds the signals that decide the search style.
type Request struct {
	Cmds         []string
	Runs         int
	Nodes        int
	Sweep        *Sweep
	SearchType   string
	OptionPrefix string
	InCluster    bool
}

// ValidType reports whether t names a known search type.
func ValidType(t string) bool {
	switch t {
	case TypeGrid, TypeRandom, TypeBayesian, TypeDGD:
		return true
	}
	return false
}

// Classify picks the search style for req.
func Classify(req Request) (string, error) {
	if len(req.Cmds) == 0 {
		return "", xterr.Syntax("no command to run")
	}
	nodes := req.Nodes
	if nodes < 1 {
		nodes = 1
	}
	hasSweep := !req.Sweep.Empty()
	searchType := strings.ToLower(req.SearchType)
	if searchType != "" && !ValidType(searchType) {
		return "", xterr.Syntax("unknown search type %q", req.SearchType)
	}

	if len(req.Cmds) > 1 {
		if hasSweep {
			return "", xterr.Combo("hyperparameter sweeps cannot be combined with multiple commands")
		}
		return models.StyleMulti, nil
	}
	if !hasSweep {
		if searchType == TypeBayesian || searchType == TypeDGD {
			return "", xterr.Combo("search type %s needs hyperparameter sweeps", searchType)
		}
		if req.Runs > nodes {
			return models.StyleRepeat, nil
		}
		return models.StyleSingle, nil
	}

	switch searchType {
	case "":
		return "", xterr.Combo("hyperparameter sweeps need a search type")
	case TypeBayesian, TypeDGD:
		return models.StyleDynamic, nil
	}
	if req.InCluster || req.OptionPrefix == "" {
		return models.StyleDynamic, nil
	}
	if searchType == TypeRandom && req.Runs < 1 {
		return "", xterr.Combo("static random search needs a run count")
	}
	if searchType == TypeGrid && !req.Sweep.Discrete() {
		return "", xterr.Combo("grid search needs discrete values for every hparam")
	}
	return models.StyleStatic, nil
}
