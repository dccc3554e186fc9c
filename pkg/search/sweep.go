package search

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Distributions accepted in "$name(args)" form.
const (
	DistUniform    = "uniform"
	DistLogUniform = "loguniform"
	DistNormal     = "normal"
	DistLogNormal  = "lognormal"
	DistRandInt    = "randint"
	DistLinspace   = "linspace"
	DistLogspace   = "logspace"
	DistRange      = "range"
)

var distArity = map[string]int{
	DistUniform:    2,
	DistLogUniform: 2,
	DistNormal:     2,
	DistLogNormal:  2,
	DistRandInt:    2,
	DistLinspace:   3,
	DistLogspace:   3,
	DistRange:      2,
}

// Param is one hyperparameter: a list of discrete values or a continuous
// distribution.
type Param struct {
	Name   string
	Values []interface{}
	Dist   string
	Args   []float64
}

// Discrete reports whether the param enumerates its values.
func (p Param) Discrete() bool { return p.Dist == "" }

// Sample draws one value.
func (p Param) Sample(r *rand.Rand) interface{} {
	if p.Discrete() {
		return p.Values[r.Intn(len(p.Values))]
	}
	a, b := p.Args[0], p.Args[1]
	switch p.Dist {
	case DistUniform:
		return a + r.Float64()*(b-a)
	case DistLogUniform:
		return math.Exp(math.Log(a) + r.Float64()*(math.Log(b)-math.Log(a)))
	case DistNormal:
		return a + r.NormFloat64()*b
	case DistLogNormal:
		return math.Exp(a + r.NormFloat64()*b)
	case DistRandInt:
		lo, hi := int(a), int(b)
		if hi <= lo {
			return float64(lo)
		}
		return float64(lo + r.Intn(hi-lo))
	}
	return nil
}

// Bounds returns the numeric range used to clip continuous samples.
func (p Param) Bounds() (float64, float64, bool) {
	switch p.Dist {
	case DistUniform, DistLogUniform, DistRandInt:
		return p.Args[0], p.Args[1], true
	}
	return 0, 0, false
}

// Spec renders the param back into sweep syntax.
func (p Param) Spec() string {
	if p.Discrete() {
		parts := make([]string, len(p.Values))
		for i, v := range p.Values {
			parts[i] = FormatValue(v)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		args[i] = FormatValue(a)
	}
	return "$" + p.Dist + "(" + strings.Join(args, ", ") + ")"
}

// Sweep is an ordered set of params.
type Sweep struct {
	Params []Param
}

func (s *Sweep) Empty() bool { return s == nil || len(s.Params) == 0 }

// Names returns param names sorted ascending.
func (s *Sweep) Names() []string {
	names := make([]string, 0, len(s.Params))
	for _, p := range s.Params {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

func (s *Sweep) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Discrete reports whether every param enumerates its values.
func (s *Sweep) Discrete() bool {
	for _, p := range s.Params {
		if !p.Discrete() {
			return false
		}
	}
	return true
}

// Size is the cartesian product size of a discrete sweep.
func (s *Sweep) Size() int {
	n := 1
	for _, p := range s.Params {
		n *= len(p.Values)
	}
	return n
}

// Add appends or replaces a param.
func (s *Sweep) Add(p Param) {
	for i := range s.Params {
		if s.Params[i].Name == p.Name {
			s.Params[i] = p
			return
		}
	}
	s.Params = append(s.Params, p)
}

// ParseParam parses "[a, b, c]", "$uniform(0, 1)" or "@linspace(0, 1, 5)".
// linspace, logspace and range expand to discrete values.
func ParseParam(name, spec string) (Param, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, "[") && strings.HasSuffix(spec, "]"):
		body := strings.TrimSpace(spec[1 : len(spec)-1])
		if body == "" {
			return Param{}, xterr.Syntax("hparam %s has an empty value list", name)
		}
		var values []interface{}
		for _, part := range splitArgs(body) {
			values = append(values, ParseValue(part))
		}
		return Param{Name: name, Values: values}, nil
	case strings.HasPrefix(spec, "$") || strings.HasPrefix(spec, "@"):
		open := strings.Index(spec, "(")
		if open < 0 || !strings.HasSuffix(spec, ")") {
			return Param{}, xterr.Syntax("hparam %s: bad distribution %q", name, spec)
		}
		dist := strings.ToLower(spec[1:open])
		arity, ok := distArity[dist]
		if !ok {
			return Param{}, xterr.Syntax("hparam %s: unknown distribution %q", name, dist)
		}
		var args []float64
		for _, part := range splitArgs(spec[open+1 : len(spec)-1]) {
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return Param{}, xterr.Syntax("hparam %s: %q is not a number", name, part)
			}
			args = append(args, f)
		}
		if len(args) != arity {
			return Param{}, xterr.Syntax("hparam %s: %s takes %d arguments", name, dist, arity)
		}
		return expandDist(name, dist, args)
	}
	return Param{}, xterr.Syntax("hparam %s: %q is not a value list or distribution", name, spec)
}

func expandDist(name, dist string, args []float64) (Param, error) {
	switch dist {
	case DistLinspace, DistLogspace:
		n := int(args[2])
		if n < 1 {
			return Param{}, xterr.Syntax("hparam %s: %s needs a positive count", name, dist)
		}
		values := make([]interface{}, n)
		for i := 0; i < n; i++ {
			v := args[0]
			if n > 1 {
				v = args[0] + float64(i)*(args[1]-args[0])/float64(n-1)
			}
			if dist == DistLogspace {
				v = math.Pow(10, v)
			}
			values[i] = v
		}
		return Param{Name: name, Values: values}, nil
	case DistRange:
		var values []interface{}
		for v := args[0]; v < args[1]; v++ {
			values = append(values, v)
		}
		if len(values) == 0 {
			return Param{}, xterr.Syntax("hparam %s: empty range", name)
		}
		return Param{Name: name, Values: values}, nil
	case DistLogUniform:
		if args[0] <= 0 || args[1] <= 0 {
			return Param{}, xterr.Syntax("hparam %s: loguniform bounds must be positive", name)
		}
	}
	return Param{Name: name, Dist: dist, Args: args}, nil
}

func splitArgs(body string) []string {
	var out []string
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseValue turns a literal into a float64, bool or string.
func ParseValue(s string) interface{} {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// FormatValue renders a value for a command line.
func FormatValue(v interface{}) string {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'g', -1, 64)
	case int:
		return strconv.Itoa(n)
	case string:
		return n
	}
	return fmt.Sprint(v)
}

// ParseSweepYAML reads a sweep file. The params may sit at the top level or
// under "hparams" / "hyperparameter-distributions". Each value is a YAML
// list or a distribution string.
func ParseSweepYAML(data []byte) (*Sweep, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, xterr.Wrap(xterr.CategorySyntax, err, "parse sweep file")
	}
	if len(root.Content) == 0 {
		return &Sweep{}, nil
	}
	node := root.Content[0]
	if node.Kind != yaml.MappingNode {
		return nil, xterr.Syntax("sweep file must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if key := node.Content[i].Value; key == "hparams" || key == "hyperparameter-distributions" {
			node = node.Content[i+1]
			break
		}
	}
	if node.Kind != yaml.MappingNode {
		return nil, xterr.Syntax("sweep params must be a mapping")
	}

	sweep := &Sweep{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		val := node.Content[i+1]
		var p Param
		var err error
		switch val.Kind {
		case yaml.SequenceNode:
			var values []interface{}
			for _, item := range val.Content {
				values = append(values, ParseValue(item.Value))
			}
			if len(values) == 0 {
				return nil, xterr.Syntax("hparam %s has an empty value list", name)
			}
			p = Param{Name: name, Values: values}
		case yaml.ScalarNode:
			if strings.HasPrefix(val.Value, "$") || strings.HasPrefix(val.Value, "@") || strings.HasPrefix(val.Value, "[") {
				p, err = ParseParam(name, val.Value)
			} else {
				p = Param{Name: name, Values: []interface{}{ParseValue(val.Value)}}
			}
		default:
			err = xterr.Syntax("hparam %s: unsupported value", name)
		}
		if err != nil {
			return nil, err
		}
		sweep.Add(p)
	}
	return sweep, nil
}

// YAML writes the sweep as "hparams: {name: spec}" with names sorted.
func (s *Sweep) YAML() ([]byte, error) {
	params := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range s.Names() {
		p, _ := s.Param(name)
		var val *yaml.Node
		if p.Discrete() {
			val = &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
			for _, v := range p.Values {
				item := &yaml.Node{Kind: yaml.ScalarNode, Value: FormatValue(v)}
				if _, isStr := v.(string); isStr {
					item.Style = yaml.DoubleQuotedStyle
				}
				val.Content = append(val.Content, item)
			}
		} else {
			val = &yaml.Node{Kind: yaml.ScalarNode, Value: p.Spec(), Style: yaml.DoubleQuotedStyle}
		}
		params.Content = append(params.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, val)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "hparams"}, params,
	}}
	return yaml.Marshal(doc)
}

// ExtractSweep pulls sweep options out of a command line. An option is a
// sweep when its value is a list or a distribution, e.g. "--lr=[0.1, 0.01]".
// The command is returned without those options.
func ExtractSweep(cmd, prefix string) (string, *Sweep, error) {
	if prefix == "" {
		return cmd, &Sweep{}, nil
	}
	tokens := tokenize(cmd)
	sweep := &Sweep{}
	var kept []string
	for _, tok := range tokens {
		if !strings.HasPrefix(tok, prefix) {
			kept = append(kept, tok)
			continue
		}
		name, value, ok := strings.Cut(tok[len(prefix):], "=")
		if !ok || !isSweepValue(value) {
			kept = append(kept, tok)
			continue
		}
		p, err := ParseParam(name, value)
		if err != nil {
			return "", nil, err
		}
		sweep.Add(p)
	}
	return strings.Join(kept, " "), sweep, nil
}

func isSweepValue(v string) bool {
	v = strings.TrimSpace(v)
	return (strings.HasPrefix(v, "[") && strings.HasSuffix(v, "]")) ||
		((strings.HasPrefix(v, "$") || strings.HasPrefix(v, "@")) && strings.HasSuffix(v, ")"))
}

// tokenize splits on spaces outside brackets, parentheses and quotes.
func tokenize(cmd string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	var quote rune
	for _, r := range cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '[' || r == '(':
			depth++
		case r == ']' || r == ')':
			if depth > 0 {
				depth--
			}
		case r == ' ' || r == '\t':
			if depth == 0 {
				if cur.Len() > 0 {
					out = append(out, cur.String())
					cur.Reset()
				}
				continue
			}
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
