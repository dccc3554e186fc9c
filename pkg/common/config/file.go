package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// File is the user-facing xt_config.yaml.
type File struct {
	General        General                   `yaml:"general"`
	Code           Code                      `yaml:"code"`
	HPSearch       HPSearch                  `yaml:"hyperparameter-search"`
	ComputeTargets map[string]ComputeTarget  `yaml:"compute-targets"`
	Services       map[string]ServiceAccount `yaml:"services"`
	AfterFiles     AfterFiles                `yaml:"after-files"`
}

type General struct {
	Workspace      string   `yaml:"workspace"`
	Experiment     string   `yaml:"experiment"`
	Username       string   `yaml:"username"`
	Target         string   `yaml:"target"`
	Team           string   `yaml:"team"`
	MonitorPoll    string   `yaml:"monitor-poll"`
	DefaultSort    string   `yaml:"default-sort"`
	DefaultColumns []string `yaml:"default-columns"`
	JobColumns     []string `yaml:"job-columns"`
	Aggregate      string   `yaml:"aggregate-dest"` // experiment | job | none
	MaxRuns        int      `yaml:"max-runs"`
	Concurrent     int      `yaml:"concurrent"`
	DirectRun      bool     `yaml:"direct-run"`
	Env            EnvVars  `yaml:"env-vars"`
}

type EnvVars map[string]string

type Code struct {
	Dirs    []string `yaml:"code-dirs"`
	Omit    []string `yaml:"code-omit"`
	CodeZip string   `yaml:"code-zip"` // none | fast | compress
	Capture bool     `yaml:"xtlib-capture"`
	// LibPath is what xtlib-capture copies; the running xt binary when empty.
	LibPath string `yaml:"xtlib-path"`
	WorkDir string `yaml:"working-dir"`
	Upload  bool   `yaml:"code-upload"`
}

type HPSearch struct {
	OptionPrefix  string `yaml:"option-prefix"`
	PrimaryMetric string `yaml:"primary-metric"`
	Maximize      bool   `yaml:"maximize-metric"`
	InCluster     bool   `yaml:"search-in-cluster"`
	MinTrials     int    `yaml:"bayesian-min-trials"`
	Seed          int64  `yaml:"seed"`
	StepName      string `yaml:"step-name"`
}

type ComputeTarget struct {
	Service     string            `yaml:"service"`
	Nodes       int               `yaml:"nodes"`
	Boxes       []string          `yaml:"boxes"`
	VMSize      string            `yaml:"vm-size"`
	Image       string            `yaml:"azure-image"`
	LowPriority bool              `yaml:"low-pri"`
	Docker      string            `yaml:"docker"`
	Distributed bool              `yaml:"distributed"`
	HoldPool    bool              `yaml:"hold"`
	Compute     string            `yaml:"compute"`
	Setup       []string          `yaml:"setup"`
	Env         map[string]string `yaml:"env-vars"`
}

// ServiceAccount names a backend or box. Kind selects the adapter.
type ServiceAccount struct {
	Kind         string `yaml:"type"` // pool | batch | aml | box | vault
	Address      string `yaml:"address"`
	Endpoint     string `yaml:"endpoint"`
	Key          string `yaml:"key"`
	TenantID     string `yaml:"tenant-id"`
	ClientID     string `yaml:"client-id"`
	ClientSecret string `yaml:"client-secret"`
	Subscription string `yaml:"subscription-id"`
	Resource     string `yaml:"resource-group"`
	Path         string `yaml:"path"`
	CertName     string `yaml:"cert-name"`
	Port         int    `yaml:"port"`
}

type AfterFiles struct {
	Dirs []string `yaml:"after-dirs"`
	Omit []string `yaml:"after-omit"`
}

func DefaultFile() File {
	return File{
		General: General{
			Workspace:      "ws1",
			Experiment:     "exper1",
			Target:         "local",
			MonitorPoll:    "500ms",
			DefaultSort:    "name",
			DefaultColumns: []string{"run", "job", "created", "experiment", "queued", "target", "status", "tags.*", "metrics.*", "hparams.*", "duration"},
			JobColumns:     []string{"job", "created", "started", "workspace", "experiment", "target", "nodes", "repeat", "tags.*", "runs", "status"},
			Aggregate:      "job",
			Concurrent:     1,
		},
		Code: Code{
			Dirs:    []string{"."},
			Omit:    []string{".git", "__pycache__", "*.pyc", ".xt"},
			CodeZip: "compress",
			Upload:  true,
		},
		HPSearch: HPSearch{
			OptionPrefix:  "--",
			PrimaryMetric: "loss",
			MinTrials:     3,
			StepName:      "step",
		},
		ComputeTargets: map[string]ComputeTarget{
			"local": {Service: "local", Nodes: 1, Boxes: []string{"local"}},
		},
		Services: map[string]ServiceAccount{
			"local": {Kind: "pool", Address: "localhost:18860"},
		},
	}
}

// LoadFile overlays the YAML file at path onto the defaults.
func LoadFile(path string) (File, error) {
	cfg := DefaultFile()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, xterr.Wrap(xterr.CategoryEnv, err, "read config "+path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, xterr.Wrap(xterr.CategoryConfig, err, "parse config "+path)
	}
	return cfg, cfg.Validate()
}

func (f File) Validate() error {
	names := make([]string, 0, len(f.ComputeTargets))
	for name := range f.ComputeTargets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := f.ComputeTargets[name]
		if t.Service == "" {
			return xterr.Config("compute-targets.%s: missing 'service'", name)
		}
		if _, ok := f.Services[t.Service]; !ok {
			return xterr.Config("compute-targets.%s: service %q not defined under 'services'", name, t.Service)
		}
	}
	switch f.Code.CodeZip {
	case "", "none", "fast", "compress":
	default:
		return xterr.Config("code.code-zip: expected none, fast or compress, got %q", f.Code.CodeZip)
	}
	return nil
}

// Target resolves a compute target and its service account.
func (f File) Target(name string) (ComputeTarget, ServiceAccount, error) {
	t, ok := f.ComputeTargets[name]
	if !ok {
		return ComputeTarget{}, ServiceAccount{}, xterr.Config("unknown compute target: %s", name)
	}
	svc, ok := f.Services[t.Service]
	if !ok {
		return t, ServiceAccount{}, xterr.Config("compute-targets.%s: service %q not defined", name, t.Service)
	}
	return t, svc, nil
}

// Box returns the address of a pool machine.
func (f File) Box(name string) (string, error) {
	svc, ok := f.Services[name]
	if !ok || svc.Address == "" {
		return "", xterr.Config("box %q has no address under 'services'", name)
	}
	return svc.Address, nil
}

func (f File) String() string {
	out, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(out)
}
