package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// PipelineConfig describes what the process runs: tasks, checks, trending
// and retention.
type PipelineConfig struct {
	Name          string           `yaml:"name"`
	QualityPrefix string           `yaml:"quality_prefix" env-default:"qc"`
	Activity      ActivityConfig   `yaml:"activity"`
	Tasks         []TaskConfig     `yaml:"tasks"`
	Checker       CheckerConfig    `yaml:"checker"`
	Checks        []CheckConfig    `yaml:"checks"`
	Trending      []TrendingConfig `yaml:"trending"`
	Cleaner       CleanerConfig    `yaml:"cleaner"`
}

// ActivityConfig is the run the tasks start in.
type ActivityConfig struct {
	Run      int64  `yaml:"run"`
	Period   string `yaml:"period"`
	Pass     string `yaml:"pass"`
	Detector string `yaml:"detector"`
}

type TaskConfig struct {
	Name          string            `yaml:"name"`
	Module        string            `yaml:"module"`
	Prefix        string            `yaml:"prefix"`
	Source        SourceConfig      `yaml:"source"`
	PollInterval  time.Duration     `yaml:"poll_interval"`
	CycleDuration time.Duration     `yaml:"cycle_duration"`
	CycleTimeout  time.Duration     `yaml:"cycle_timeout"`
	MaxRetries    int               `yaml:"max_retries"`
	Options       map[string]string `yaml:"options"`
}

type SourceConfig struct {
	// Type is http or generator.
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Options map[string]string `yaml:"options"`
}

type CheckerConfig struct {
	DebounceWindow      time.Duration `yaml:"debounce_window" env-default:"500ms"`
	CompletenessTimeout time.Duration `yaml:"completeness_timeout" env-default:"30s"`
	PollInterval        time.Duration `yaml:"poll_interval" env-default:"1s"`
	WatchInterval       time.Duration `yaml:"watch_interval" env-default:"5s"`
	Workers             int           `yaml:"workers" env-default:"4"`
}

type CheckConfig struct {
	Name   string   `yaml:"name"`
	Module string   `yaml:"module"`
	Inputs []string `yaml:"inputs"`
	// Policy is OnAll, OnAny or OnEachSeparately.
	Policy  string            `yaml:"policy"`
	Options map[string]string `yaml:"options"`
}

type TrendingConfig struct {
	Name        string             `yaml:"name"`
	Schedule    string             `yaml:"schedule"`
	Prefix      string             `yaml:"prefix"`
	DataSources []DataSourceConfig `yaml:"data_sources"`
}

type DataSourceConfig struct {
	// Type is repository or quality.
	Type     string   `yaml:"type"`
	Path     string   `yaml:"path"`
	Name     string   `yaml:"name"`
	Names    []string `yaml:"names"`
	// Reductor defaults to the object type of each resolved entry.
	Reductor string   `yaml:"reductor"`
}

// ObjectNames returns the configured object names, from name or names.
func (d DataSourceConfig) ObjectNames() []string {
	if len(d.Names) > 0 {
		return d.Names
	}
	if d.Name != "" {
		return []string{d.Name}
	}
	return nil
}

type CleanerConfig struct {
	Schedule string        `yaml:"schedule"`
	Rules    []CleanerRule `yaml:"rules"`
}

type CleanerRule struct {
	Prefix    string        `yaml:"prefix"`
	OlderThan time.Duration `yaml:"older_than"`
}

const (
	defaultPollInterval  = 1 * time.Second
	defaultCycleDuration = 10 * time.Second
	defaultMaxRetries    = 3
	defaultTrendSchedule = "@every 1m"
)

func MustLoadPipeline(configPath string) *PipelineConfig {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("pipeline config file not found: " + configPath)
	}

	cfg, err := LoadPipeline(configPath)
	if err != nil {
		panic("failed to read pipeline config: " + err.Error())
	}

	return cfg
}

func LoadPipeline(configPath string) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills list elements, which env-default tags do not reach.
func (c *PipelineConfig) applyDefaults() {
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if t.Prefix == "" {
			t.Prefix = t.Name
		}
		if t.Module == "" {
			t.Module = t.Name
		}
		if t.PollInterval <= 0 {
			t.PollInterval = defaultPollInterval
		}
		if t.CycleDuration <= 0 {
			t.CycleDuration = defaultCycleDuration
		}
		if t.CycleTimeout <= 0 {
			t.CycleTimeout = 2 * t.CycleDuration
		}
		if t.MaxRetries <= 0 {
			t.MaxRetries = defaultMaxRetries
		}
		if t.Source.Timeout <= 0 {
			t.Source.Timeout = 5 * time.Second
		}
	}
	for i := range c.Checks {
		if c.Checks[i].Policy == "" {
			c.Checks[i].Policy = "OnAll"
		}
	}
	for i := range c.Trending {
		tr := &c.Trending[i]
		if tr.Schedule == "" {
			tr.Schedule = defaultTrendSchedule
		}
		if tr.Prefix == "" {
			tr.Prefix = c.QualityPrefix + "/trends"
		}
		for j := range tr.DataSources {
			if tr.DataSources[j].Type == "" {
				tr.DataSources[j].Type = "repository"
			}
		}
	}
}

func (c *PipelineConfig) Validate() error {
	seen := make(map[string]bool)
	for _, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task without name")
		}
		if seen["task/"+t.Name] {
			return fmt.Errorf("duplicate task %q", t.Name)
		}
		seen["task/"+t.Name] = true
	}

	for _, ch := range c.Checks {
		if ch.Name == "" || ch.Module == "" {
			return fmt.Errorf("check %q: name and module are required", ch.Name)
		}
		if len(ch.Inputs) == 0 {
			return fmt.Errorf("check %q: no inputs", ch.Name)
		}
		if seen["check/"+ch.Name] {
			return fmt.Errorf("duplicate check %q", ch.Name)
		}
		seen["check/"+ch.Name] = true
	}

	for _, tr := range c.Trending {
		if tr.Name == "" {
			return fmt.Errorf("trending task without name")
		}
		for _, ds := range tr.DataSources {
			if len(ds.ObjectNames()) == 0 {
				return fmt.Errorf("trending %q: data source %q needs name or names", tr.Name, ds.Path)
			}
			if ds.Type != "repository" && ds.Type != "quality" {
				return fmt.Errorf("trending %q: unknown data source type %q", tr.Name, ds.Type)
			}
		}
	}

	for _, r := range c.Cleaner.Rules {
		if r.OlderThan <= 0 {
			return fmt.Errorf("cleaner rule %q: older_than must be positive", r.Prefix)
		}
	}
	return nil
}
