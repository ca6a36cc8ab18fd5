package workload

import (
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bc-dunia/loadtrestler/internal/errs"
)

// ScenarioLoader builds a Scenario from some external source. The core
// packages take an already-built *Scenario and never import an adapter
// directly; this one concrete implementation exists to exercise
// gopkg.in/yaml.v3 and give cmd/loadtrestlerctl a way to load a scenario
// file.
type ScenarioLoader interface {
	Load(path string) (*Scenario, error)
}

type yamlScenario struct {
	BaseURL string            `yaml:"base_url"`
	Vars    map[string]string `yaml:"vars"`
	Steps   []yamlStep        `yaml:"steps"`
}

type yamlStep struct {
	Name               string            `yaml:"name"`
	Method             string            `yaml:"method"`
	Path               string            `yaml:"path"`
	Headers            map[string]string `yaml:"headers"`
	Data               string            `yaml:"data"`
	AssertStatus       int               `yaml:"assert_status"`
	AssertBodyContains string            `yaml:"assert_body_contains"`
	ThinkTimeMs        int64             `yaml:"think_time_ms"`
}

// YAMLScenarioLoader loads a scenario from a YAML file shaped like a
// sequence of named steps, run in order.
type YAMLScenarioLoader struct{}

func (YAMLScenarioLoader) Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindScript, "YAMLScenarioLoader.Load", err)
	}
	return ParseScenarioYAML(raw)
}

// ParseScenarioYAML builds a Scenario from already-read YAML bytes, e.g. the
// scenario_yaml field of a wire.EffectiveArgs, which carries the scenario
// inline rather than as a file path.
func ParseScenarioYAML(raw []byte) (*Scenario, error) {
	var doc yamlScenario
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errs.New(errs.KindScript, "ParseScenarioYAML", err)
	}

	steps := make([]Step, 0, len(doc.Steps))
	for _, s := range doc.Steps {
		method := s.Method
		if method == "" {
			method = "GET"
		}
		var assert *Assertion
		if s.AssertStatus != 0 || s.AssertBodyContains != "" {
			assert = &Assertion{ExpectStatus: s.AssertStatus, ExpectBodyContains: s.AssertBodyContains}
		}
		header := http.Header{}
		for k, v := range s.Headers {
			header.Set(k, v)
		}
		var body []byte
		if s.Data != "" {
			body = []byte(s.Data)
		}
		steps = append(steps, Step{
			Name:      s.Name,
			Method:    strings.ToUpper(method),
			Path:      s.Path,
			Header:    header,
			Body:      body,
			Assert:    assert,
			ThinkTime: time.Duration(s.ThinkTimeMs) * time.Millisecond,
		})
	}

	return NewScenario(doc.BaseURL, steps, doc.Vars), nil
}
