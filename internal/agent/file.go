package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/michi/internal/model"
)

// Endpoint describes one HTTP agent in an agents file.
type Endpoint struct {
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	RateLimit float64           `yaml:"rateLimit"`
	Burst     int               `yaml:"burst"`
	Breaker   *BreakerConfig    `yaml:"breaker"`
}

// File is the agents file: a map of agent id to endpoint.
//
//	agents:
//	  reviewer:
//	    url: http://localhost:9000/review
//	    timeout: 2m
//	    rateLimit: 2
//	    breaker: {maxFailures: 3}
type File struct {
	Agents map[string]Endpoint `yaml:"agents"`
}

// ParseFile decodes and checks an agents file. Header values of the form
// ${VAR} are expanded from the environment.
func ParseFile(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("agent: parse agents file: %w", err)
	}
	var errs []error
	for id, ep := range f.Agents {
		if err := model.ValidateIdentifier("agent id", id); err != nil {
			errs = append(errs, err)
		}
		if ep.URL == "" {
			errs = append(errs, fmt.Errorf("agent %q: url is required", id))
		}
		for k, v := range ep.Headers {
			ep.Headers[k] = os.ExpandEnv(v)
		}
	}
	if len(errs) > 0 {
		return File{}, fmt.Errorf("agent: invalid agents file: %w", errors.Join(errs...))
	}
	return f, nil
}

// LoadFile reads and parses the agents file at path.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return File{}, fmt.Errorf("agent: read agents file: %w", err)
	}
	return ParseFile(data)
}

// RegisterFile registers an HTTP invoker for every agent in f, wrapped with
// its rate limit and circuit breaker.
func (r *Registry) RegisterFile(f File, logger *slog.Logger) {
	for id, ep := range f.Agents {
		var inv Invoker = NewHTTPInvoker(ep.URL, ep.Headers, ep.Timeout)
		inv = WithRateLimit(inv, ep.RateLimit, ep.Burst)
		cfg := BreakerConfig{}
		if ep.Breaker != nil {
			cfg = *ep.Breaker
		}
		inv = WithBreaker(id, inv, cfg, logger)
		r.Register(id, inv)
		logger.Info("registered http agent", "agent", id, "url", ep.URL)
	}
}
