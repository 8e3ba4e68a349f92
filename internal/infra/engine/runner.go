// Package engine provides the model runners behind domain.ModelRunner.
//
// Backends are selected once, by key, when a run starts:
//
//	mock    deterministic in-process vectors, no model needed
//	llama   a llama-server subprocess serving /embedding (texts only)
//	remote  a KServe v2 / Triton HTTP inference server ("triton" is an alias)
package engine

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/flashembed/flashembed/internal/domain"
)

// Options carries everything any backend might need. Each backend reads
// only the fields it cares about.
type Options struct {
	Name     string // model name (remote model, llama alias)
	Path     string // local model file (llama)
	Device   string // "cpu", "gpu", "auto"
	MaxBatch int    // advisory ceiling; 0 picks the backend default
	Dim      int    // vector width for the mock backend

	RemoteURL     string
	RemoteVersion string

	Home   string // data dir searched for bin/llama-server
	Client *http.Client
	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Factory constructs a runner. Construction failures are fatal to the run.
type Factory func(Options) (domain.ModelRunner, error)

// Backend describes one registered backend.
type Backend struct {
	Name        string
	Description string
	factory     Factory
}

var registry = map[string]Backend{
	"mock": {
		Name:        "mock",
		Description: "deterministic in-process embeddings for testing and dry runs",
		factory:     func(o Options) (domain.ModelRunner, error) { return NewMock(o), nil },
	},
	"llama": {
		Name:        "llama",
		Description: "local GGUF model served by a llama-server subprocess (text only)",
		factory:     func(o Options) (domain.ModelRunner, error) { return NewLlama(o) },
	},
	"remote": {
		Name:        "remote",
		Description: "KServe v2 / Triton HTTP inference server",
		factory:     func(o Options) (domain.ModelRunner, error) { return NewRemote(o) },
	},
}

var aliases = map[string]string{"triton": "remote", "kserve": "remote"}

// Resolve looks up a backend by case-insensitive key.
func Resolve(name string) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if target, ok := aliases[key]; ok {
		key = target
	}
	b, ok := registry[key]
	if !ok {
		return Backend{}, fmt.Errorf("%w: %s", domain.ErrUnknownBackend, name)
	}
	return b, nil
}

// New resolves name and constructs its runner.
func New(name string, opts Options) (domain.ModelRunner, error) {
	b, err := Resolve(name)
	if err != nil {
		return nil, err
	}
	r, err := b.factory(opts)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", b.Name, err)
	}
	return r, nil
}

// Backends lists registered backends sorted by name.
func Backends() []Backend {
	out := make([]Backend, 0, len(registry))
	for _, b := range registry {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
