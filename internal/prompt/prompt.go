// Package prompt renders the system and user messages sent to the
// generation backend for each stage.
//
// System prompts are embedded text/template files, one per stage table name.
// An optional override directory may replace any of them (<table>.tmpl) and
// add fixed background knowledge for a stage (<table>.context.txt). Passages
// retrieved per run arrive through Context.Retrieved and are appended to it.
// The directory can be watched and is reloaded on change.
package prompt

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/stage"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Input is one resolved upstream artifact handed to the prompt.
type Input struct {
	Stage domain.StageID
	Table string
	Scope string
	Rows  []domain.Record
}

// Reference is an operator supplied file attached to a modify cycle.
type Reference struct {
	Name    string
	Content string
}

// Context is everything a stage prompt is rendered from.
type Context struct {
	Scope     string
	Params    map[string]string
	Model     json.RawMessage
	Inputs    []Input
	Current   []domain.Record
	Feedback  string
	Reference *Reference
	// Retrieved holds knowledge passages selected for this run.
	Retrieved string
}

// Options configures a Library.
type Options struct {
	// Dir is an optional override directory.
	Dir string
	// MaxReferenceTokens caps the reference file content; 0 disables the cap.
	MaxReferenceTokens int
	// Encoding is the tiktoken encoding used to count reference tokens.
	Encoding string
	Logger   *slog.Logger
}

type templateSet struct {
	system    map[domain.StageID]*template.Template
	knowledge map[domain.StageID]string
	user      *template.Template
}

// Library holds the parsed templates.
type Library struct {
	opts   Options
	budget *Budget
	logger *slog.Logger

	mu  sync.RWMutex
	set *templateSet
}

// NewLibrary parses the embedded templates and applies overrides from opts.Dir.
func NewLibrary(opts Options) (*Library, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Library{opts: opts, logger: logger}

	if opts.MaxReferenceTokens > 0 {
		b, err := NewBudget(opts.Encoding, opts.MaxReferenceTokens)
		if err != nil {
			return nil, err
		}
		l.budget = b
	}

	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
}

// Reload re-reads the embedded templates and the override directory. On
// error the previous templates stay in place.
func (l *Library) Reload() error {
	set, err := l.load()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.set = set
	l.mu.Unlock()
	return nil
}

func (l *Library) load() (*templateSet, error) {
	output, err := l.source("output.tmpl")
	if err != nil {
		return nil, err
	}

	set := &templateSet{
		system:    make(map[domain.StageID]*template.Template),
		knowledge: make(map[domain.StageID]string),
	}
	for _, d := range stage.All() {
		src, err := l.source(d.Table + ".tmpl")
		if err != nil {
			return nil, err
		}
		t, err := template.New(d.Table).Funcs(funcs).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse %s prompt: %w", d.Table, err)
		}
		if _, err := t.Parse(output); err != nil {
			return nil, fmt.Errorf("parse output block: %w", err)
		}
		set.system[d.ID] = t

		if l.opts.Dir != "" {
			b, err := os.ReadFile(filepath.Join(l.opts.Dir, d.Table+".context.txt"))
			switch {
			case err == nil:
				set.knowledge[d.ID] = string(b)
			case !errors.Is(err, fs.ErrNotExist):
				return nil, fmt.Errorf("read %s context: %w", d.Table, err)
			}
		}
	}

	src, err := l.source("user.tmpl")
	if err != nil {
		return nil, err
	}
	set.user, err = template.New("user").Funcs(funcs).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse user prompt: %w", err)
	}
	return set, nil
}

// source returns the override file if present, else the embedded one.
func (l *Library) source(name string) (string, error) {
	if l.opts.Dir != "" {
		b, err := os.ReadFile(filepath.Join(l.opts.Dir, name))
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
	}
	b, err := embedded.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("read embedded %s: %w", name, err)
	}
	return string(b), nil
}

type userData struct {
	Context
	Stage     stage.Descriptor
	Knowledge string
}

// Render produces the system and user messages for a stage.
func (l *Library) Render(id domain.StageID, pc *Context) (system, user string, err error) {
	d, err := stage.Get(id)
	if err != nil {
		return "", "", err
	}

	l.mu.RLock()
	set := l.set
	l.mu.RUnlock()

	var sys bytes.Buffer
	if err := set.system[id].Execute(&sys, nil); err != nil {
		return "", "", fmt.Errorf("render %s prompt: %w", d.Table, err)
	}

	knowledge := set.knowledge[id]
	if pc.Retrieved != "" {
		if knowledge != "" {
			knowledge += "\n\n"
		}
		knowledge += pc.Retrieved
	}
	data := userData{Context: *pc, Stage: d, Knowledge: knowledge}
	if pc.Reference != nil && l.budget != nil {
		content, truncated := l.budget.Truncate(pc.Reference.Content)
		if truncated {
			l.logger.Warn("reference file truncated",
				slog.String("file", pc.Reference.Name),
				slog.Int("max_tokens", l.budget.Max()))
		}
		data.Reference = &Reference{Name: pc.Reference.Name, Content: content}
	}

	var usr bytes.Buffer
	if err := set.user.Execute(&usr, data); err != nil {
		return "", "", fmt.Errorf("render user prompt: %w", err)
	}
	return sys.String(), usr.String(), nil
}
