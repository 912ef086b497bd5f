package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultWorkspace is used when a request does not name a workspace.
const DefaultWorkspace = "default"

// Workspace scopes one model and its artifact set.
type Workspace struct {
	ID string
}

// Key returns the workspace id, falling back to DefaultWorkspace.
func (w Workspace) Key() string {
	if w.ID == "" {
		return DefaultWorkspace
	}
	return w.ID
}

// Model is the uploaded system description read by stage 1.
type Model struct {
	Name        string          `json:"name"`
	ContentType string          `json:"contentType,omitempty"`
	Raw         []byte          `json:"-"`
	Document    json.RawMessage `json:"document"`
	UploadedAt  time.Time       `json:"uploadedAt"`
}

// ParseModel validates an upload and normalizes it into a JSON document.
// YAML is a superset of JSON, so both encodings go through the YAML decoder.
func ParseModel(name string, raw []byte) (*Model, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrInvalid("model %q is empty", name).WithParam("file")
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("model %q is not valid JSON or YAML", name), Param: "file", Err: err}
	}
	switch doc.(type) {
	case map[string]any, []any:
	default:
		return nil, ErrInvalid("model %q must be a mapping or a list", name).WithParam("file")
	}
	normalized, err := json.Marshal(jsonCompatible(doc))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("model %q cannot be normalized", name), Param: "file", Err: err}
	}
	return &Model{
		Name:       name,
		Raw:        raw,
		Document:   normalized,
		UploadedAt: time.Now().UTC(),
	}, nil
}

// jsonCompatible rewrites YAML maps with non-string keys so encoding/json accepts them.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = jsonCompatible(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = jsonCompatible(val)
		}
		return t
	default:
		return v
	}
}

// ArtifactKey addresses one artifact inside a workspace.
type ArtifactKey struct {
	Stage StageID
	Scope string
}

func (k ArtifactKey) String() string {
	if k.Scope == "" {
		return fmt.Sprintf("stage %d", k.Stage)
	}
	return fmt.Sprintf("stage %d/%s", k.Stage, k.Scope)
}

// InputRef identifies one upstream artifact version read by a run.
type InputRef struct {
	Stage      StageID   `json:"stage"`
	Scope      string    `json:"scope,omitempty"`
	ProducedAt time.Time `json:"producedAt"`
}

// Key returns the artifact key the input points at.
func (r InputRef) Key() ArtifactKey {
	return ArtifactKey{Stage: r.Stage, Scope: r.Scope}
}

// Fingerprint hashes a set of input references. Order does not matter.
func Fingerprint(inputs []InputRef) string {
	parts := make([]string, 0, len(inputs))
	for _, in := range inputs {
		parts = append(parts, fmt.Sprintf("%d|%s|%s", in.Stage, in.Scope, in.ProducedAt.UTC().Format(time.RFC3339Nano)))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Artifact is the persisted output of one stage run for one scope.
type Artifact struct {
	Stage       StageID    `json:"stageId"`
	Scope       string     `json:"scopeKey,omitempty"`
	Rows        []Record   `json:"rows"`
	ProducedAt  time.Time  `json:"producedAt"`
	Fingerprint string     `json:"fingerprint"`
	Inputs      []InputRef `json:"inputs"`
	Stale       bool       `json:"stale"`
	Feedback    string     `json:"feedback,omitempty"`
	// Params are the resolved run parameters the artifact was produced with.
	Params map[string]string `json:"params,omitempty"`
}

// Key returns the artifact's address.
func (a *Artifact) Key() ArtifactKey {
	return ArtifactKey{Stage: a.Stage, Scope: a.Scope}
}

// DependsOn reports whether the artifact was computed from the given key.
func (a *Artifact) DependsOn(key ArtifactKey) bool {
	for _, in := range a.Inputs {
		if in.Key() == key {
			return true
		}
	}
	return false
}

// State is the lifecycle position of an artifact key.
type State string

const (
	StateUnrun State = "unrun"
	StateFresh State = "fresh"
	StateStale State = "stale"
)

// StateOf reports the state of a possibly missing artifact.
func StateOf(a *Artifact) State {
	switch {
	case a == nil:
		return StateUnrun
	case a.Stale:
		return StateStale
	default:
		return StateFresh
	}
}
