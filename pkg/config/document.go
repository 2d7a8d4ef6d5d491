package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-aggregator/pkg/domain"
	"github.com/polisai/polis-aggregator/pkg/transform"
	"github.com/polisai/polis-aggregator/pkg/validation"
)

// Document is the raw aggregation configuration of one endpoint, as stored in
// the config store or on disk. YAML and JSON are both accepted.
type Document struct {
	ID      string     `yaml:"id" json:"id"`
	Name    string     `yaml:"name" json:"name"`
	Version string     `yaml:"version" json:"version,omitempty"`
	Method  string     `yaml:"method" json:"method"`
	Path    string     `yaml:"path" json:"path"`
	Input   *InputSpec `yaml:"input" json:"input,omitempty"`
	Steps   []StepSpec `yaml:"steps" json:"steps,omitempty"`
	// Response is the pipeline-level output transform.
	Response *ResponseSpec `yaml:"response" json:"response,omitempty"`
}

// InputSpec describes client input handling: mapping, validation and the
// canned error response.
type InputSpec struct {
	Debug   bool                   `yaml:"debug" json:"debug,omitempty"`
	Request *RequestMapping        `yaml:"request" json:"request,omitempty"`
	Headers []validation.FieldRule `yaml:"headers" json:"headers,omitempty"`
	Params  []validation.FieldRule `yaml:"params" json:"params,omitempty"`
	Body    []validation.FieldRule `yaml:"body" json:"body,omitempty"`
	Script  *validation.ScriptSpec `yaml:"script" json:"script,omitempty"`
	Locale  *validation.LocaleRule `yaml:"locale" json:"locale,omitempty"`
	Error   *ResponseSpec          `yaml:"error" json:"error,omitempty"`
}

// RequestMapping transforms merged into input.request before validation.
type RequestMapping struct {
	Headers *transform.Spec `yaml:"headers" json:"headers,omitempty"`
	Params  *transform.Spec `yaml:"params" json:"params,omitempty"`
	Body    *transform.Spec `yaml:"body" json:"body,omitempty"`
}

// ResponseSpec is a headers/body transform pair.
type ResponseSpec struct {
	Headers *transform.Spec `yaml:"headers" json:"headers,omitempty"`
	Body    *transform.Spec `yaml:"body" json:"body,omitempty"`
}

// StepSpec is one step of the pipeline.
type StepSpec struct {
	Name     string                `yaml:"name" json:"name,omitempty"`
	Stop     bool                  `yaml:"stop" json:"stop,omitempty"`
	Sources  map[string]SourceSpec `yaml:"sources" json:"sources,omitempty"`
	Response *transform.Spec       `yaml:"response" json:"response,omitempty"`
	// order keeps the declaration order of Sources when decoded from YAML.
	order []string
}

// SourceNames returns the source names in declaration order when known,
// falling back to lexical order.
func (s *StepSpec) SourceNames() []string {
	if len(s.order) == len(s.Sources) {
		return append([]string(nil), s.order...)
	}
	names := make([]string, 0, len(s.Sources))
	for name := range s.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnmarshalYAML records the declaration order of the sources mapping.
func (s *StepSpec) UnmarshalYAML(node *yaml.Node) error {
	type plain StepSpec
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*s = StepSpec(decoded)
	s.order = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "sources" {
			continue
		}
		sources := node.Content[i+1]
		for j := 0; j+1 < len(sources.Content); j += 2 {
			s.order = append(s.order, sources.Content[j].Value)
		}
	}
	return nil
}

// SourceSpec is one source block. Type and Condition are common to every
// adapter; the remaining fields are adapter specific.
type SourceSpec struct {
	Type      string
	Condition string
	Raw       map[string]any
}

// UnmarshalYAML splits the common fields from the adapter fields.
func (s *SourceSpec) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return s.fromMap(raw)
}

// MarshalYAML folds the common fields back into the adapter map.
func (s SourceSpec) MarshalYAML() (any, error) {
	return s.toMap(), nil
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON payloads.
func (s *SourceSpec) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.fromMap(raw)
}

// MarshalJSON mirrors MarshalYAML.
func (s SourceSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toMap())
}

func (s *SourceSpec) fromMap(raw map[string]any) error {
	typ, _ := raw["type"].(string)
	if strings.TrimSpace(typ) == "" {
		return errors.New("source type is required")
	}
	cond, _ := raw["condition"].(string)
	delete(raw, "type")
	delete(raw, "condition")
	s.Type = strings.TrimSpace(typ)
	s.Condition = strings.TrimSpace(cond)
	s.Raw = raw
	return nil
}

func (s SourceSpec) toMap() map[string]any {
	out := make(map[string]any, len(s.Raw)+2)
	for k, v := range s.Raw {
		out[k] = v
	}
	out["type"] = s.Type
	if s.Condition != "" {
		out["condition"] = s.Condition
	}
	return out
}

// Key returns the resource key of the document.
func (d *Document) Key() domain.ResourceKey {
	return domain.NewResourceKey(d.Method, d.Path)
}

// ParseDocument decodes a single YAML or JSON document.
func ParseDocument(data []byte) (*Document, error) {
	docs, err := ParseDocuments(data)
	if err != nil {
		return nil, err
	}
	if len(docs) != 1 {
		return nil, fmt.Errorf("%w: expected one document, got %d", domain.ErrConfigInvalid, len(docs))
	}
	return docs[0], nil
}

// ParseDocuments decodes a YAML stream that may contain several documents
// separated by ---.
func ParseDocuments(data []byte) ([]*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []*Document
	for {
		doc := &Document{}
		err := dec.Decode(doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: decode document: %v", domain.ErrConfigInvalid, err)
		}
		docs = append(docs, normalizeDocument(doc))
	}
	return docs, nil
}

// EncodeDocument renders the document as YAML for the config store.
func EncodeDocument(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

func normalizeDocument(doc *Document) *Document {
	doc.ID = strings.TrimSpace(doc.ID)
	doc.Method = strings.ToUpper(strings.TrimSpace(doc.Method))
	doc.Path = strings.TrimSpace(doc.Path)
	return doc
}
