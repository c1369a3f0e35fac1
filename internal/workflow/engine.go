package workflow

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.json
var templateFS embed.FS

//go:embed addresses.yaml
var addressesYAML []byte

var (
	ErrUnknownWorkflow     = errors.New("unknown workflow type")
	ErrTemplateUnavailable = errors.New("workflow template unavailable")
)

// Address points one semantic parameter at a fixed (node, input) slot in a
// template. The tables live in addresses.yaml so template edits and code
// addressing get validated together instead of drifting apart.
type Address struct {
	Node  string `yaml:"node"`
	Input string `yaml:"input"`
	Kind  string `yaml:"kind"`
}

// AddressTable is the per-workflow slice of the address configuration.
type AddressTable struct {
	Params      map[string]Address `yaml:"params"`
	OutputNodes []string           `yaml:"output_nodes"`
	SinkNode    string             `yaml:"sink_node"`
}

type addressFile struct {
	Version   int                    `yaml:"version"`
	Workflows map[Type]*AddressTable `yaml:"workflows"`
}

// Engine builds job graph documents from the embedded templates. It holds
// the raw template bytes and re-parses per build, so every Build hands out
// a fresh mutable copy and the blueprints stay pristine.
type Engine struct {
	log       zerolog.Logger
	version   int
	tables    map[Type]*AddressTable
	templates map[Type][]byte
}

func NewEngine(log zerolog.Logger) (*Engine, error) {
	var file addressFile
	if err := yaml.Unmarshal(addressesYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse address tables: %w", err)
	}
	if file.Version < 1 {
		return nil, fmt.Errorf("address tables missing version")
	}

	e := &Engine{
		log:       log,
		version:   file.Version,
		tables:    file.Workflows,
		templates: make(map[Type][]byte),
	}

	for t, table := range file.Workflows {
		data, err := templateFS.ReadFile("templates/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTemplateUnavailable, t, err)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTemplateUnavailable, t, err)
		}
		if err := validateTable(t, table, doc); err != nil {
			return nil, err
		}
		e.templates[t] = data
	}

	return e, nil
}

// validateTable checks every address against the loaded template so a stale
// table fails at startup, not mid-build.
func validateTable(t Type, table *AddressTable, doc Document) error {
	check := func(nodeID string) error {
		node, ok := doc[nodeID].(map[string]any)
		if !ok {
			return fmt.Errorf("address table %s: node %q not in template", t, nodeID)
		}
		if _, ok := node["inputs"].(map[string]any); !ok {
			return fmt.Errorf("address table %s: node %q has no inputs", t, nodeID)
		}
		return nil
	}

	for name, addr := range table.Params {
		if addr.Kind != "int" && addr.Kind != "text" {
			return fmt.Errorf("address table %s: param %q has kind %q", t, name, addr.Kind)
		}
		if err := check(addr.Node); err != nil {
			return err
		}
	}
	for _, nodeID := range table.OutputNodes {
		if _, ok := doc[nodeID]; !ok {
			return fmt.Errorf("address table %s: output node %q not in template", t, nodeID)
		}
	}
	if table.SinkNode != "" {
		if _, ok := doc[table.SinkNode]; !ok {
			return fmt.Errorf("address table %s: sink node %q not in template", t, table.SinkNode)
		}
	}
	return nil
}

// Version reports the address table version, for logging.
func (e *Engine) Version() int { return e.version }

// OutputNodes returns the node ids whose executed events mark an
// image-producing job as finished.
func (e *Engine) OutputNodes(t Type) []string {
	if table, ok := e.tables[t]; ok {
		return table.OutputNodes
	}
	return nil
}

// SinkNode returns the forced-unlock node for streaming workflows, or "".
func (e *Engine) SinkNode(t Type) string {
	if table, ok := e.tables[t]; ok {
		return table.SinkNode
	}
	return ""
}

// Build produces a submission-ready document: a fresh copy of the template
// for t with every recognized parameter written at its fixed address.
// Unknown parameter keys are ignored. A recognized parameter whose node is
// missing from the template is skipped with a warning rather than aborting
// the build; a partially parameterized document still renders something.
func (e *Engine) Build(t Type, params Params) (Document, error) {
	table, ok := e.tables[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, t)
	}

	var doc Document
	if err := json.Unmarshal(e.templates[t], &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateUnavailable, t, err)
	}

	if t == VisionCaption {
		if _, ok := params[ParamSeed]; !ok {
			params = withSeed(params)
		}
	}

	for name, value := range params {
		addr, ok := table.Params[name]
		if !ok {
			continue
		}
		e.setNodeInput(doc, addr, value)
	}

	return doc, nil
}

// withSeed copies params and adds a locally generated seed.
func withSeed(params Params) Params {
	out := make(Params, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[ParamSeed] = Int(rand.Int64())
	return out
}

func (e *Engine) setNodeInput(doc Document, addr Address, value Value) {
	node, ok := doc[addr.Node].(map[string]any)
	if !ok {
		e.log.Warn().Str("node", addr.Node).Msg("template node missing, skipping parameter")
		return
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		e.log.Warn().Str("node", addr.Node).Msg("template node has no inputs, skipping parameter")
		return
	}

	// Integer values land as JSON numbers, everything else as text. The
	// declared kind is a schema check, not a coercion.
	if value.IsInt() != (addr.Kind == "int") {
		e.log.Warn().Str("node", addr.Node).Str("input", addr.Input).
			Msg("parameter kind differs from address table declaration")
	}
	inputs[addr.Input] = value.jsonValue()
}
