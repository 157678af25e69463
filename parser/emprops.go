package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PromptKey is the property ComfyUI uses to store the workflow graph.
const PromptKey = "prompt"

// EmPropsAuthor is the author recorded for every EmProps image.
const EmPropsAuthor = "EmProps"

// Node class types of interest in a ComfyUI workflow.
const (
	classEmPropsSaver   = "EmProps_S3_Saver"
	classTextEncode     = "CLIPTextEncode"
	classCheckpoint     = "CheckpointLoaderSimple"
	classUNETLoader     = "UNETLoader"
	classKSampler       = "KSampler"
	classSamplerAdvance = "SamplerCustomAdvanced"
)

// maxReferenceHops bounds how many node links are followed to resolve an input.
const maxReferenceHops = 4

var modelFileExtensions = []string{".safetensors", ".ckpt", ".pth", ".pt", ".bin", ".gguf"}

var (
	errNotGraph       = errors.New("workflow is not a JSON object")
	errBadReference   = errors.New("malformed node reference")
	errDanglingRef    = errors.New("reference to missing node")
	errReferenceDepth = errors.New("reference chain too deep")
	errUnexpectedType = errors.New("unexpected input type")
)

// EmPropsParser extracts metadata from ComfyUI workflow graphs saved by the
// EmProps platform. The graph is stored as JSON in the "prompt" property.
type EmPropsParser struct {
	// Now supplies the creation date. Nil means time.Now.
	Now func() time.Time
}

func (p *EmPropsParser) Model() SourceModel { return EmProps }

// IsCompatible reports whether the workflow graph contains the EmProps saver
// node. Malformed JSON is simply not compatible.
func (p *EmPropsParser) IsCompatible(props Properties) bool {
	raw, ok := props[PromptKey]
	if !ok || !gjson.Valid(raw) {
		return false
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return false
	}

	found := false
	doc.ForEach(func(_, node gjson.Result) bool {
		ct := node.Get("class_type")
		if node.IsObject() && ct.Type == gjson.String && ct.Str == classEmPropsSaver {
			found = true
			return false
		}
		return true
	})
	return found
}

// Extract walks the workflow graph for prompt, checkpoint and sampler nodes.
// A structural problem part way through keeps what was found so far, provided
// a prompt was already resolved.
func (p *EmPropsParser) Extract(props Properties, _ Dimensions) (*Record, bool) {
	rec := NewRecord(now(p.Now))
	rec.Author = EmPropsAuthor

	g, err := parseGraph(props[PromptKey])
	if err != nil {
		slog.Warn("emprops: parsing workflow", "error", err)
		return nil, false
	}

	if err := g.fill(rec); err != nil {
		if rec.Prompt == "" {
			slog.Warn("emprops: extraction failed", "error", err)
			return nil, false
		}
		slog.Warn("emprops: returning partial metadata", "error", err)
	}
	return rec, true
}

// graphNode is one entry of a workflow graph.
type graphNode struct {
	id        string
	classType string
	title     string
	inputs    gjson.Result
}

// graph keeps nodes in document order alongside an id index.
type graph struct {
	nodes []graphNode
	byID  map[string]int
}

func parseGraph(raw string) (*graph, error) {
	if strings.TrimSpace(raw) == "" || !gjson.Valid(raw) {
		return nil, errNotGraph
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, errNotGraph
	}

	g := &graph{byID: make(map[string]int)}
	doc.ForEach(func(key, node gjson.Result) bool {
		if !node.IsObject() {
			return true
		}
		n := graphNode{
			id:        key.String(),
			classType: node.Get("class_type").String(),
			title:     node.Get("_meta.title").String(),
			inputs:    node.Get("inputs"),
		}
		g.byID[n.id] = len(g.nodes)
		g.nodes = append(g.nodes, n)
		return true
	})
	return g, nil
}

// ofClass returns nodes with inputs whose class type is one of classes.
func (g *graph) ofClass(classes ...string) []*graphNode {
	var out []*graphNode
	for i := range g.nodes {
		n := &g.nodes[i]
		if !n.inputs.IsObject() {
			continue
		}
		for _, c := range classes {
			if n.classType == c {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func (g *graph) fill(rec *Record) error {
	prompt, err := g.prompt()
	if err != nil {
		return fmt.Errorf("prompt: %w", err)
	}
	rec.Prompt = prompt

	profile, err := g.profile()
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	rec.Profile = profile

	version, err := g.version()
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	rec.Version = version
	return nil
}

type textNode struct {
	title string
	text  string
}

// prompt prefers a text encoder titled as the positive prompt, or any that is
// not titled negative, then falls back to the first non-empty encoder.
func (g *graph) prompt() (string, error) {
	var candidates []textNode
	for _, n := range g.ofClass(classTextEncode) {
		if !n.inputs.Get("text").Exists() {
			continue
		}
		text, _, err := g.input(n, "text")
		if err != nil {
			return "", err
		}
		candidates = append(candidates, textNode{title: n.title, text: text})
	}

	for _, c := range candidates {
		positive := strings.HasSuffix(c.title, "(Prompt)") ||
			!strings.Contains(strings.ToLower(c.title), "(negative)")
		if positive && strings.TrimSpace(c.text) != "" {
			return c.text, nil
		}
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.text) != "" {
			return c.text, nil
		}
	}
	return "", nil
}

func (g *graph) profile() (string, error) {
	loaders := g.ofClass(classCheckpoint, classUNETLoader)
	if len(loaders) == 0 {
		return "", nil
	}
	n := loaders[0]

	name, ok, err := g.input(n, "ckpt_name")
	if err != nil {
		return "", err
	}
	if !ok {
		if name, _, err = g.input(n, "unet_name"); err != nil {
			return "", err
		}
	}
	return trimModelExtension(name), nil
}

// version is derived from the first sampler. Samplers with literal
// sampler_name and steps give "SD_<name>_<steps>steps"; advanced samplers link
// to a sampler-select node and give "SD_<name>".
func (g *graph) version() (string, error) {
	samplers := g.ofClass(classKSampler, classSamplerAdvance)
	if len(samplers) == 0 {
		return "", nil
	}
	n := samplers[0]

	name := n.inputs.Get("sampler_name")
	steps := n.inputs.Get("steps")
	if isLiteral(name) && isLiteral(steps) {
		return fmt.Sprintf("SD_%s_%ssteps", name.String(), steps.String()), nil
	}

	ref := n.inputs.Get("sampler")
	if !ref.IsArray() {
		return "", nil
	}
	target, err := g.deref(ref)
	if err != nil {
		return "", err
	}
	sampler, _, err := g.input(target, "sampler_name")
	if err != nil || sampler == "" {
		return "", err
	}
	return "SD_" + sampler, nil
}

// input returns the literal value of a node input, following links to other
// nodes' inputs of the same name. ok is false when the input is absent.
func (g *graph) input(n *graphNode, name string) (value string, ok bool, err error) {
	visited := map[string]bool{n.id: true}
	for hop := 0; ; hop++ {
		v := n.inputs.Get(name)
		switch {
		case !v.Exists(), v.Type == gjson.Null:
			return "", false, nil
		case isLiteral(v):
			return v.String(), true, nil
		case !v.IsArray():
			return "", false, fmt.Errorf("%w: %s.%s", errUnexpectedType, n.id, name)
		}

		if hop >= maxReferenceHops {
			return "", false, fmt.Errorf("%w: %s.%s", errReferenceDepth, n.id, name)
		}
		if n, err = g.deref(v); err != nil {
			return "", false, err
		}
		if visited[n.id] {
			return "", false, fmt.Errorf("%w: cycle at node %s", errReferenceDepth, n.id)
		}
		visited[n.id] = true
	}
}

// deref resolves a [node_id, output_slot] link to the referenced node.
func (g *graph) deref(ref gjson.Result) (*graphNode, error) {
	parts := ref.Array()
	if len(parts) != 2 || parts[1].Type != gjson.Number ||
		(parts[0].Type != gjson.String && parts[0].Type != gjson.Number) {
		return nil, fmt.Errorf("%w: %s", errBadReference, ref.Raw)
	}
	idx, ok := g.byID[parts[0].String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errDanglingRef, parts[0].String())
	}
	return &g.nodes[idx], nil
}

func isLiteral(v gjson.Result) bool {
	switch v.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return true
	}
	return false
}

func trimModelExtension(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range modelFileExtensions {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
