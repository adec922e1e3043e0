package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
)

// MultiToken is the template marker absorbing a variable-length run of
// concrete path segments.
const MultiToken = "**"

// Segment attributes a template segment can read its value from.
const (
	FieldName        = "name"
	FieldDisplayName = "display_name"
)

var varNameRE = regexp.MustCompile(`^\{\s*(\w+)\s*\}$`)

// SegmentSpec is the configuration form of one template segment. Exactly one
// of Name and Regex is set; Field selects which concrete segment attribute
// literal and regex comparisons read (canonical name by default).
type SegmentSpec struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Regex string `yaml:"regex,omitempty" json:"regex,omitempty"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	Type  string `yaml:"type" json:"type"`
}

// TemplateSegment is one compiled element of a resource template.
type TemplateSegment struct {
	Name  string
	Var   string
	Multi bool
	Regex *regexp2.Regexp
	Field string
	Type  SegmentType

	// ordinal among the template's absorbing segments (multi-token and
	// regex), -1 for segments consuming exactly one concrete segment
	absorb int
}

// Template is one compiled resource template, belonging to a single service
// within a sync point and identified by its resource key. Immutable after
// configuration load.
type Template struct {
	Service  string
	Key      string
	Segments []TemplateSegment

	vars      map[string]struct{}
	absorbers int
}

// CompileTemplate validates and compiles the segment specs of one configured
// resource template.
func CompileTemplate(service, key string, specs []SegmentSpec) (*Template, error) {
	entry := service + "/" + key
	if len(specs) == 0 {
		return nil, &ConfigError{Entry: entry, Reason: "template has no segments"}
	}
	t := &Template{
		Service:  service,
		Key:      key,
		Segments: make([]TemplateSegment, 0, len(specs)),
		vars:     make(map[string]struct{}),
	}
	multiSeen := false
	for i, spec := range specs {
		seg := TemplateSegment{Field: spec.Field, Type: SegmentType(spec.Type), absorb: -1}
		if spec.Type == "" {
			return nil, &ConfigError{Entry: entry, Reason: fmt.Sprintf("segment %d has no type", i)}
		}
		switch {
		case spec.Name != "" && spec.Regex != "":
			return nil, &ConfigError{Entry: entry, Reason: fmt.Sprintf("segment %d sets both name and regex", i)}
		case spec.Name == "" && spec.Regex == "":
			return nil, &ConfigError{Entry: entry, Reason: fmt.Sprintf("segment %d sets neither name nor regex", i)}
		case spec.Regex != "":
			re, err := regexp2.Compile(spec.Regex, regexp2.None)
			if err != nil {
				return nil, &ConfigError{Entry: entry, Reason: fmt.Sprintf("segment %d regex: %v", i, err)}
			}
			seg.Regex = re
			seg.absorb = t.absorbers
			t.absorbers++
		case spec.Name == MultiToken:
			if multiSeen {
				return nil, &ConfigError{Entry: entry, Reason: "more than one multi-token segment"}
			}
			multiSeen = true
			seg.Multi = true
			seg.absorb = t.absorbers
			t.absorbers++
		default:
			if m := varNameRE.FindStringSubmatch(spec.Name); m != nil {
				if _, dup := t.vars[m[1]]; dup {
					return nil, &ConfigError{Entry: entry, Reason: fmt.Sprintf("variable {%s} appears more than once", m[1])}
				}
				t.vars[m[1]] = struct{}{}
				seg.Var = m[1]
			} else {
				seg.Name = spec.Name
			}
		}
		if seg.Field != "" && seg.Field != FieldName && seg.Field != FieldDisplayName {
			return nil, &ConfigError{Entry: entry, Reason: fmt.Sprintf("segment %d has unknown field %q", i, seg.Field)}
		}
		if seg.Field != "" && seg.Name == "" && seg.Regex == nil {
			return nil, &ConfigError{Entry: entry, Reason: fmt.Sprintf("segment %d sets field without a literal name or regex", i)}
		}
		t.Segments = append(t.Segments, seg)
	}
	return t, nil
}

// Binding is one variable capture from a successful match.
type Binding struct {
	Value string
	Index int
}

// Bindings is the result of matching a concrete resource against a template:
// variable captures plus the runs of segment names absorbed by multi-token
// and regex segments, in template order. Bindings live for one
// synchronization pass and are never persisted.
type Bindings struct {
	Vars     map[string]Binding
	Absorbed [][]string
}

func fieldValue(seg Segment, field string) string {
	if field == FieldDisplayName {
		return seg.DisplayName
	}
	return seg.Name
}

func segmentNames(segments []Segment) []string {
	names := make([]string, len(segments))
	for i, s := range segments {
		names[i] = s.Name
	}
	return names
}

// Match decides whether the concrete resource matches the template and
// extracts variable bindings and absorbed segment runs. Matching walks
// template and concrete segments in lockstep; a multi-token segment absorbs
// greedily whatever the fixed segments around it leave over, and a regex
// segment absorbs the longest run of segments whose joined value the pattern
// extracts from. Literal comparisons read the field-selected attribute.
func (t *Template) Match(resource []Segment) (*Bindings, bool) {
	b := &Bindings{
		Vars:     make(map[string]Binding),
		Absorbed: make([][]string, t.absorbers),
	}
	if !matchFrom(t.Segments, resource, 0, 0, b) {
		return nil, false
	}
	return b, true
}

func matchFrom(tmpl []TemplateSegment, res []Segment, ti, ri int, b *Bindings) bool {
	if ti == len(tmpl) {
		return ri == len(res)
	}
	seg := tmpl[ti]
	switch {
	case seg.Multi:
		for k := len(res) - ri; k >= 0; k-- {
			if matchFrom(tmpl, res, ti+1, ri+k, b) {
				b.Absorbed[seg.absorb] = segmentNames(res[ri : ri+k])
				return true
			}
		}
		return false
	case seg.Regex != nil:
		for k := len(res) - ri; k >= 1; k-- {
			joined := joinFieldValues(res[ri:ri+k], seg.Field)
			m, err := seg.Regex.FindStringMatch(joined)
			if err != nil || m == nil || m.String() == "" {
				continue
			}
			if matchFrom(tmpl, res, ti+1, ri+k, b) {
				b.Absorbed[seg.absorb] = splitRun(m.String())
				return true
			}
		}
		return false
	case seg.Var != "":
		if ri >= len(res) {
			return false
		}
		b.Vars[seg.Var] = Binding{Value: res[ri].Name, Index: ri}
		return matchFrom(tmpl, res, ti+1, ri+1, b)
	default:
		if ri >= len(res) || fieldValue(res[ri], seg.Field) != seg.Name {
			return false
		}
		return matchFrom(tmpl, res, ti+1, ri+1, b)
	}
}

func joinFieldValues(segments []Segment, field string) string {
	values := make([]string, len(segments))
	for i, s := range segments {
		values[i] = fieldValue(s, field)
	}
	return strings.Join(values, "/")
}

func splitRun(extracted string) []string {
	var run []string
	for _, part := range strings.Split(extracted, "/") {
		if part != "" {
			run = append(run, part)
		}
	}
	return run
}

// Generate produces the concrete path this template denotes under the given
// bindings. Every produced segment carries this template's declared type,
// not the type the source service reported: the same conceptual resource may
// be typed differently per service. Absorbing segments replay the source
// match's absorbed runs in order; a run that absorbed nothing is omitted
// entirely.
func (t *Template) Generate(b *Bindings) ([]Segment, error) {
	out := make([]Segment, 0, len(t.Segments))
	for _, seg := range t.Segments {
		switch {
		case seg.Multi || seg.Regex != nil:
			if b == nil || seg.absorb >= len(b.Absorbed) {
				return nil, &ResolutionError{Template: t.Key, Reason: "no absorbed segments to fill a multi-token segment"}
			}
			for _, name := range b.Absorbed[seg.absorb] {
				out = append(out, Segment{Name: name, Type: seg.Type})
			}
		case seg.Var != "":
			bind, ok := b.Vars[seg.Var]
			if !ok {
				return nil, &ResolutionError{Template: t.Key, Reason: fmt.Sprintf("variable {%s} is not bound", seg.Var)}
			}
			out = append(out, Segment{Name: bind.Value, Type: seg.Type})
		default:
			out = append(out, Segment{Name: seg.Name, Type: seg.Type})
		}
	}
	return out, nil
}
