// Package registry maps use-case names to their executables and response shapes.
//
// The registry is loaded once at start-up from the [tasks] section of the
// configuration and is read-only afterwards. Lookups are case-sensitive.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bobmcallan/fhegate/internal/common"
)

// Response shapes.
const (
	ShapeStream = "stream"
	ShapeJSON   = "json"
)

// Output encodings for JSON delivery.
const (
	EncodingBase64 = "base64"
	EncodingUTF8   = "utf8"
)

// Recognised queue channels.
const (
	ChannelUseCases = "usecases"
	ChannelAds      = "ads"
)

// DefaultInputTemplate is the input filename template applied when a
// use-case doesn't declare one.
const DefaultInputTemplate = "{uid}.{task_name}.input.fheencrypted"

// OutputSpec declares one output artifact of a use-case.
type OutputSpec struct {
	Template string // filename template, rendered with {uid}
	Key      string // JSON response key
	Encoding string // base64 or utf8
}

// UseCaseSpec is the immutable routing record for one use-case.
type UseCaseSpec struct {
	Name          string
	Binary        string
	Channel       string
	ResponseShape string
	InputTemplate string
	Outputs       []OutputSpec
}

// Registry holds the loaded use-case specs.
type Registry struct {
	specs map[string]*UseCaseSpec
}

// Load builds and validates the registry from the configuration task map.
// It fails on a malformed entry so that start-up aborts (the service exits
// non-zero on configuration load failure).
func Load(tasks map[string]common.TaskConfig) (*Registry, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks configured")
	}

	specs := make(map[string]*UseCaseSpec, len(tasks))
	for name, tc := range tasks {
		spec, err := buildSpec(name, tc)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		specs[name] = spec
	}

	return &Registry{specs: specs}, nil
}

func buildSpec(name string, tc common.TaskConfig) (*UseCaseSpec, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("empty task name")
	}
	if strings.TrimSpace(tc.Binary) == "" {
		return nil, fmt.Errorf("binary is required")
	}

	channel := tc.Queue
	if channel == "" {
		channel = ChannelUseCases
	}
	switch channel {
	case ChannelUseCases, ChannelAds:
	default:
		return nil, fmt.Errorf("unknown queue channel %q", channel)
	}

	shape := tc.ResponseType
	if shape == "" {
		shape = ShapeStream
	}
	switch shape {
	case ShapeStream, ShapeJSON:
	default:
		return nil, fmt.Errorf("unknown response type %q", shape)
	}

	if len(tc.OutputFiles) == 0 {
		return nil, fmt.Errorf("output file list is empty")
	}
	if shape == ShapeStream && len(tc.OutputFiles) != 1 {
		return nil, fmt.Errorf("stream response requires exactly one output file, got %d", len(tc.OutputFiles))
	}

	outputs := make([]OutputSpec, 0, len(tc.OutputFiles))
	for i, of := range tc.OutputFiles {
		if strings.TrimSpace(of.Name) == "" {
			return nil, fmt.Errorf("output %d: name template is required", i)
		}
		encoding := of.ResponseType
		if encoding == "" {
			encoding = EncodingBase64
		}
		switch encoding {
		case EncodingBase64, EncodingUTF8:
		default:
			return nil, fmt.Errorf("output %d: unknown encoding %q", i, encoding)
		}
		key := of.Key
		if key == "" {
			key = of.Name
		}
		outputs = append(outputs, OutputSpec{
			Template: of.Name,
			Key:      key,
			Encoding: encoding,
		})
	}

	input := tc.InputFile
	if input == "" {
		input = DefaultInputTemplate
	}

	return &UseCaseSpec{
		Name:          name,
		Binary:        tc.Binary,
		Channel:       channel,
		ResponseShape: shape,
		InputTemplate: input,
		Outputs:       outputs,
	}, nil
}

// Lookup returns the spec for a use-case name, or nil if unknown.
// Names are case-sensitive.
func (r *Registry) Lookup(name string) *UseCaseSpec {
	return r.specs[name]
}

// Names returns all registered use-case names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RenderTemplate substitutes {uid} and {task_name} placeholders.
func RenderTemplate(template, uid, taskName string) string {
	s := strings.ReplaceAll(template, "{uid}", uid)
	return strings.ReplaceAll(s, "{task_name}", taskName)
}

// InputFilename renders the input filename for a uid.
func (s *UseCaseSpec) InputFilename(uid string) string {
	return RenderTemplate(s.InputTemplate, uid, s.Name)
}

// OutputFilenames renders all declared output filenames for a uid.
func (s *UseCaseSpec) OutputFilenames(uid string) []string {
	names := make([]string, 0, len(s.Outputs))
	for _, out := range s.Outputs {
		names = append(names, RenderTemplate(out.Template, uid, s.Name))
	}
	return names
}
