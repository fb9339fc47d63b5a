// Package neuroglancer extracts the centerline annotation points and the
// image source URL from a neuroglancer state document.
package neuroglancer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/errs"
)

// stateSchema accepts any layer list; annotation and image layers get
// their required fields checked.
const stateSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["layers"],
	"properties": {
		"layers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "name"],
				"properties": {
					"type": {"type": "string"},
					"name": {"type": "string"}
				},
				"allOf": [
					{
						"if": {"properties": {"type": {"const": "annotation"}}},
						"then": {
							"required": ["annotations"],
							"properties": {
								"annotations": {
									"type": "array",
									"items": {
										"type": "object",
										"required": ["type"],
										"properties": {
											"type": {"type": "string"},
											"point": {
												"type": "array",
												"items": {"type": "number"},
												"minItems": 3
											}
										}
									}
								}
							}
						}
					},
					{
						"if": {"properties": {"type": {"const": "image"}}},
						"then": {
							"required": ["source"],
							"properties": {
								"source": {
									"oneOf": [
										{"type": "string"},
										{"type": "object", "required": ["url"], "properties": {"url": {"type": "string"}}}
									]
								}
							}
						}
					}
				]
			}
		}
	}
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = jsonschema.CompileString("neuroglancer-state.json", stateSchema)
	})
	return compiled, compileErr
}

// Annotation is one entry of an annotation layer.
type Annotation struct {
	Type  string    `json:"type"`
	Point []float64 `json:"point"`
}

// Layer is a neuroglancer layer. Only the fields used here are decoded.
type Layer struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Annotations []Annotation    `json:"annotations"`
	Source      json.RawMessage `json:"source"`
}

// State is a parsed neuroglancer state document.
type State struct {
	Layers []Layer `json:"layers"`
}

// Parse validates and decodes a neuroglancer state document.
func Parse(data []byte) (*State, error) {
	sch, err := schema()
	if err != nil {
		return nil, fmt.Errorf("error compiling neuroglancer schema: %v", err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errs.Invalidf("invalid neuroglancer JSON: %v", err)
	}
	if err := sch.Validate(v); err != nil {
		return nil, errs.Invalidf("invalid neuroglancer JSON: %v", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errs.Invalidf("invalid neuroglancer JSON: %v", err)
	}
	return &state, nil
}

// Load reads and parses a neuroglancer state file.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: error reading neuroglancer file: %v", errs.ErrIO, err)
	}
	return Parse(data)
}

// find returns the first layer of the given type, matching name unless it is empty.
func (s *State) find(layerType, name string) (*Layer, error) {
	for i := range s.Layers {
		l := &s.Layers[i]
		if l.Type == layerType && (name == "" || l.Name == name) {
			return l, nil
		}
	}
	if name == "" {
		return nil, errs.Invalidf("no %s layer found", layerType)
	}
	return nil, errs.Invalidf("the %s layer %q was not found", layerType, name)
}

// AnnotationPoints returns the point annotations of the named annotation
// layer, or of the first annotation layer when name is empty.
func (s *State) AnnotationPoints(name string) ([]r3.Vec, error) {
	layer, err := s.find("annotation", name)
	if err != nil {
		return nil, err
	}
	var points []r3.Vec
	for _, a := range layer.Annotations {
		if a.Type != "point" {
			continue
		}
		if len(a.Point) < 3 {
			return nil, errs.Invalidf("annotation point %v has fewer than 3 coordinates", a.Point)
		}
		points = append(points, r3.Vec{X: a.Point[0], Y: a.Point[1], Z: a.Point[2]})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: layer %q has no point annotations", errs.ErrDegenerateInput, layer.Name)
	}
	return points, nil
}

// SourceURL returns the data source of the named image layer, or of the
// first image layer when name is empty, with key-value store suffixes
// resolved.
func (s *State) SourceURL(name string) (string, error) {
	layer, err := s.find("image", name)
	if err != nil {
		return "", err
	}
	var url string
	if err := json.Unmarshal(layer.Source, &url); err != nil {
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(layer.Source, &obj); err != nil {
			return "", errs.Invalidf("invalid source format in layer %q", layer.Name)
		}
		url = obj.URL
	}
	return ResolveSource(url)
}

// ResolveSource rewrites "base|format:path" sources into a URL with a
// format prefix. Only the precomputed format is supported.
func ResolveSource(source string) (string, error) {
	base, kvstore, ok := strings.Cut(source, "|")
	if !ok {
		return source, nil
	}
	format, path, _ := strings.Cut(kvstore, ":")
	if format != "neuroglancer-precomputed" {
		return "", errs.Invalidf("unsupported data source format %q", format)
	}
	return "precomputed://" + strings.TrimPrefix(base, "precomputed://") + path, nil
}
