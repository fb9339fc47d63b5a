package neuroglancer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/errs"
)

const sampleState = `{
	"dimensions": {"x": [8e-9, "m"], "y": [8e-9, "m"], "z": [8e-9, "m"]},
	"layers": [
		{"type": "segmentation", "name": "seg", "source": "precomputed://gs://bucket/seg"},
		{"type": "image", "name": "em", "source": {"url": "gs://bucket/em/|neuroglancer-precomputed:"}},
		{"type": "image", "name": "raw", "source": "precomputed://https://host/raw"},
		{"type": "annotation", "name": "path", "annotations": [
			{"type": "point", "id": "a", "point": [1, 2, 3]},
			{"type": "line", "id": "b", "pointA": [0, 0, 0], "pointB": [1, 1, 1]},
			{"type": "point", "id": "c", "point": [4.5, 5, 6]}
		]},
		{"type": "annotation", "name": "empty", "annotations": []}
	]
}`

func TestParseState(t *testing.T) {
	state, err := Parse([]byte(sampleState))
	require.NoError(t, err)
	require.Len(t, state.Layers, 5)

	points, err := state.AnnotationPoints("")
	require.NoError(t, err)
	assert.Equal(t, []r3.Vec{{X: 1, Y: 2, Z: 3}, {X: 4.5, Y: 5, Z: 6}}, points)

	_, err = state.AnnotationPoints("empty")
	assert.True(t, errors.Is(err, errs.ErrDegenerateInput))

	_, err = state.AnnotationPoints("missing")
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))

	url, err := state.SourceURL("")
	require.NoError(t, err)
	assert.Equal(t, "precomputed://gs://bucket/em/", url)

	url, err = state.SourceURL("raw")
	require.NoError(t, err)
	assert.Equal(t, "precomputed://https://host/raw", url)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":        `{"layers": [`,
		"no layers":       `{"title": "x"}`,
		"unnamed layer":   `{"layers": [{"type": "image", "source": "a"}]}`,
		"image no source": `{"layers": [{"type": "image", "name": "a"}]}`,
		"bad point":       `{"layers": [{"type": "annotation", "name": "a", "annotations": [{"type": "point", "point": [1, 2]}]}]}`,
	} {
		_, err := Parse([]byte(doc))
		assert.True(t, errors.Is(err, errs.ErrInvalidParameter), name)
	}
}

func TestResolveSource(t *testing.T) {
	url, err := ResolveSource("gs://bucket/vol|neuroglancer-precomputed:/sub")
	require.NoError(t, err)
	assert.Equal(t, "precomputed://gs://bucket/vol/sub", url)

	_, err = ResolveSource("gs://bucket/vol|zarr2:")
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))

	url, err = ResolveSource("precomputed://file:///data/vol")
	require.NoError(t, err)
	assert.Equal(t, "precomputed://file:///data/vol", url)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleState), 0644))

	state, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, state.Layers, 5)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, errs.ErrIO))
}
