package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

func TestClustererNilEmbeddingIsNoise(t *testing.T) {
	c := NewClusterer(0.55, 10)
	id, conf := c.Assign(nil)
	assert.Equal(t, models.ClusterNoise, id)
	assert.Zero(t, conf)
	assert.Zero(t, c.Size())
}

func TestClustererOpensAndJoins(t *testing.T) {
	c := NewClusterer(0.55, 10)

	id, conf := c.Assign([]float32{1, 0, 0})
	assert.Equal(t, 0, id)
	assert.Equal(t, 1.0, conf)

	// Close to the first centroid: joins it.
	id, conf = c.Assign([]float32{0.95, 0.1, 0})
	assert.Equal(t, 0, id)
	assert.Greater(t, conf, 0.55)
	assert.Equal(t, 1, c.Size())

	// Orthogonal: opens a second cluster.
	id, _ = c.Assign([]float32{0, 1, 0})
	assert.Equal(t, 1, id)
	assert.Equal(t, 2, c.Size())
}

func TestClustererCapFallsBackToNoise(t *testing.T) {
	c := NewClusterer(0.55, 2)
	c.Assign([]float32{1, 0, 0})
	c.Assign([]float32{0, 1, 0})

	id, conf := c.Assign([]float32{0, 0, 1})
	assert.Equal(t, models.ClusterNoise, id)
	assert.Zero(t, conf)
	assert.Equal(t, 2, c.Size())
}

func TestClustererCentroidDrifts(t *testing.T) {
	c := NewClusterer(0.55, 10)
	c.Assign([]float32{1, 0})
	c.Assign([]float32{0.8, 0.6})

	// The centroid moved toward the second item, so a vector between the
	// two still joins with high confidence.
	id, conf := c.Assign([]float32{0.9, 0.3})
	assert.Equal(t, 0, id)
	assert.Greater(t, conf, 0.9)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosine([]float32{1, 0}, []float32{1}))
	assert.Zero(t, cosine(nil, nil))
}
