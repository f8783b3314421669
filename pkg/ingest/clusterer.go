package ingest

import (
	"math"
	"sync"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

// Clusterer assigns exchanges to topic clusters online, without a training
// pass. Each cluster keeps a normalized centroid updated by running mean.
// Assignment is by cosine similarity: at or above the join threshold the
// item joins the nearest cluster, below it a new cluster is opened until
// the cap, after which items fall back to noise.
type Clusterer struct {
	joinThreshold float64
	maxClusters   int

	mu        sync.Mutex
	centroids [][]float32
	counts    []int
}

// NewClusterer creates a Clusterer. joinThreshold is the minimum cosine
// similarity for an item to join an existing cluster.
func NewClusterer(joinThreshold float64, maxClusters int) *Clusterer {
	return &Clusterer{joinThreshold: joinThreshold, maxClusters: maxClusters}
}

// Assign returns the cluster id and confidence (the cosine similarity to
// the assigned centroid) for an embedding. A nil embedding or an exhausted
// cluster cap yields the noise cluster with zero confidence. The first
// cluster opens with confidence 1.
func (c *Clusterer) Assign(embedding []float32) (int, float64) {
	if embedding == nil {
		return models.ClusterNoise, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	best, bestSim := -1, -1.0
	for i, centroid := range c.centroids {
		if sim := cosine(embedding, centroid); sim > bestSim {
			best, bestSim = i, sim
		}
	}

	if best >= 0 && bestSim >= c.joinThreshold {
		c.updateCentroid(best, embedding)
		return best, bestSim
	}

	if len(c.centroids) < c.maxClusters {
		centroid := make([]float32, len(embedding))
		copy(centroid, embedding)
		normalize(centroid)
		c.centroids = append(c.centroids, centroid)
		c.counts = append(c.counts, 1)
		return len(c.centroids) - 1, 1
	}

	return models.ClusterNoise, 0
}

// Size returns the number of open clusters.
func (c *Clusterer) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.centroids)
}

// updateCentroid folds an embedding into a centroid by running mean and
// renormalizes. Caller holds the lock.
func (c *Clusterer) updateCentroid(i int, embedding []float32) {
	n := float32(c.counts[i])
	centroid := c.centroids[i]
	for j := range centroid {
		centroid[j] = (centroid[j]*n + embedding[j]) / (n + 1)
	}
	normalize(centroid)
	c.counts[i]++
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
