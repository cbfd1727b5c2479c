// Package dist computes population statistics of a world graph and
// their signed deviation from configured distribution targets.
package dist

import (
	"fmt"
	"math"

	"worldloom/internal/graph"
	"worldloom/internal/model"
)

// ConnectivityTargets configures the graph-shape goals. A cluster edge
// is any relationship whose strength meets StrengthThreshold; parallel
// edges between the same pair aggregate by max strength.
type ConnectivityTargets struct {
	ClusterCountMin   int     `json:"cluster_count_min"`
	ClusterCountMax   int     `json:"cluster_count_max"`
	IntraDensity      float64 `json:"intra_density"`
	InterDensity      float64 `json:"inter_density"`
	MaxIsolatedRatio  float64 `json:"max_isolated_ratio"`
	StrengthThreshold float64 `json:"strength_threshold"`
}

// Targets is the configured desired population statistics.
type Targets struct {
	EntityKinds           map[string]float64           `json:"entity_kinds"` // proportions, sum to 1
	Prominence            map[model.Prominence]float64 `json:"prominence,omitempty"`
	RelationshipDiversity float64                      `json:"relationship_diversity"` // normalized entropy in [0,1]
	Connectivity          ConnectivityTargets          `json:"connectivity"`
	ProportionTolerance   float64                      `json:"proportion_tolerance,omitempty"` // default 0.01
}

// ValidateTargets checks that entity-kind proportions sum to 1 within
// tolerance and that every referenced kind is declared.
func ValidateTargets(t Targets, schema model.DomainSchema) []string {
	var issues []string
	tolerance := t.ProportionTolerance
	if tolerance <= 0 {
		tolerance = 0.01
	}
	sum := 0.0
	for kind, proportion := range t.EntityKinds {
		if !schema.HasEntityKind(kind) {
			issues = append(issues, fmt.Sprintf("targets: undeclared entity kind %q", kind))
		}
		if proportion < 0 {
			issues = append(issues, fmt.Sprintf("targets: negative proportion for kind %q", kind))
		}
		sum += proportion
	}
	if len(t.EntityKinds) > 0 && math.Abs(sum-1.0) > tolerance {
		issues = append(issues, fmt.Sprintf("targets: entity kind proportions sum to %.4f, want 1.0", sum))
	}
	if t.Connectivity.StrengthThreshold < 0 || t.Connectivity.StrengthThreshold > 1 {
		issues = append(issues, "targets: clustering strength threshold outside [0,1]")
	}
	if t.Connectivity.ClusterCountMin > t.Connectivity.ClusterCountMax && t.Connectivity.ClusterCountMax > 0 {
		issues = append(issues, "targets: cluster count range is inverted")
	}
	return issues
}

// Stats is the measured state of a graph.
type Stats struct {
	EntityTotal       int                          `json:"entity_total"`
	EntityKinds       map[string]float64           `json:"entity_kinds,omitempty"` // proportions
	Prominence        map[model.Prominence]float64 `json:"prominence,omitempty"`
	RelationshipKinds map[string]int               `json:"relationship_kinds,omitempty"`
	Diversity         float64                      `json:"diversity"` // normalized relationship-kind entropy

	ClusterCount    int     `json:"cluster_count"`
	MeanClusterSize float64 `json:"mean_cluster_size"`
	IntraDensity    float64 `json:"intra_density"`
	InterDensity    float64 `json:"inter_density"`
	IsolatedRatio   float64 `json:"isolated_ratio"`
}

// Deviations is the signed deviation vector: positive means deficit,
// negative means surplus, relative to the target proportion or range
// midpoint.
type Deviations struct {
	EntityKinds   map[string]float64           `json:"entity_kinds,omitempty"`
	Prominence    map[model.Prominence]float64 `json:"prominence,omitempty"`
	Diversity     float64                      `json:"diversity"`
	ClusterCount  float64                      `json:"cluster_count"`
	IntraDensity  float64                      `json:"intra_density"`
	InterDensity  float64                      `json:"inter_density"`
	IsolatedRatio float64                      `json:"isolated_ratio"`
}

// Tracker computes statistics against injected schema and targets.
type Tracker struct {
	schema  model.DomainSchema
	targets Targets
}

// NewTracker binds a tracker to the domain schema and targets.
func NewTracker(schema model.DomainSchema, targets Targets) *Tracker {
	return &Tracker{schema: schema, targets: targets}
}

// Targets returns the configured targets.
func (t *Tracker) Targets() Targets {
	return t.targets
}

// Measure computes the current population statistics.
func (t *Tracker) Measure(w *graph.World) Stats {
	stats := Stats{
		EntityKinds:       make(map[string]float64),
		Prominence:        make(map[model.Prominence]float64),
		RelationshipKinds: make(map[string]int),
	}

	kindCounts := make(map[string]int)
	prominenceCounts := make(map[model.Prominence]int)
	w.ForEachEntity(func(e *model.Entity) {
		stats.EntityTotal++
		kindCounts[e.Kind]++
		prominenceCounts[e.Prominence]++
	})
	if stats.EntityTotal > 0 {
		for kind, count := range kindCounts {
			stats.EntityKinds[kind] = float64(count) / float64(stats.EntityTotal)
		}
		for p, count := range prominenceCounts {
			stats.Prominence[p] = float64(count) / float64(stats.EntityTotal)
		}
	}

	for _, rel := range w.Relationships() {
		stats.RelationshipKinds[rel.Kind]++
	}
	stats.Diversity = t.diversity(stats.RelationshipKinds)

	t.measureConnectivity(w, &stats)
	return stats
}

// diversity is the Shannon entropy of the relationship-kind histogram
// normalized by the log of the declared kind count.
func (t *Tracker) diversity(kinds map[string]int) float64 {
	declared := len(t.schema.RelationshipKinds)
	if declared <= 1 {
		return 0
	}
	total := 0
	for _, count := range kinds {
		total += count
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, count := range kinds {
		if count == 0 {
			continue
		}
		p := float64(count) / float64(total)
		entropy -= p * math.Log(p)
	}
	return entropy / math.Log(float64(declared))
}

// measureConnectivity runs union-find over cluster edges and fills the
// graph-shape statistics.
func (t *Tracker) measureConnectivity(w *graph.World, stats *Stats) {
	threshold := t.targets.Connectivity.StrengthThreshold

	index := make(map[string]int, w.EntityCount())
	var ids []string
	w.ForEachEntity(func(e *model.Entity) {
		index[e.ID] = len(ids)
		ids = append(ids, e.ID)
	})
	n := len(ids)
	if n == 0 {
		return
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	// Aggregate parallel edges by max strength per unordered pair; a
	// single strong bond is enough to make a pair a cluster edge.
	type pair struct{ a, b int }
	maxStrength := make(map[pair]float64)
	for _, rel := range w.Relationships() {
		a, b := index[rel.Source], index[rel.Dest]
		if a > b {
			a, b = b, a
		}
		key := pair{a, b}
		if rel.Strength > maxStrength[key] {
			maxStrength[key] = rel.Strength
		}
	}
	for key, strength := range maxStrength {
		if strength >= threshold {
			union(key.a, key.b)
		}
	}

	clusterOf := make([]int, n)
	sizes := make(map[int]int)
	for i := range ids {
		root := find(i)
		clusterOf[i] = root
		sizes[root]++
	}

	// Clusters of size 1 with no relationships at all are isolated
	// nodes; singleton clusters still count as clusters.
	isolated := 0
	for i, id := range ids {
		if sizes[clusterOf[i]] == 1 && w.Degree(id) == 0 {
			isolated++
		}
	}

	stats.ClusterCount = len(sizes)
	stats.MeanClusterSize = float64(n) / float64(len(sizes))
	stats.IsolatedRatio = float64(isolated) / float64(n)

	// Densities: distinct pairs connected by any edge, split by whether
	// the pair shares a cluster.
	intraPairs, interPairs := 0, 0
	for key := range maxStrength {
		if clusterOf[key.a] == clusterOf[key.b] {
			intraPairs++
		} else {
			interPairs++
		}
	}
	intraPossible := 0
	for _, size := range sizes {
		intraPossible += size * (size - 1) / 2
	}
	interPossible := n*(n-1)/2 - intraPossible
	if intraPossible > 0 {
		stats.IntraDensity = float64(intraPairs) / float64(intraPossible)
	}
	if interPossible > 0 {
		stats.InterDensity = float64(interPairs) / float64(interPossible)
	}
}

// Deviate computes the signed deviation vector for measured stats.
func (t *Tracker) Deviate(stats Stats) Deviations {
	dev := Deviations{
		EntityKinds: make(map[string]float64, len(t.targets.EntityKinds)),
		Prominence:  make(map[model.Prominence]float64, len(t.targets.Prominence)),
	}
	for kind, target := range t.targets.EntityKinds {
		dev.EntityKinds[kind] = target - stats.EntityKinds[kind]
	}
	for p, target := range t.targets.Prominence {
		dev.Prominence[p] = target - stats.Prominence[p]
	}
	dev.Diversity = t.targets.RelationshipDiversity - stats.Diversity

	mid := float64(t.targets.Connectivity.ClusterCountMin+t.targets.Connectivity.ClusterCountMax) / 2
	dev.ClusterCount = mid - float64(stats.ClusterCount)
	dev.IntraDensity = t.targets.Connectivity.IntraDensity - stats.IntraDensity
	dev.InterDensity = t.targets.Connectivity.InterDensity - stats.InterDensity
	// Isolated nodes have a ceiling, not a midpoint: deviation is the
	// overshoot above the permitted ratio, negative (surplus) only.
	if stats.IsolatedRatio > t.targets.Connectivity.MaxIsolatedRatio {
		dev.IsolatedRatio = t.targets.Connectivity.MaxIsolatedRatio - stats.IsolatedRatio
	}
	return dev
}

// Snapshot measures the world and derives the deviation vector.
func (t *Tracker) Snapshot(w *graph.World) (Stats, Deviations) {
	stats := t.Measure(w)
	return stats, t.Deviate(stats)
}

// EntityKindError is the mean absolute entity-kind deviation in [0,1].
func (d Deviations) EntityKindError() float64 {
	return meanAbs(d.EntityKinds)
}

// ProminenceError is the mean absolute prominence deviation in [0,1].
func (d Deviations) ProminenceError() float64 {
	if len(d.Prominence) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range d.Prominence {
		sum += math.Abs(v)
	}
	return sum / float64(len(d.Prominence))
}

// ConnectivityError folds the graph-shape deviations into one value.
// Cluster count deviation is scaled by the target midpoint so one
// missing cluster in two weighs more than one in twenty.
func (d Deviations) ConnectivityError(targets ConnectivityTargets) float64 {
	mid := float64(targets.ClusterCountMin+targets.ClusterCountMax) / 2
	clusterErr := math.Abs(d.ClusterCount)
	if mid > 0 {
		clusterErr /= mid
	}
	if clusterErr > 1 {
		clusterErr = 1
	}
	parts := []float64{
		clusterErr,
		math.Min(math.Abs(d.IntraDensity), 1),
		math.Min(math.Abs(d.InterDensity), 1),
		math.Min(math.Abs(d.IsolatedRatio), 1),
	}
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return sum / float64(len(parts))
}

func meanAbs(m map[string]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m {
		sum += math.Abs(v)
	}
	return sum / float64(len(m))
}
