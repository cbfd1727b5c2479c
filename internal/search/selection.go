package search

import (
	"fmt"
	"math/rand"

	"worldloom/internal/model"
)

// Scored pairs a genome with its evaluated fitness.
type Scored struct {
	Genome    model.Genome
	Fitness   float64
	Breakdown model.FitnessBreakdown
}

// Selector chooses parents from ranked genomes for replication.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (model.Genome, error)
}

// FitnessProportionalSelector samples parents with probability
// proportional to fitness across the whole ranked population.
type FitnessProportionalSelector struct{}

func (FitnessProportionalSelector) Name() string { return "fitness_proportional" }

func (FitnessProportionalSelector) PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (model.Genome, error) {
	if rng == nil {
		return model.Genome{}, fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return model.Genome{}, fmt.Errorf("ranked population is empty")
	}
	total := 0.0
	for _, scored := range ranked {
		if scored.Fitness > 0 {
			total += scored.Fitness
		}
	}
	if total <= 0 {
		return ranked[rng.Intn(len(ranked))].Genome, nil
	}
	draw := rng.Float64() * total
	for _, scored := range ranked {
		if scored.Fitness <= 0 {
			continue
		}
		draw -= scored.Fitness
		if draw < 0 {
			return scored.Genome, nil
		}
	}
	return ranked[len(ranked)-1].Genome, nil
}

// TournamentSelector samples candidates and picks the best among them.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string { return "tournament" }

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (model.Genome, error) {
	if rng == nil {
		return model.Genome{}, fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return model.Genome{}, fmt.Errorf("ranked population is empty")
	}

	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = len(ranked)
	}
	if poolSize > len(ranked) {
		poolSize = len(ranked)
	}
	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}
	if tournamentSize > poolSize {
		tournamentSize = poolSize
	}

	best := ranked[rng.Intn(poolSize)]
	for i := 1; i < tournamentSize; i++ {
		candidate := ranked[rng.Intn(poolSize)]
		if candidate.Fitness > best.Fitness {
			best = candidate
		}
	}
	return best.Genome, nil
}

// SelectorFromName resolves a configured selector name.
func SelectorFromName(name string) (Selector, error) {
	switch name {
	case "", "tournament":
		return TournamentSelector{}, nil
	case "fitness_proportional":
		return FitnessProportionalSelector{}, nil
	default:
		return nil, fmt.Errorf("unsupported selection: %s", name)
	}
}
