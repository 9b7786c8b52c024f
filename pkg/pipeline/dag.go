package pipeline

import (
	"fmt"

	"github.com/scholarlab/paperflow/pkg/models"
)

// plan is the materialized DAG for one request: the requested stages,
// the dependency-closed execution set, and the wave partition.
type plan struct {
	// requested marks the stages the caller asked for; overall success is
	// judged over these only.
	requested map[models.StageKind]bool

	// waves partitions the closed stage set: a stage sits in the first
	// wave after all of its dependencies.
	waves [][]models.StageKind
}

// buildPlan validates the requested stages and partitions their
// dependency closure into waves. Dependencies the caller did not request
// are scheduled implicitly: a previously processed paper resolves them
// from memory at near-zero cost, a fresh one computes them.
func buildPlan(stages []models.StageKind) (*plan, error) {
	if len(stages) == 0 {
		return nil, models.NewStageError(models.ErrKindInvalidInput, "no stages requested")
	}

	requested := make(map[models.StageKind]bool, len(stages))
	for _, kind := range stages {
		if !kind.IsValid() {
			return nil, models.NewStageError(models.ErrKindInvalidInput,
				fmt.Sprintf("unknown stage kind %q", kind))
		}
		requested[kind] = true
	}

	closed := make(map[models.StageKind]bool, len(requested))
	var close func(kind models.StageKind)
	close = func(kind models.StageKind) {
		if closed[kind] {
			return
		}
		closed[kind] = true
		for _, dep := range kind.Dependencies() {
			close(dep)
		}
	}
	for kind := range requested {
		close(kind)
	}

	waves, err := partition(closed)
	if err != nil {
		return nil, err
	}
	return &plan{requested: requested, waves: waves}, nil
}

// partition splits the stage set into dependency waves, in canonical
// stage order within each wave. The static graph is acyclic; the stall
// check guards against a future edit breaking that.
func partition(stages map[models.StageKind]bool) ([][]models.StageKind, error) {
	placed := make(map[models.StageKind]bool, len(stages))
	var waves [][]models.StageKind

	for len(placed) < len(stages) {
		var wave []models.StageKind
		for _, kind := range models.AllStageKinds {
			if !stages[kind] || placed[kind] {
				continue
			}
			ready := true
			for _, dep := range kind.Dependencies() {
				if stages[dep] && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, kind)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("stage dependency graph has a cycle")
		}
		for _, kind := range wave {
			placed[kind] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// stageCount returns the total number of stages in the plan.
func (p *plan) stageCount() int {
	n := 0
	for _, wave := range p.waves {
		n += len(wave)
	}
	return n
}

// kinds returns every stage in execution order.
func (p *plan) kinds() []models.StageKind {
	out := make([]models.StageKind, 0, p.stageCount())
	for _, wave := range p.waves {
		out = append(out, wave...)
	}
	return out
}
