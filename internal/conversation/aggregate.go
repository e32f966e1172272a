package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/liormedan/waveq-api/internal/task"
)

// UnitKind classifies a DisplayUnit.
type UnitKind string

const (
	// UnitMessage is a plain text turn with no tasks.
	UnitMessage UnitKind = "message"
	// UnitResults carries the projected results of a fully completed turn.
	UnitResults UnitKind = "results"
	// UnitError carries the failure description of a turn whose tasks all
	// finished but not all succeeded.
	UnitError UnitKind = "error"
	// UnitProgress carries per-task progress for a turn still in flight.
	UnitProgress UnitKind = "progress"
)

// TaskProgress is the per-task progress line inside a progress unit.
type TaskProgress struct {
	TaskID   string      `json:"task_id"`
	Op       task.Op     `json:"operation"`
	Status   task.Status `json:"status"`
	Progress int         `json:"progress"`
	Message  string      `json:"message,omitempty"`
}

// DisplayUnit is the aggregator's output for one turn.
type DisplayUnit struct {
	TurnIndex int              `json:"turn_index"`
	Role      Role             `json:"role"`
	Content   string           `json:"content,omitempty"`
	Kind      UnitKind         `json:"kind"`
	Results   []task.Projected `json:"results,omitempty"`
	Error     string           `json:"error,omitempty"`
	Progress  []TaskProgress   `json:"progress_items,omitempty"`
}

// Aggregator recomputes per-turn completion state from registry snapshots.
// Render is pure over the snapshots it reads: it performs no mutation, so
// repeated calls against unchanged task state produce identical output.
type Aggregator struct {
	registry task.Registry
}

// NewAggregator creates an aggregator reading through the given registry.
func NewAggregator(registry task.Registry) *Aggregator {
	return &Aggregator{registry: registry}
}

// Render produces one DisplayUnit per turn, in turn order.
//
// For a turn with tasks: if every task completed, the unit is "results"
// with projections in dispatch order; if all tasks are terminal but any
// failed, the unit is "error"; otherwise the unit is "progress". A turn is
// never partially rendered: a single task still in flight keeps the whole
// turn in "progress" regardless of how many siblings already finished.
func (a *Aggregator) Render(ctx context.Context, turns []Turn) ([]DisplayUnit, error) {
	units := make([]DisplayUnit, 0, len(turns))
	for _, turn := range turns {
		unit, err := a.renderTurn(ctx, turn)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

func (a *Aggregator) renderTurn(ctx context.Context, turn Turn) (DisplayUnit, error) {
	unit := DisplayUnit{
		TurnIndex: turn.Index,
		Role:      turn.Role,
		Content:   turn.Content,
	}

	if len(turn.TaskIDs) == 0 {
		unit.Kind = UnitMessage
		return unit, nil
	}

	tasks := make([]*task.Task, 0, len(turn.TaskIDs))
	for _, taskID := range turn.TaskIDs {
		t, err := a.registry.Get(ctx, taskID)
		if err != nil {
			return DisplayUnit{}, fmt.Errorf("conversation: turn %d references %s: %w", turn.Index, taskID, err)
		}
		tasks = append(tasks, t)
	}

	allTerminal := true
	anyFailed := false
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			allTerminal = false
		}
		if t.Status == task.StatusFailed {
			anyFailed = true
		}
	}

	if !allTerminal {
		unit.Kind = UnitProgress
		for _, t := range tasks {
			unit.Progress = append(unit.Progress, TaskProgress{
				TaskID:   t.ID,
				Op:       t.Op,
				Status:   t.Status,
				Progress: t.Progress,
				Message:  t.Message,
			})
		}
		return unit, nil
	}

	if anyFailed {
		unit.Kind = UnitError
		var reasons []string
		for _, t := range tasks {
			if t.Status == task.StatusFailed {
				reasons = append(reasons, fmt.Sprintf("%s: %s", t.Op, t.Error))
			}
		}
		unit.Error = strings.Join(reasons, "; ")
		return unit, nil
	}

	unit.Kind = UnitResults
	for _, t := range tasks {
		projected, err := task.Project(t)
		if err != nil {
			// A malformed payload degrades to a visible per-turn error
			// instead of corrupting the display.
			unit.Kind = UnitError
			unit.Results = nil
			unit.Error = fmt.Sprintf("%s: %s", t.Op, err.Error())
			return unit, nil
		}
		unit.Results = append(unit.Results, *projected)
	}
	return unit, nil
}
