package caption

import (
	"context"
	"fmt"
	"log"
)

// StopReason explains why a recalculation run ended.
type StopReason string

const (
	// StopReversalRate: the windowed reversal rate fell below target, so the
	// annotation's ripple has died out.
	StopReversalRate StopReason = "reversal_rate"
	// StopMaxBoxes: the per-update cap was hit with candidates left over.
	StopMaxBoxes StopReason = "max_boxes"
	// StopExhausted: every candidate was processed.
	StopExhausted StopReason = "exhausted_candidates"
)

// RescoreOutcome reports one box's re-scoring result. A reversal is a label
// flip; the coordinator derives it from the two labels.
type RescoreOutcome struct {
	BoxID      int64   `json:"boxId"`
	OldLabel   Label   `json:"oldLabel"`
	NewLabel   Label   `json:"newLabel"`
	Confidence float64 `json:"confidence"`
}

// PredictAndUpdateFunc re-scores one batch of boxes under the current model
// and persists the results, returning one outcome per processed box.
// An error aborts the whole run.
type PredictAndUpdateFunc func(batch []ScoredBox) ([]RescoreOutcome, error)

// RecalcProgress is a between-batches snapshot of a running recalculation.
type RecalcProgress struct {
	Processed  int     `json:"processed"`
	Candidates int     `json:"candidates"`
	Reversals  int     `json:"reversals"`
	WindowRate float64 `json:"windowRate"`
}

// ProgressFunc observes a cooperative run between batches. Returning an
// error aborts the run the same way a cancelled context does.
type ProgressFunc func(p RecalcProgress) error

// RecalcResult summarizes one recalculation run.
// FinalReversalRate is the windowed rate at the moment the run stopped,
// not the overall reversal ratio.
type RecalcResult struct {
	TotalProcessed    int        `json:"totalProcessed"`
	TotalReversals    int        `json:"totalReversals"`
	FinalReversalRate float64    `json:"finalReversalRate"`
	StoppedEarly      bool       `json:"stoppedEarly"`
	Reason            StopReason `json:"reason"`
}

// reversalWindow is a fixed-capacity ring over the most recent outcomes
// with a running reversal count, so the rolling rate is O(1) per push.
type reversalWindow struct {
	slots []bool
	next  int
	count int
	hits  int
}

func newReversalWindow(size int) *reversalWindow {
	return &reversalWindow{slots: make([]bool, size)}
}

func (w *reversalWindow) push(reversed bool) {
	if w.count == len(w.slots) {
		if w.slots[w.next] {
			w.hits--
		}
	} else {
		w.count++
	}
	w.slots[w.next] = reversed
	if reversed {
		w.hits++
	}
	w.next = (w.next + 1) % len(w.slots)
}

func (w *reversalWindow) full() bool {
	return w.count == len(w.slots)
}

func (w *reversalWindow) rate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.hits) / float64(w.count)
}

// Coordinator drains a scored candidate list in batches, watching the
// recent reversal rate to decide when reclassification has converged.
type Coordinator struct {
	cfg EngineConfig
}

// NewCoordinator creates a coordinator with the given engine tunables.
func NewCoordinator(cfg EngineConfig) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// Run processes candidates back to back until a stop condition fires.
func (c *Coordinator) Run(candidates []ScoredBox, fn PredictAndUpdateFunc) (RecalcResult, error) {
	return c.run(context.Background(), candidates, fn, nil)
}

// RunCooperative is Run with a cancellation and progress checkpoint between
// batches, for hosts that interleave recalculation with interactive work.
// Stop decisions are identical to Run on identical inputs. On cancellation
// the zero result comes back with the context's error: batches already
// written by fn stay written, but the run reports nothing.
func (c *Coordinator) RunCooperative(ctx context.Context, candidates []ScoredBox, fn PredictAndUpdateFunc, progress ProgressFunc) (RecalcResult, error) {
	return c.run(ctx, candidates, fn, progress)
}

func (c *Coordinator) run(ctx context.Context, candidates []ScoredBox, fn PredictAndUpdateFunc, progress ProgressFunc) (RecalcResult, error) {
	window := newReversalWindow(c.cfg.ReversalWindowSize)
	processed, reversals := 0, 0

	capped := candidates
	hitCap := false
	if len(capped) > c.cfg.MaxBoxesPerUpdate {
		capped = capped[:c.cfg.MaxBoxesPerUpdate]
		hitCap = true
	}

	for start := 0; start < len(capped); start += c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return RecalcResult{}, err
		}

		end := min(start+c.cfg.BatchSize, len(capped))
		batch := capped[start:end]

		outcomes, err := fn(batch)
		if err != nil {
			return RecalcResult{}, fmt.Errorf("re-scoring batch: %w", err)
		}

		for _, o := range outcomes {
			reversed := o.OldLabel != o.NewLabel
			window.push(reversed)
			if reversed {
				reversals++
			}
		}
		processed += len(outcomes)

		// The early-stop check waits for a full window and a minimum box
		// count; otherwise the first few stable boxes would end runs that
		// still have reversals coming.
		if window.full() && processed >= c.cfg.MinBoxesBeforeCheck && window.rate() < c.cfg.TargetReversalRate {
			result := RecalcResult{
				TotalProcessed:    processed,
				TotalReversals:    reversals,
				FinalReversalRate: window.rate(),
				StoppedEarly:      true,
				Reason:            StopReversalRate,
			}
			log.Printf("[RECALC] converged after %d/%d boxes (%d reversals, window rate %.3f)",
				processed, len(candidates), reversals, window.rate())
			return result, nil
		}

		if progress != nil {
			if err := progress(RecalcProgress{
				Processed:  processed,
				Candidates: len(candidates),
				Reversals:  reversals,
				WindowRate: window.rate(),
			}); err != nil {
				return RecalcResult{}, err
			}
		}
	}

	reason := StopExhausted
	stoppedEarly := false
	if hitCap {
		reason = StopMaxBoxes
		stoppedEarly = true
	}

	result := RecalcResult{
		TotalProcessed:    processed,
		TotalReversals:    reversals,
		FinalReversalRate: window.rate(),
		StoppedEarly:      stoppedEarly,
		Reason:            reason,
	}
	log.Printf("[RECALC] processed %d/%d boxes (%d reversals, window rate %.3f, reason %s)",
		processed, len(candidates), reversals, window.rate(), reason)
	return result, nil
}
