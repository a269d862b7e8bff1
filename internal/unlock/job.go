package unlock

import "time"

// State is the lifecycle state of a Job.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// IsTerminal reports whether the state is absorbing.
func (state State) IsTerminal() bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

var allowedTransitions = map[State][]State{
	StatePending:    {StatePending, StateProcessing, StateFailed, StateCancelled},
	StateProcessing: {StateProcessing, StateCompleted, StateFailed, StateCancelled},
}

func canTransition(from State, to State) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Target describes what a batch job unlocks.
type Target struct {
	StoryID   int64 `json:"story_id"`
	Mode      Mode  `json:"mode"`
	RangeFrom int   `json:"range_from,omitempty"`
	RangeTo   int   `json:"range_to,omitempty"`
}

// Job is an immutable snapshot of a tracked batch unlock.
type Job struct {
	JobID               string     `json:"job_id"`
	OwnerUserID         string     `json:"owner_user_id"`
	Target              Target     `json:"target"`
	State               State      `json:"state"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
	TotalItemsRequested int        `json:"total_items_requested"`
	TotalItemsProcessed int        `json:"total_items_processed"`
	SuccessCount        int        `json:"success_count"`
	FailureCount        int        `json:"failure_count"`
	OriginalPrice       int64      `json:"original_price"`
	DiscountedPrice     int64      `json:"discounted_price"`
	DiscountPercent     float64    `json:"discount_percent"`
	AmountCharged       int64      `json:"amount_charged"`
	TotalBatches        int        `json:"total_batches"`
	CurrentBatch        int        `json:"current_batch"`
	ProgressPercent     int        `json:"progress_percent"`
	ErrorMessages       []string   `json:"error_messages"`
	MainError           string     `json:"main_error,omitempty"`
	Message             string     `json:"message,omitempty"`
}

func (job Job) clone() Job {
	copied := job
	if job.ErrorMessages != nil {
		copied.ErrorMessages = append([]string(nil), job.ErrorMessages...)
	}
	if job.EndTime != nil {
		endTime := *job.EndTime
		copied.EndTime = &endTime
	}
	return copied
}

func progressPercent(processed int, requested int) int {
	if requested <= 0 {
		return 0
	}
	return processed * 100 / requested
}

// errorAggregator keeps distinct failure messages in first-seen order and
// counts occurrences per failed item.
type errorAggregator struct {
	order  []string
	counts map[string]int
}

func newErrorAggregator() *errorAggregator {
	return &errorAggregator{counts: map[string]int{}}
}

func (aggregator *errorAggregator) add(message string, occurrences int) {
	if occurrences <= 0 {
		return
	}
	if _, seen := aggregator.counts[message]; !seen {
		aggregator.order = append(aggregator.order, message)
	}
	aggregator.counts[message] += occurrences
}

func (aggregator *errorAggregator) messages() []string {
	return append([]string(nil), aggregator.order...)
}

// mainError is the most frequent message; ties go to the first seen.
func (aggregator *errorAggregator) mainError() string {
	best := ""
	bestCount := 0
	for _, message := range aggregator.order {
		if aggregator.counts[message] > bestCount {
			best = message
			bestCount = aggregator.counts[message]
		}
	}
	return best
}
