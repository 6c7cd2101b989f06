package driver

import (
	"github.com/pkg/errors"

	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
)

// BatchPlan splits TotalJobs into batches of at most StepSize.
type BatchPlan struct {
	TotalJobs int
	StepSize  int
}

func NewBatchPlan(totalJobs, stepSize int) (BatchPlan, error) {
	if totalJobs <= 0 {
		return BatchPlan{}, errors.WithStack(&loadgenerrors.ErrInvalidArgument{
			Name:    "totalJobs",
			Value:   totalJobs,
			Message: "must be positive",
		})
	}
	if stepSize <= 0 {
		return BatchPlan{}, errors.WithStack(&loadgenerrors.ErrInvalidArgument{
			Name:    "stepValue",
			Value:   stepSize,
			Message: "must be positive",
		})
	}
	return BatchPlan{TotalJobs: totalJobs, StepSize: stepSize}, nil
}

// TotalBatches is ceil(totalJobs / stepSize), or zero if either is not positive.
func TotalBatches(totalJobs, stepSize int) int {
	if totalJobs <= 0 || stepSize <= 0 {
		return 0
	}
	return (totalJobs + stepSize - 1) / stepSize
}

func (p BatchPlan) TotalBatches() int {
	return TotalBatches(p.TotalJobs, p.StepSize)
}

// BatchSize returns the size of the batch that follows submitted jobs, or zero once all are submitted.
func (p BatchPlan) BatchSize(submitted int) int {
	remaining := p.TotalJobs - submitted
	if remaining <= 0 {
		return 0
	}
	if remaining < p.StepSize {
		return remaining
	}
	return p.StepSize
}

// Sizes lists every batch size in submission order.
func (p BatchPlan) Sizes() []int {
	sizes := make([]int, 0, p.TotalBatches())
	for submitted := 0; submitted < p.TotalJobs; {
		size := p.BatchSize(submitted)
		sizes = append(sizes, size)
		submitted += size
	}
	return sizes
}
