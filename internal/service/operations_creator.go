package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
)

// Job is one scan or opt-out of an Operation.
type Job struct {
	Type model.OperationType `json:"type"`
	// ExtractedProfileID is zero for scans.
	ExtractedProfileID int64 `json:"extractedProfileId,omitempty"`
	// DueAt is nil for scans that never ran.
	DueAt *time.Time `json:"dueAt,omitempty"`
}

// Operation groups the eligible jobs of one broker and profile query pair.
// The scan always comes first, then opt-outs by due date.
type Operation struct {
	Target model.Target `json:"target"`
	Broker string       `json:"broker"`
	Jobs   []Job        `json:"jobs"`
}

// DueAt is the earliest due date of the jobs; zero when a job never ran.
func (o Operation) DueAt() time.Time {
	var due time.Time
	for i, j := range o.Jobs {
		if j.DueAt == nil {
			return time.Time{}
		}
		if i == 0 || j.DueAt.Before(due) {
			due = *j.DueAt
		}
	}
	return due
}

// OperationsCreator selects the jobs a batch must run.
type OperationsCreator struct {
	db core.Database
}

// NewOperationsCreator constructs an OperationsCreator.
func NewOperationsCreator(db core.Database) (*OperationsCreator, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	return &OperationsCreator{db: db}, nil
}

func due(at *time.Time, priorityDate *time.Time) bool {
	if at == nil {
		return false
	}
	return priorityDate == nil || !at.After(*priorityDate)
}

// CreateOperations returns the eligible operations of the given type. A nil
// priorityDate selects every schedulable job regardless of its due date.
func (c *OperationsCreator) CreateOperations(
	ctx context.Context,
	typ model.OperationType,
	priorityDate *time.Time,
) ([]Operation, error) {
	all, err := c.db.FetchAllBrokerProfileQueryData(ctx)
	if err != nil {
		return nil, err
	}

	wantScan := typ == model.OperationScan || typ == model.OperationAll
	wantOptOut := typ == model.OperationOptOut || typ == model.OperationAll

	var ops []Operation
	for _, d := range all {
		if d.ProfileQuery.Deprecated {
			continue
		}
		op := Operation{Target: d.Target(), Broker: d.Broker.Name}

		if wantScan {
			scan := d.ScanJobData
			neverRan := scan.LastRunDate == nil
			if neverRan || due(scan.PreferredRunDate, priorityDate) {
				var at *time.Time
				if !neverRan {
					at = scan.PreferredRunDate
				}
				op.Jobs = append(op.Jobs, Job{Type: model.OperationScan, DueAt: at})
			}
		}

		if wantOptOut {
			var optOuts []Job
			for _, o := range d.OptOutJobData {
				if o.ExtractedProfile.IsRemoved() || !due(o.PreferredRunDate, priorityDate) {
					continue
				}
				optOuts = append(optOuts, Job{
					Type:               model.OperationOptOut,
					ExtractedProfileID: o.ExtractedProfile.ID,
					DueAt:              o.PreferredRunDate,
				})
			}
			sort.SliceStable(optOuts, func(i, j int) bool {
				return optOuts[i].DueAt.Before(*optOuts[j].DueAt)
			})
			op.Jobs = append(op.Jobs, optOuts...)
		}

		if len(op.Jobs) > 0 {
			ops = append(ops, op)
		}
	}

	sort.SliceStable(ops, func(i, j int) bool {
		di, dj := ops[i].DueAt(), ops[j].DueAt()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		if ops[i].Target.BrokerID != ops[j].Target.BrokerID {
			return ops[i].Target.BrokerID < ops[j].Target.BrokerID
		}
		return ops[i].Target.ProfileQueryID < ops[j].Target.ProfileQueryID
	})
	return ops, nil
}
