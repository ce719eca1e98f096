package monitor

import (
	"context"
	"fmt"
	"time"

	"phoneops/internal/cloudphone"
	"phoneops/internal/models"
)

// Store is the record-store surface monitors mutate. Implemented by
// *store.Store; tests substitute fakes.
type Store interface {
	MarkJobRunning(ctx context.Context, id string) error
	UpdateJobAttempts(ctx context.Context, id string, attempts int) error
	FinishJob(ctx context.Context, id string, outcome models.Outcome, reason string) (bool, error)
	GetRental(ctx context.Context, rentalID string) (models.Rental, error)
	SetAccountStatus(ctx context.Context, id, status, lastError string) error
	SetAccountActive(ctx context.Context, id string, warmupDone bool) error
	MarkPostPosted(ctx context.Context, jobID, vendorPostID string) error
	MarkPostFailed(ctx context.Context, jobID, errorMessage string) error
	AppendAudit(ctx context.Context, entityID, event, detail string) error
}

// Policy drives the generic engine for one job kind: cadence, ceiling, and
// the record mutations applied on the terminal outcome. Policies are data;
// the engine stays a single code path.
type Policy struct {
	PollInterval   time.Duration
	MaxAttempts    int
	FinalizeRental bool
	OnSuccess      func(ctx context.Context, st Store, job models.Job, res *cloudphone.TaskStatus) error
	OnFailure      func(ctx context.Context, st Store, job models.Job, reason string) error
}

// MaxWait is the wall-clock ceiling implied by the attempt budget.
func (p Policy) MaxWait() time.Duration {
	return time.Duration(p.MaxAttempts) * p.PollInterval
}

var policies = map[string]Policy{
	models.KindLogin: {
		PollInterval:   5 * time.Second,
		MaxAttempts:    60, // 5 minutes
		FinalizeRental: true,
		OnSuccess: func(ctx context.Context, st Store, job models.Job, _ *cloudphone.TaskStatus) error {
			return st.SetAccountActive(ctx, job.AccountID, false)
		},
		OnFailure: func(ctx context.Context, st Store, job models.Job, reason string) error {
			return st.SetAccountStatus(ctx, job.AccountID, models.AccountError, "login failed: "+reason)
		},
	},
	models.KindWarmup: {
		PollInterval: 20 * time.Second,
		MaxAttempts:  720, // 4 hours; warmups run long
		OnSuccess: func(ctx context.Context, st Store, job models.Job, _ *cloudphone.TaskStatus) error {
			return st.SetAccountActive(ctx, job.AccountID, true)
		},
		OnFailure: func(ctx context.Context, st Store, job models.Job, reason string) error {
			return st.SetAccountStatus(ctx, job.AccountID, models.AccountError, "warmup failed: "+reason)
		},
	},
	models.KindPostVideo:    postPolicy(),
	models.KindPostCarousel: postPolicy(),
	models.KindBulkPost:     postPolicy(),
	models.KindEngagement: {
		PollInterval: 10 * time.Second,
		MaxAttempts:  180, // 30 minutes
		OnSuccess: func(ctx context.Context, st Store, job models.Job, _ *cloudphone.TaskStatus) error {
			return st.SetAccountActive(ctx, job.AccountID, false)
		},
		OnFailure: func(ctx context.Context, st Store, job models.Job, reason string) error {
			return st.SetAccountStatus(ctx, job.AccountID, models.AccountError, "engagement failed: "+reason)
		},
	},
}

func postPolicy() Policy {
	return Policy{
		PollInterval: 10 * time.Second,
		MaxAttempts:  360, // 60 minutes
		OnSuccess: func(ctx context.Context, st Store, job models.Job, res *cloudphone.TaskStatus) error {
			postID := ""
			if res != nil && res.Result != nil {
				postID = res.Result.PostID
			}
			return st.MarkPostPosted(ctx, job.ID, postID)
		},
		OnFailure: func(ctx context.Context, st Store, job models.Job, reason string) error {
			return st.MarkPostFailed(ctx, job.ID, reason)
		},
	}
}

// PolicyFor returns the policy for a job kind.
func PolicyFor(kind string) (Policy, error) {
	p, ok := policies[kind]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for job kind %q", kind)
	}
	return p, nil
}

// rentalOutcome decides the vendor verdict for a login's rental: the rental
// is consumed when a code was delivered or the login succeeded without one,
// refunded otherwise.
func rentalOutcome(job models.Outcome, rental models.Rental) string {
	if rental.Code != nil || job == models.OutcomeSucceeded {
		return models.RentalOutcomeConsumed
	}
	return models.RentalOutcomeRefunded
}
