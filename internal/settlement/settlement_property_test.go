package settlement

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/karatsubalabs/gitbounties/internal/models"
)

// **Property: Duplicate close deliveries settle once**
// *For any* number of concurrent deliveries of the same close event, the
// escrow sees exactly one transfer followed by one burn and the bounty is
// completed exactly once.
func TestPropertyDuplicateDeliveriesSettleOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("one transfer and one burn per bounty", prop.ForAll(
		func(deliveries int) bool {
			f := newFixture(t, mergedBy("bob"))

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				completed int
			)
			for i := 0; i < deliveries; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
					if err != nil {
						return
					}
					if res.Outcome == OutcomeCompleted {
						mu.Lock()
						completed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			calls := f.escrow.Calls()
			if len(calls) != 2 || calls[0].Method != "transferToken" || calls[1].Method != "burn" {
				return false
			}
			return completed == 1 && f.reload(t).Status == models.BountyStatusCompleted
		},
		gen.IntRange(2, 16),
	))

	properties.TestingRun(t)
}

// **Property: Close events without a qualifying closer never pay out**
// *For any* non-qualifying resolution reason, handling the close leaves the
// bounty open and makes no escrow call.
func TestPropertyNonQualifyingCloseNeverPays(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	reasons := []any{
		"issue not found", "no close event", "closed without a closer",
		"closed by a non pull request", "closing pull request is not merged",
		"closing pull request has no author",
	}

	properties.Property("bounty stays open", prop.ForAll(
		func(reason string, login string) bool {
			r := mergedBy(login)
			r.resolution.Qualified = false
			r.resolution.Reason = reason
			f := newFixture(t, r)

			res, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
			if err != nil || res.Outcome != OutcomeNoQualifyingCloser {
				return false
			}
			return len(f.escrow.Calls()) == 0 && f.reload(t).Status == models.BountyStatusOpen
		},
		gen.OneConstOf(reasons...),
		gen.OneConstOf("bob", "alice", ""),
	))

	properties.TestingRun(t)
}
