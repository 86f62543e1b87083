package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockPinger is a mock implementation of the Pinger interface for testing.
type MockPinger struct {
	ShouldFail bool
	Delay      time.Duration
}

func (m *MockPinger) Ping(ctx context.Context) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.ShouldFail {
		return errors.New("mock ping failed")
	}
	return nil
}

// **Property: Health status reflects component reachability**
// *For any* combination of database and chain reachability, the database
// decides healthy versus unhealthy and a failing chain only degrades.
func TestPropertyHealthStatusReflectsComponents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("status and http code follow components", prop.ForAll(
		func(version string, dbHealthy, chainHealthy bool) bool {
			checker := NewChecker(&MockPinger{ShouldFail: !dbHealthy}, version)
			checker.AddDependency("chain", &MockPinger{ShouldFail: !chainHealthy})

			rr := httptest.NewRecorder()
			checker.Handler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			var resp Response
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				return false
			}
			if resp.Version != version || len(resp.Components) != 2 {
				return false
			}

			switch {
			case !dbHealthy:
				return resp.Status == StatusUnhealthy && rr.Code == http.StatusServiceUnavailable
			case !chainHealthy:
				return resp.Status == StatusDegraded && rr.Code == http.StatusOK &&
					resp.Components["chain"].Status == StatusDegraded
			default:
				return resp.Status == StatusHealthy && rr.Code == http.StatusOK
			}
		},
		gen.RegexMatch("v?[0-9]+\\.[0-9]+\\.[0-9]+"),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestHealthCheckRespectsTimeout(t *testing.T) {
	checker := NewChecker(&MockPinger{Delay: time.Second}, "v1.0.0")
	checker.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	resp := checker.Check(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestHealthCheckWithoutStore(t *testing.T) {
	checker := NewChecker(nil, "dev")
	checker.AddDependency("chain", PingFunc(func(ctx context.Context) error { return nil }))

	resp := checker.Check(context.Background())
	require.Contains(t, resp.Components, "database")
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Components["chain"].Status)
}
