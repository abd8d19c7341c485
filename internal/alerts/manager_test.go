package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/agentfabric/internal/clockid"
)

type recordingNotifier struct {
	sent []Alert
}

func (r *recordingNotifier) Send(ctx context.Context, a Alert) bool {
	r.sent = append(r.sent, a)
	return true
}

type failingNotifier struct{}

func (failingNotifier) Send(ctx context.Context, a Alert) bool { return false }

func TestDurationGatingPendingToFiring(t *testing.T) {
	clk := clockid.NewStepClock(time.Now(), time.Second)
	rs := RuleSet{Rules: []Rule{{
		Name: "r1", MetricName: "m1", Comparison: CompGT, Threshold: 5,
		DurationSeconds: 3, Severity: SeverityWarning, Enabled: true,
	}}}
	mgr := NewManager(rs, clk)
	notifier := &recordingNotifier{}
	mgr.AddNotifier(notifier)

	// first breach: pending
	alerts := mgr.Evaluate(context.Background(), map[string]float64{"m1": 10})
	require.Len(t, alerts, 1)
	assert.Equal(t, StatePending, alerts[0].State)
	assert.Empty(t, notifier.sent)

	// not enough time elapsed yet (1 step = 1s < 3s)
	alerts = mgr.Evaluate(context.Background(), map[string]float64{"m1": 10})
	assert.Equal(t, StatePending, alerts[0].State)

	// advance enough steps
	alerts = mgr.Evaluate(context.Background(), map[string]float64{"m1": 10})
	alerts = mgr.Evaluate(context.Background(), map[string]float64{"m1": 10})
	require.Len(t, alerts, 1)
	assert.Equal(t, StateFiring, alerts[0].State)
	assert.Len(t, notifier.sent, 1)
}

func TestResolveTransition(t *testing.T) {
	rs := RuleSet{Rules: []Rule{{
		Name: "r1", MetricName: "m1", Comparison: CompGT, Threshold: 5,
		DurationSeconds: 0, Enabled: true,
	}}}
	mgr := NewManager(rs, nil)
	mgr.Evaluate(context.Background(), map[string]float64{"m1": 10})
	mgr.Evaluate(context.Background(), map[string]float64{"m1": 1})

	history := mgr.History()
	require.Len(t, history, 1)
	assert.Equal(t, StateResolved, history[0].State)
}

func TestSilenceSuppressesNotification(t *testing.T) {
	rs := RuleSet{Rules: []Rule{{
		Name: "r1", MetricName: "m1", Comparison: CompGT, Threshold: 5,
		DurationSeconds: 0, Enabled: true,
	}}}
	mgr := NewManager(rs, nil)
	mgr.Silence("r1", time.Hour)
	notifier := &recordingNotifier{}
	mgr.AddNotifier(notifier)

	mgr.Evaluate(context.Background(), map[string]float64{"m1": 10}) // pending
	mgr.Evaluate(context.Background(), map[string]float64{"m1": 10}) // pending -> firing, silenced
	assert.Empty(t, notifier.sent)
}

func TestFailingNotifierDoesNotBlockLoop(t *testing.T) {
	rs := RuleSet{Rules: []Rule{{
		Name: "r1", MetricName: "m1", Comparison: CompGT, Threshold: 5,
		DurationSeconds: 0, Enabled: true,
	}}}
	mgr := NewManager(rs, nil)
	mgr.AddNotifier(failingNotifier{})
	assert.NotPanics(t, func() {
		mgr.Evaluate(context.Background(), map[string]float64{"m1": 10}) // pending
		mgr.Evaluate(context.Background(), map[string]float64{"m1": 10}) // firing: dispatches to the failing notifier
	})
	assert.Equal(t, int64(0), mgr.NotificationsSent())
}

func TestAnomalyDetectionEmitsSyntheticAlert(t *testing.T) {
	rs := RuleSet{Rules: []Rule{{
		Name: "r1", MetricName: "m1", Comparison: CompGT, Threshold: 1_000_000,
		Enabled: true, AnomalyEnabled: true,
	}}}
	mgr := NewManager(rs, nil)
	for i := 0; i < 15; i++ {
		mgr.Evaluate(context.Background(), map[string]float64{"m1": 10})
	}
	alerts := mgr.Evaluate(context.Background(), map[string]float64{"m1": 1000})
	found := false
	for _, a := range alerts {
		if a.Labels["type"] == "anomaly" {
			found = true
		}
	}
	assert.True(t, found)
}
