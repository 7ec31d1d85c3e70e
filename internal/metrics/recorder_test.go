package metrics

import "time"

type testRecorder struct {
	taskDurations   map[string]int
	dispatchResults map[string]map[ResultLabel]int
	taskOutcomes    map[string]int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		taskDurations:   map[string]int{},
		dispatchResults: map[string]map[ResultLabel]int{},
		taskOutcomes:    map[string]int{},
	}
}

func (t *testRecorder) ObserveTaskDuration(projectID string, _ time.Duration) {
	t.taskDurations[projectID]++
}
func (t *testRecorder) IncDispatchResult(policy string, result ResultLabel) {
	m, ok := t.dispatchResults[policy]
	if !ok {
		m = map[ResultLabel]int{}
		t.dispatchResults[policy] = m
	}
	m[result]++
}
func (t *testRecorder) IncTaskOutcome(outcome TaskOutcomeLabel) { t.taskOutcomes[string(outcome)]++ }
func (t *testRecorder) SetQueueDepth(string, int)               {}
func (t *testRecorder) SetActiveWorkers(int)                    {}
func (t *testRecorder) SetRateLimitUtilization(string, float64) {}
func (t *testRecorder) SetFairnessIndex(float64)                {}
func (t *testRecorder) IncTaskRetry(string)                     {}
func (t *testRecorder) IncTaskRetryExhausted(string)             {}
func (t *testRecorder) IncHealthCheck(string, bool)              {}
