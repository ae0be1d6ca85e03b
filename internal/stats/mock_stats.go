package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Run() {
	m.Called()
}

// NopStats is a StatsProvider that discards every update. Used in tests that
// don't assert on metrics.
type NopStats struct{}

func (NopStats) Incr(name string)           {}
func (NopStats) Decr(name string)           {}
func (NopStats) RegisterMetric(name string) {}
func (NopStats) Run()                       {}
