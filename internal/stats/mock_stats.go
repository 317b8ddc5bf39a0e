package stats

import "github.com/stretchr/testify/mock"

// NoopStats discards all updates. Used where a test exercises code
// that records metrics incidentally.
type NoopStats struct{}

func (NoopStats) Incr(name string)           {}
func (NoopStats) Decr(name string)           {}
func (NoopStats) RegisterMetric(name string) {}
func (NoopStats) Run()                       {}

// MockStatsProvider asserts on specific metric updates.
type MockStatsProvider struct {
	mock.Mock
}

func (m *MockStatsProvider) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) Run() {
	m.Called()
}
