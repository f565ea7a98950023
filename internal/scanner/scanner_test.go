package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/domain"
)

func TestCronExprForInterval(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{10, "*/10 * * * * *"},
		{300, "0 */5 * * * *"},
		{3600, "0 0 */1 * * *"},
	}
	for _, c := range cases {
		got, err := cronExprForInterval(c.seconds)
		assert.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestCronExprForIntervalRejectsNonPositive(t *testing.T) {
	_, err := cronExprForInterval(0)
	assert.Error(t, err)
}

func newTestScanner() *Scanner {
	return &Scanner{
		cfg:    category.Default,
		queues: make(map[category.Category]map[string]*domain.ScanTask),
	}
}

func TestScheduleInsertsIntoQueueAndAssignsPriority(t *testing.T) {
	s := newTestScanner()
	s.Schedule("tokA", category.High, 3)

	task, ok := s.queues[category.High]["tokA"]
	assert.True(t, ok, "expected tokA scheduled under HIGH")
	assert.Equal(t, basePriority[category.High]-3, task.Priority)
}

func TestScheduleMovesTokenBetweenQueues(t *testing.T) {
	s := newTestScanner()
	s.Schedule("tokA", category.Low, 0)
	s.Schedule("tokA", category.Medium, 0)

	_, lowOK := s.queues[category.Low]["tokA"]
	assert.False(t, lowOK, "expected tokA removed from LOW after rescheduling")

	_, mediumOK := s.queues[category.Medium]["tokA"]
	assert.True(t, mediumOK, "expected tokA present in MEDIUM")
}

func TestScheduleTerminalCategoryOnlyRemoves(t *testing.T) {
	s := newTestScanner()
	s.Schedule("tokA", category.Low, 0)
	s.Schedule("tokA", category.Complete, 0)

	for _, q := range s.queues {
		_, ok := q["tokA"]
		assert.False(t, ok, "expected tokA absent from every queue after a terminal schedule")
	}
}

func TestHandleCategoryChangeReschedulesNonTerminal(t *testing.T) {
	s := newTestScanner()
	s.Schedule("tokA", category.Low, 0)
	s.HandleCategoryChange("tokA", category.Low, category.Medium)

	_, ok := s.queues[category.Medium]["tokA"]
	assert.True(t, ok, "expected tokA rescheduled under MEDIUM")
}

func TestHandleCategoryChangeToTerminalJustRemoves(t *testing.T) {
	s := newTestScanner()
	s.Schedule("tokA", category.Aim, 0)
	s.HandleCategoryChange("tokA", category.Aim, category.Complete)

	for _, q := range s.queues {
		_, ok := q["tokA"]
		assert.False(t, ok, "expected tokA removed after transitioning to a terminal category")
	}
}

func TestQueueDepthReportsPerCategoryCounts(t *testing.T) {
	s := newTestScanner()
	s.Schedule("tokA", category.Low, 0)
	s.Schedule("tokB", category.Low, 0)
	s.Schedule("tokC", category.High, 0)

	depth := s.QueueDepth()
	assert.Equal(t, 2, depth[string(category.Low)])
	assert.Equal(t, 1, depth[string(category.High)])
}
