package process

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRepositoryConcurrency(t *testing.T) {
	repo := NewProcessRepository()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				runID := fmt.Sprintf("run-%d-%d", id, j%10)
				repo.Start(runID, "wf", "", nil)
				repo.Publish(Update{RunID: runID, NodeID: "a1"})
				if p, ok := repo.Get(runID); ok {
					assert.Equal(t, runID, p.UUID)
				}
				_ = repo.GetAll()
				if j%5 == 0 {
					repo.Finish(runID, StateDone)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, len(repo.GetAllKeys()), 500)
	repo.Clear()
	assert.Empty(t, repo.GetAllKeys())
}

func TestProcessRepositoryGetReturnsCopy(t *testing.T) {
	repo := NewProcessRepository()
	repo.Start("run-1", "wf-1", "Ev1", nil)

	p, ok := repo.Get("run-1")
	require.True(t, ok)
	p.State = StateKilled

	again, _ := repo.Get("run-1")
	assert.Equal(t, StateRunning, again.State)
	assert.Equal(t, "wf-1", again.WorkflowID)
}

func TestProcessRepositoryKill(t *testing.T) {
	repo := NewProcessRepository()
	ctx, cancel := context.WithCancel(context.Background())
	repo.Start("run-1", "wf-1", "", cancel)
	repo.Start("run-2", "wf-1", "", nil)

	assert.True(t, repo.Kill("run-1"))
	assert.Error(t, ctx.Err())
	assert.False(t, repo.Kill("run-2"), "runs without cancel are not killeable")
	assert.False(t, repo.Kill("missing"))

	p, _ := repo.Get("run-1")
	assert.Equal(t, StateKilled, p.State)
}

func TestProcessRepositoryKillAll(t *testing.T) {
	repo := NewProcessRepository()
	for i := 0; i < 3; i++ {
		_, cancel := context.WithCancel(context.Background())
		repo.Start(fmt.Sprintf("run-%d", i), "wf", "", cancel)
	}
	assert.Equal(t, 3, repo.KillAll())
}

func TestProcessRepositoryUpdates(t *testing.T) {
	repo := NewProcessRepository()
	updates, unsubscribe := repo.Subscribe(8)

	_, cancel := context.WithCancel(context.Background())
	repo.Start("run-1", "wf-1", "Ev1", cancel)
	repo.Publish(Update{RunID: "run-1", WorkflowID: "wf-1", NodeID: "c1", Status: "passed"})
	repo.Publish(Update{RunID: "run-1", WorkflowID: "wf-1", NodeID: "a1", Status: "invoked"})

	p, _ := repo.Get("run-1")
	assert.Equal(t, "a1", p.CurrentNode)
	assert.Equal(t, 2, p.Steps)

	repo.Kill("run-1")
	repo.Finish("run-1", StateDone)
	assert.False(t, repo.Exists("run-1"))

	var statuses []string
	for len(updates) > 0 {
		statuses = append(statuses, (<-updates).Status)
	}
	assert.Equal(t, []string{StateRunning, "passed", "invoked", StateKilled}, statuses)

	unsubscribe()
	unsubscribe()
	_, open := <-updates
	assert.False(t, open)

	// publishing without subscribers does not block
	repo.Publish(Update{RunID: "run-2", Status: StateRunning})
}

func TestProcessRepositorySlowSubscriberDoesNotBlock(t *testing.T) {
	repo := NewProcessRepository()
	_, unsubscribe := repo.Subscribe(1)
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		repo.Publish(Update{RunID: "run-1", Status: "passed"})
	}
}
