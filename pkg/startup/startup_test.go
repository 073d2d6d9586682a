package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStartup(maxAttempts int) *Startup {
	s := NewStartup(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	s.wait = func(context.Context, time.Duration) error { return nil }
	return s
}

func recorder(log *[]string, name string, requires ...string) *Dependency {
	return &Dependency{
		Name:     name,
		Requires: requires,
		StartFunc: func(context.Context) error {
			*log = append(*log, "start "+name)
			return nil
		},
		StopFunc: func(context.Context) error {
			*log = append(*log, "stop "+name)
			return nil
		},
	}
}

func TestStartup_Order(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	s.AddDependency(recorder(&log, "mapping_store", "database"))
	s.AddDependency(recorder(&log, "graph"))
	s.AddDependency(recorder(&log, "database"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start database", "start mapping_store", "start graph"}, log)
	assert.Equal(t, StartupStatusStarted, s.Status("database"))

	log = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop graph", "stop mapping_store", "stop database"}, log)
	assert.Equal(t, StartupStatusStopped, s.Status("graph"))
}

func TestStartup_Retry(t *testing.T) {
	calls := 0
	s := newTestStartup(3)
	s.AddDependency(&Dependency{Name: "graph", StartFunc: func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)

	t.Run("gives up", func(t *testing.T) {
		s := newTestStartup(2)
		s.AddDependency(&Dependency{Name: "graph", StartFunc: func(context.Context) error {
			return errors.New("connection refused")
		}})
		err := s.Start(context.Background())
		assert.ErrorContains(t, err, "after 2 attempts")
		assert.ErrorContains(t, err, "connection refused")
		assert.Equal(t, StartupStatusFailed, s.Status("graph"))
	})
}

func TestStartup_InvalidGraph(t *testing.T) {
	t.Run("unknown dependency", func(t *testing.T) {
		s := newTestStartup(1)
		s.AddDependency(&Dependency{Name: "mapping_store", Requires: []string{"database"}})
		assert.ErrorContains(t, s.Start(context.Background()), "unknown dependency")
	})

	t.Run("cycle", func(t *testing.T) {
		s := newTestStartup(1)
		s.AddDependency(&Dependency{Name: "a", Requires: []string{"b"}})
		s.AddDependency(&Dependency{Name: "b", Requires: []string{"a"}})
		assert.ErrorContains(t, s.Start(context.Background()), "cycle")
	})
}
