package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObjectWrites.WithLabelValues("r1", "stored").Inc()
	m.ObjectWrites.WithLabelValues("r1", "deduplicated").Add(2)
	m.Commits.WithLabelValues("r1").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObjectWrites.WithLabelValues("r1", "stored")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ObjectWrites.WithLabelValues("r1", "deduplicated")))

	expected := `
# HELP refgraph_commits_total Commits created
# TYPE refgraph_commits_total counter
refgraph_commits_total{repo="r1"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "refgraph_commits_total"))
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}

func TestObserveOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOperation("r1", "commit", time.Now().Add(-10*time.Millisecond))

	count, err := testutil.GatherAndCount(reg, "refgraph_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRefResult(t *testing.T) {
	errConflict := errors.New("conflict")
	isConflict := func(err error) bool { return errors.Is(err, errConflict) }

	assert.Equal(t, ResultOK, RefResult(nil, isConflict))
	assert.Equal(t, ResultConflict, RefResult(errConflict, isConflict))
	assert.Equal(t, ResultError, RefResult(errors.New("boom"), isConflict))
}
