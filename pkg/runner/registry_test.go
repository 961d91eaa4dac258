package runner

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efc-ti/efc-backup/pkg/metrics"
	"github.com/efc-ti/efc-backup/pkg/types"
)

func TestRegistryProgressMonotonic(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Add(&types.RunningJob{BackupID: "b-1", Client: "web-01"})

	r.Update("b-1", func(j *types.RunningJob) { j.Progress = 40 })
	// A stale lower update must not move progress backwards.
	r.Update("b-1", func(j *types.RunningJob) { j.Progress = 20 })

	job, ok := r.Get("b-1")
	require.True(t, ok)
	assert.Equal(t, 40, job.Progress)

	// Overshoot is capped.
	r.Update("b-1", func(j *types.RunningJob) { j.Progress = 140 })
	job, _ = r.Get("b-1")
	assert.Equal(t, 100, job.Progress)
}

func TestRegistryResetIsTheSanctionedDecrease(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Add(&types.RunningJob{BackupID: "b-1", Phase: "copy"})
	r.Update("b-1", func(j *types.RunningJob) { j.Progress = 70 })

	r.Reset("b-1", "connect")

	job, ok := r.Get("b-1")
	require.True(t, ok)
	assert.Zero(t, job.Progress)
	assert.Equal(t, "connect", job.Phase)

	// Progress climbs again after the reset.
	r.Update("b-1", func(j *types.RunningJob) { j.Progress = 10 })
	job, _ = r.Get("b-1")
	assert.Equal(t, 10, job.Progress)
}

func TestRegistryFinishSuccessForcesFullProgress(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Add(&types.RunningJob{BackupID: "b-1"})
	r.Update("b-1", func(j *types.RunningJob) { j.Progress = 85 })
	r.Finish("b-1", false, "")

	job, ok := r.Get("b-1")
	require.True(t, ok)
	assert.Equal(t, 100, job.Progress)
	assert.False(t, job.Failed)
}

func TestRegistryFinishFailureKeepsError(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Add(&types.RunningJob{BackupID: "b-1"})
	r.Update("b-1", func(j *types.RunningJob) { j.Progress = 60 })
	r.Finish("b-1", true, "phase copy: transport unreachable")

	job, ok := r.Get("b-1")
	require.True(t, ok)
	assert.True(t, job.Failed)
	assert.Equal(t, 60, job.Progress)
	assert.Contains(t, job.Error, "transport unreachable")
}

func TestRegistryFinishedJobLingers(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Add(&types.RunningJob{BackupID: "b-1"})
	r.Finish("b-1", false, "")

	// Still visible right after finishing; the linger timer removes it later.
	_, ok := r.Get("b-1")
	assert.True(t, ok)
	assert.Len(t, r.List(), 1)
}

func TestRegistryCloseIsImmediate(t *testing.T) {
	r := NewRegistry()
	r.Add(&types.RunningJob{BackupID: "b-1"})
	r.Finish("b-1", true, "boom")

	start := time.Now()
	r.Close()
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, r.List())

	// Adds after close are ignored.
	r.Add(&types.RunningJob{BackupID: "b-2"})
	assert.Empty(t, r.List())
}

func TestRegistryGaugeExcludesLingeringJobs(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Add(&types.RunningJob{BackupID: "b-1"})
	r.Add(&types.RunningJob{BackupID: "b-2"})
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RunningJobs))

	// Finished jobs linger for visibility but leave the gauge immediately.
	r.Finish("b-1", false, "")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunningJobs))

	r.Finish("b-2", true, "boom")
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.RunningJobs))

	// Both still visible while lingering.
	assert.Len(t, r.List(), 2)
}

func TestRegistryUpdateUnknownJobIsNoop(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	r.Update("ghost", func(j *types.RunningJob) { j.Progress = 50 })
	r.Reset("ghost", "connect")
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}
