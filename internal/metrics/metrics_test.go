package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "low", Tier(0))
	assert.Equal(t, "low", Tier(49))
	assert.Equal(t, "medium", Tier(70))
	assert.Equal(t, "high", Tier(100))
}

func TestCountersSumAcrossLabels(t *testing.T) {
	t.Parallel()

	r := New(false)
	r.DownloadSucceeded("audio", 1024)
	r.DownloadSucceeded("video", 0)
	r.DownloadFailed("audio", "network")
	r.ObserveRetry(1)
	r.ObserveRetry(1)
	r.ObserveRetry(2)

	assert.Equal(t, 2.0, r.DownloadsSucceeded())
	assert.Equal(t, 1.0, r.DownloadsFailed())
	assert.Equal(t, 3.0, r.Retries())
	assert.Equal(t, 2.0, Value(r.TaskRetries, map[string]string{"attempt": "1"}))
	assert.Equal(t, 0.0, Value(r.TaskRetries, map[string]string{"attempt": "9"}))
	assert.Equal(t, map[string]float64{"network": 1}, ByLabel(r.Errors, "category"))
	assert.Equal(t, 1024.0, r.Downloaded())
}

func TestQueueDepthGauges(t *testing.T) {
	t.Parallel()

	r := New(false)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			r.TaskQueued(p)
		}(i * 2)
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		r.TaskDone(0)
	}

	assert.Equal(t, 30.0, r.QueueDepthValue())
	tiers := ByLabel(r.QueueDepth, "priority_tier")
	assert.Equal(t, 50.0+(-20.0), tiers["low"]+tiers["medium"]+tiers["high"])
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	r := New(true)
	r.DownloadSucceeded("audio", 1)
	r.ObserveAttempt("audio", "success", 2*time.Second)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `downloads_success_total{kind="audio"} 1`)
	assert.Contains(t, string(body), "task_duration_seconds_bucket")
	assert.Contains(t, string(body), "go_goroutines")
}
