package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

func newTestRedisConsumer(t *testing.T, proc *stubProcessor) (*RedisConsumer, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c, err := NewRedisConsumer(&RedisConsumerConfig{
		Client:            client,
		QueueName:         "ocr",
		Processor:         proc,
		PollTimeout:       time.Second,
		DefaultMaxRetries: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })
	return c, mr, client
}

// subscribeEvents returns a channel of decoded events from ocr:events
func subscribeEvents(t *testing.T, client *redis.Client) <-chan map[string]interface{} {
	t.Helper()
	ctx := context.Background()
	sub := client.Subscribe(ctx, "ocr:events")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	out := make(chan map[string]interface{}, 32)
	go func() {
		for msg := range sub.Channel() {
			var event map[string]interface{}
			if json.Unmarshal([]byte(msg.Payload), &event) == nil {
				out <- event
			}
		}
	}()
	return out
}

func collectEvents(events <-chan map[string]interface{}, n int) []map[string]interface{} {
	var got []map[string]interface{}
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e := <-events:
			got = append(got, e)
		case <-timeout:
			return got
		}
	}
	return got
}

func TestNewRedisConsumerValidation(t *testing.T) {
	_, err := NewRedisConsumer(&RedisConsumerConfig{Processor: &stubProcessor{}})
	assert.Error(t, err)

	_, err = NewRedisConsumer(&RedisConsumerConfig{RedisURL: "redis://localhost:6379"})
	assert.Error(t, err)

	_, err = NewRedisConsumer(&RedisConsumerConfig{RedisURL: "not a url", Processor: &stubProcessor{}})
	assert.Error(t, err)
}

func TestRedisConsumerCompletesJob(t *testing.T) {
	proc := &stubProcessor{result: successResult()}
	c, mr, client := newTestRedisConsumer(t, proc)
	events := subscribeEvents(t, client)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, &RedisJobData{
		ID:      "job-1",
		Payload: JobPayload{Filename: "scan.png", MimeType: "image/png", FileBuffer: []byte("png")},
	}))
	require.NoError(t, c.processNextJob(ctx))

	require.Len(t, proc.requests, 1)
	assert.Equal(t, "job-1", proc.requests[0].JobID)
	assert.Equal(t, []byte("png"), proc.requests[0].FileBuffer)

	completed, err := mr.Members("ocr:completed")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, completed)
	processing, _ := mr.Members("ocr:processing")
	assert.Empty(t, processing)

	result := mr.HGet("ocr:results", "job-1")
	assert.Contains(t, result, `"engine_used":"primary"`)
	assert.Equal(t, []string{storage.StatusProcessing, storage.StatusCompleted}, proc.statuses())

	got := collectEvents(events, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "job:processing", got[0]["event"])
	assert.Equal(t, "job:progress", got[1]["event"])
	assert.Equal(t, float64(10), got[1]["progress"])
	assert.Equal(t, map[string]interface{}{"upload_parse": map[string]interface{}{"status": "ok"}}, got[1]["stages"])
	assert.Equal(t, "job:completed", got[2]["event"])
	assert.Equal(t, "job-1", got[2]["jobId"])
	assert.Equal(t, "primary", got[2]["engine_used"])
}

func TestRedisConsumerPipelineFailureIsTerminal(t *testing.T) {
	proc := &stubProcessor{result: failedResult()}
	c, mr, _ := newTestRedisConsumer(t, proc)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, &RedisJobData{ID: "job-2", Payload: JobPayload{FileBuffer: []byte("x")}}))
	require.NoError(t, c.processNextJob(ctx))

	failed, _ := mr.Members("ocr:failed")
	assert.Equal(t, []string{"job-2"}, failed)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("ocr:errors", "job-2")), &details))
	assert.Equal(t, "upload_parse", details["error_stage"])
	assert.Equal(t, "OCR_FAILED", details["error_code"])

	length, _ := c.client.LLen(ctx, "ocr:list").Result()
	assert.Zero(t, length)
	assert.Equal(t, storage.StatusFailed, proc.lastUpdate().Status)
}

func TestRedisConsumerRetriesInfrastructureErrors(t *testing.T) {
	proc := &stubProcessor{err: errors.New("download failed")}
	c, mr, _ := newTestRedisConsumer(t, proc)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, &RedisJobData{ID: "job-3", Payload: JobPayload{FileURL: "http://files/a.pdf"}}))

	require.NoError(t, c.processNextJob(ctx))
	length, _ := c.client.LLen(ctx, "ocr:list").Result()
	assert.Equal(t, int64(1), length)

	var requeued RedisJobData
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("ocr:data", "job-3")), &requeued))
	assert.Equal(t, 1, requeued.Attempts)
	assert.Equal(t, storage.StatusQueued, proc.lastUpdate().Status)

	require.NoError(t, c.processNextJob(ctx))
	failed, _ := mr.Members("ocr:failed")
	assert.Equal(t, []string{"job-3"}, failed)
	assert.Contains(t, mr.HGet("ocr:errors", "job-3"), "download failed")
	assert.Len(t, proc.requests, 2)
}

func TestRedisConsumerAcceptsNodeBuffers(t *testing.T) {
	proc := &stubProcessor{result: successResult()}
	c, mr, _ := newTestRedisConsumer(t, proc)
	ctx := context.Background()

	mr.HSet("ocr:data", "legacy", `{"id":"legacy","payload":{"jobId":"job-4","filename":"a.png","fileBuffer":{"type":"Buffer","data":[104,105]}}}`)
	_, err := mr.Lpush("ocr:list", "legacy")
	require.NoError(t, err)

	require.NoError(t, c.processNextJob(ctx))
	require.Len(t, proc.requests, 1)
	assert.Equal(t, "job-4", proc.requests[0].JobID)
	assert.Equal(t, []byte("hi"), proc.requests[0].FileBuffer)
}

func TestRedisConsumerInvalidJobData(t *testing.T) {
	proc := &stubProcessor{}
	c, mr, _ := newTestRedisConsumer(t, proc)

	mr.HSet("ocr:data", "bad", `{"id":"bad","payload":{"fileBuffer":42}}`)
	_, err := mr.Lpush("ocr:list", "bad")
	require.NoError(t, err)

	err = c.processNextJob(context.Background())
	require.Error(t, err)
	failed, _ := mr.Members("ocr:failed")
	assert.Equal(t, []string{"bad"}, failed)
	assert.Contains(t, mr.HGet("ocr:errors", "bad"), "INVALID_PAYLOAD")
	assert.Empty(t, proc.requests)
}

func TestRedisConsumerEmptyQueue(t *testing.T) {
	c, _, _ := newTestRedisConsumer(t, &stubProcessor{})
	err := c.processNextJob(context.Background())
	assert.True(t, errors.Is(err, errNoJobs))
}

func TestRedisConsumerStats(t *testing.T) {
	proc := &stubProcessor{result: successResult()}
	c, _, _ := newTestRedisConsumer(t, proc)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, &RedisJobData{ID: "a", Payload: JobPayload{FileBuffer: []byte("x")}}))
	require.NoError(t, c.Submit(ctx, &RedisJobData{ID: "b", Payload: JobPayload{FileBuffer: []byte("x")}}))
	require.NoError(t, c.processNextJob(ctx))

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["waiting"])
	assert.Equal(t, int64(1), stats["completed"])
	assert.Equal(t, int64(0), stats["failed"])
}

func TestJobPayloadUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"base64", `{"jobId":"j","fileBuffer":"aGk="}`, []byte("hi"), false},
		{"node buffer", `{"jobId":"j","fileBuffer":{"type":"Buffer","data":[104,105]}}`, []byte("hi"), false},
		{"absent", `{"jobId":"j","fileUrl":"http://x"}`, nil, false},
		{"bad base64", `{"fileBuffer":"!!"}`, nil, true},
		{"wrong type tag", `{"fileBuffer":{"type":"Blob","data":[1]}}`, nil, true},
		{"missing data", `{"fileBuffer":{"type":"Buffer"}}`, nil, true},
		{"byte out of range", `{"fileBuffer":{"type":"Buffer","data":[300]}}`, nil, true},
		{"number", `{"fileBuffer":7}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p JobPayload
			err := json.Unmarshal([]byte(tt.input), &p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.FileBuffer)
			assert.Equal(t, "j", p.JobID)
		})
	}
}

func TestRedisConsumerStopReturnsInterruptedJob(t *testing.T) {
	proc := &stubProcessor{block: true}
	c, mr, client := newTestRedisConsumer(t, proc)
	events := subscribeEvents(t, client)
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, &RedisJobData{ID: "job-1", Payload: JobPayload{FileBuffer: []byte("x")}}))
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.requests) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())

	list, err := mr.List("ocr:list")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, list)

	processing, _ := client.SMembers(ctx, "ocr:processing").Result()
	assert.Empty(t, processing)
	failed, _ := client.SMembers(ctx, "ocr:failed").Result()
	assert.Empty(t, failed)

	var stored RedisJobData
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("ocr:data", "job-1")), &stored))
	assert.Zero(t, stored.Attempts)
	assert.Equal(t, []string{storage.StatusProcessing, storage.StatusQueued}, proc.statuses())

	// Events published while stopping still go out
	got := collectEvents(events, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "job:processing", got[0]["event"])
	assert.Equal(t, "job:progress", got[1]["event"])
}
