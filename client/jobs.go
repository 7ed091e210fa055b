package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/esl/protocol"
	"github.com/luma/esl/storage"
)

// BackgroundJobEvent is the event carrying the result of a bgapi command.
const BackgroundJobEvent = "BACKGROUND_JOB"

// awaitRecheckInterval is how often Await looks the job up in the store, in
// case its update was dropped by a full listener.
const awaitRecheckInterval = 250 * time.Millisecond

// JobResult is the outcome of a background job.
type JobResult struct {
	JobUUID string `json:"job_uuid"`
	Command string `json:"command"`
	Body    string `json:"body"`
}

// JobTracker records BACKGROUND_JOB results so callers of SendJob can wait
// for them. Register it on a Router for BackgroundJobEvent.
type JobTracker struct {
	store storage.Store
	log   *zap.Logger
}

func NewJobTracker(store storage.Store, log *zap.Logger) *JobTracker {
	if log == nil {
		log = zap.NewNop()
	}

	return &JobTracker{
		store: store,
		log:   log,
	}
}

func (j *JobTracker) HandleEvent(ctx context.Context, ev *protocol.Event) error {
	if ev.Name != BackgroundJobEvent {
		return nil
	}

	id := ev.JobUUID()
	if id == "" {
		return fmt.Errorf("%s event without a Job-UUID: %w", BackgroundJobEvent, ErrProtocolViolation)
	}

	result := JobResult{
		JobUUID: id,
		Command: ev.Field("Job-Command"),
		Body:    string(ev.Body),
	}

	if err := j.store.Set(ctx, []byte(id), result); err != nil {
		return fmt.Errorf("Failed to record job %s: %w", id, err)
	}

	j.log.Debug("Background job finished", zap.String("jobUUID", id), zap.String("command", result.Command))

	return nil
}

// Await blocks until the result of job id has been recorded, or ctx is done.
func (j *JobTracker) Await(ctx context.Context, id string) (*JobResult, error) {
	// Listen before looking so a result recorded in between is not missed
	updates := j.store.ListenToUpdates()
	defer j.store.StopListening(updates)

	if result, err := j.Result(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		return result, err
	}

	ticker := time.NewTicker(awaitRecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil, ErrClosed
			}

			if string(update.Key) == id {
				return parseJobResult(update.Value), nil
			}

		case <-ticker.C:
			if result, err := j.Result(ctx, id); !errors.Is(err, storage.ErrNotFound) {
				return result, err
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Result returns the recorded result of job id, or storage.ErrNotFound.
func (j *JobTracker) Result(ctx context.Context, id string) (*JobResult, error) {
	raw, err := j.store.Get(ctx, []byte(id))
	if err != nil {
		return nil, err
	}

	return parseJobResult(raw), nil
}

// Results returns every recorded job result.
func (j *JobTracker) Results() ([]*JobResult, error) {
	raw, err := j.store.Backup()
	if err != nil {
		return nil, err
	}

	results := make([]*JobResult, 0)
	gjson.ParseBytes(raw).ForEach(func(_, value gjson.Result) bool {
		results = append(results, parseJobResult([]byte(value.Raw)))
		return true
	})

	return results, nil
}

// Forget drops the recorded result of job id.
func (j *JobTracker) Forget(ctx context.Context, id string) error {
	return j.store.Delete(ctx, []byte(id))
}

func parseJobResult(raw []byte) *JobResult {
	doc := gjson.ParseBytes(raw)

	return &JobResult{
		JobUUID: doc.Get("job_uuid").String(),
		Command: doc.Get("command").String(),
		Body:    doc.Get("body").String(),
	}
}

var _ Handler = (*JobTracker)(nil)
