// Package mongo hosts the MongoDB client used by the production state
// store. It mirrors the shape of the teacher's session/run Mongo
// clients: a narrow Client interface wrapping collection operations,
// backed by a thin collection abstraction so tests can fake the driver
// without a live server.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/flowmesh/conductor/runtime/job"
)

const (
	defaultJobsCollection    = "jobs"
	defaultEventsCollection  = "events"
	defaultSignalsCollection = "signals"
	defaultOpTimeout         = 5 * time.Second
)

// Client exposes Mongo-backed operations for the durable state store.
type Client interface {
	Ping(ctx context.Context) error

	UpsertJob(ctx context.Context, j job.Job) error
	FindJob(ctx context.Context, id string) (job.Job, bool, error)
	FindJobsByStatus(ctx context.Context, statuses []job.JobStatus, limit int) ([]job.Job, error)

	AppendEvent(ctx context.Context, e job.Event) error
	FindEvents(ctx context.Context, jobID string) ([]job.Event, error)

	UpsertRun(ctx context.Context, r job.Run) error
	FindRun(ctx context.Context, runID string) (job.Run, bool, error)

	UpsertTaskState(ctx context.Context, runID string, ts job.TaskState) error
	FindTaskStates(ctx context.Context, runID string) ([]job.TaskState, error)

	InsertSignalIfNew(ctx context.Context, s job.ControlSignal) (deduped bool, err error)
	DrainSignals(ctx context.Context, jobID string) ([]job.ControlSignal, error)
}

// Options configures the Mongo state-store client.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	jobs    *mongodriver.Collection
	events  *mongodriver.Collection
	signals *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB, creating the indexes the
// store relies on for lease-exclusive claims and event ordering.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		jobs:    db.Collection(defaultJobsCollection),
		events:  db.Collection(defaultEventsCollection),
		signals: db.Collection(defaultSignalsCollection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) ensureIndexes(ctx context.Context) error {
	if _, err := c.jobs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := c.events.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "ts", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := c.signals.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "request_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	})
	return err
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type jobDocument struct {
	JobID       string         `bson:"job_id"`
	ProjectID   string         `bson:"project_id"`
	Goal        string         `bson:"goal"`
	Status      job.JobStatus  `bson:"status"`
	Audit       bson.M         `bson:"audit"`
	RunID       string         `bson:"run_id,omitempty"`
	WorkerID    string         `bson:"worker_id,omitempty"`
	RunnerPID   int            `bson:"runner_pid,omitempty"`
	LeaseUntil  time.Time      `bson:"lease_until,omitempty"`
	HeartbeatAt time.Time      `bson:"heartbeat_at,omitempty"`
	Attempts    int            `bson:"attempt_count"`
	MaxAttempts int            `bson:"max_attempts"`
	Error       string         `bson:"error,omitempty"`
	LastResult  bson.M         `bson:"last_result,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
	HumanInputs []bson.M       `bson:"human_inputs,omitempty"`
	Raw         map[string]any `bson:"raw,omitempty"`
}

func (c *client) UpsertJob(ctx context.Context, j job.Job) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc := bson.M{
		"job_id":       j.ID,
		"project_id":   j.ProjectID,
		"goal":         j.Goal,
		"status":       j.Status,
		"worker_id":    j.WorkerID,
		"run_id":       j.RunID,
		"lease_until":  j.LeaseUntil,
		"heartbeat_at": j.HeartbeatAt,
		"attempt_count": j.AttemptCount,
		"max_attempts": j.MaxAttempts,
		"error":        j.Error,
		"updated_at":   time.Now().UTC(),
	}
	_, err := c.jobs.UpdateOne(ctx, bson.M{"job_id": j.ID}, bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"created_at": j.CreatedAt},
	}, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) FindJob(ctx context.Context, id string) (job.Job, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc bson.M
	err := c.jobs.FindOne(ctx, bson.M{"job_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, err
	}
	return jobFromDoc(doc), true, nil
}

func (c *client) FindJobsByStatus(ctx context.Context, statuses []job.JobStatus, limit int) ([]job.Job, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.jobs.Find(ctx, bson.M{"status": bson.M{"$in": statuses}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []job.Job
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, jobFromDoc(doc))
	}
	return out, cur.Err()
}

func jobFromDoc(doc bson.M) job.Job {
	j := job.Job{}
	if v, ok := doc["job_id"].(string); ok {
		j.ID = v
	}
	if v, ok := doc["project_id"].(string); ok {
		j.ProjectID = v
	}
	if v, ok := doc["goal"].(string); ok {
		j.Goal = v
	}
	if v, ok := doc["status"].(string); ok {
		j.Status = job.JobStatus(v)
	}
	if v, ok := doc["worker_id"].(string); ok {
		j.WorkerID = v
	}
	if v, ok := doc["run_id"].(string); ok {
		j.RunID = v
	}
	if v, ok := doc["lease_until"].(bson.DateTime); ok {
		j.LeaseUntil = v.Time()
	}
	if v, ok := doc["heartbeat_at"].(bson.DateTime); ok {
		j.HeartbeatAt = v.Time()
	}
	if v, ok := doc["attempt_count"].(int32); ok {
		j.AttemptCount = int(v)
	}
	if v, ok := doc["max_attempts"].(int32); ok {
		j.MaxAttempts = int(v)
	}
	if v, ok := doc["error"].(string); ok {
		j.Error = v
	}
	if v, ok := doc["created_at"].(bson.DateTime); ok {
		j.CreatedAt = v.Time()
	}
	if v, ok := doc["updated_at"].(bson.DateTime); ok {
		j.UpdatedAt = v.Time()
	}
	if v, ok := doc["last_heartbeat_log"].(bson.DateTime); ok {
		j.LastHeartbeatLog = v.Time()
	}
	return j
}

func (c *client) AppendEvent(ctx context.Context, e job.Event) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.events.InsertOne(ctx, bson.M{
		"job_id":  e.JobID,
		"run_id":  e.RunID,
		"ts":      e.TS,
		"name":    e.Name,
		"payload": e.Payload,
	})
	return err
}

func (c *client) FindEvents(ctx context.Context, jobID string) ([]job.Event, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.events.Find(ctx, bson.M{"job_id": jobID}, options.Find().SetSort(bson.D{{Key: "ts", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []job.Event
	for cur.Next(ctx) {
		var doc struct {
			JobID   string         `bson:"job_id"`
			RunID   string         `bson:"run_id"`
			TS      time.Time      `bson:"ts"`
			Name    string         `bson:"name"`
			Payload map[string]any `bson:"payload"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, job.Event{JobID: doc.JobID, RunID: doc.RunID, TS: doc.TS, Name: doc.Name, Payload: doc.Payload})
	}
	return out, cur.Err()
}

func (c *client) UpsertRun(ctx context.Context, r job.Run) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.jobs.Database().Collection("runs").UpdateOne(ctx, bson.M{"run_id": r.ID}, bson.M{
		"$set": bson.M{
			"run_id":       r.ID,
			"job_id":       r.JobID,
			"status":       r.Status,
			"worker_id":    r.WorkerID,
			"lease_until":  r.LeaseUntil,
			"heartbeat_at": r.HeartbeatAt,
			"started_at":   r.StartedAt,
			"finished_at":  r.FinishedAt,
		},
	}, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) FindRun(ctx context.Context, runID string) (job.Run, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc struct {
		ID          string    `bson:"run_id"`
		JobID       string    `bson:"job_id"`
		Status      string    `bson:"status"`
		WorkerID    string    `bson:"worker_id"`
		LeaseUntil  time.Time `bson:"lease_until"`
		HeartbeatAt time.Time `bson:"heartbeat_at"`
		StartedAt   time.Time `bson:"started_at"`
		FinishedAt  time.Time `bson:"finished_at"`
	}
	err := c.jobs.Database().Collection("runs").FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return job.Run{}, false, nil
	}
	if err != nil {
		return job.Run{}, false, err
	}
	return job.Run{
		ID: doc.ID, JobID: doc.JobID, Status: job.RunStatus(doc.Status), WorkerID: doc.WorkerID,
		LeaseUntil: doc.LeaseUntil, HeartbeatAt: doc.HeartbeatAt, StartedAt: doc.StartedAt, FinishedAt: doc.FinishedAt,
	}, true, nil
}

func (c *client) UpsertTaskState(ctx context.Context, runID string, ts job.TaskState) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.jobs.Database().Collection("task_states").UpdateOne(ctx,
		bson.M{"run_id": runID, "task_id": ts.TaskID},
		bson.M{"$set": bson.M{
			"run_id": runID, "task_id": ts.TaskID, "status": ts.Status,
			"attempts": ts.Attempts, "last_error": ts.LastError, "updated_at": ts.UpdatedAt,
		}},
		options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) FindTaskStates(ctx context.Context, runID string) ([]job.TaskState, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.jobs.Database().Collection("task_states").Find(ctx, bson.M{"run_id": runID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []job.TaskState
	for cur.Next(ctx) {
		var doc struct {
			TaskID    string    `bson:"task_id"`
			Status    string    `bson:"status"`
			Attempts  int       `bson:"attempts"`
			LastError string    `bson:"last_error"`
			UpdatedAt time.Time `bson:"updated_at"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, job.TaskState{TaskID: doc.TaskID, Status: job.TaskRunStatus(doc.Status), Attempts: doc.Attempts, LastError: doc.LastError, UpdatedAt: doc.UpdatedAt})
	}
	return out, cur.Err()
}

func (c *client) InsertSignalIfNew(ctx context.Context, s job.ControlSignal) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.signals.InsertOne(ctx, bson.M{
		"job_id": s.JobID, "action": s.Action, "payload": s.Payload,
		"request_id": s.RequestID, "signal_seq": s.SignalSeq, "ts": s.TS,
	})
	if mongodriver.IsDuplicateKeyError(err) {
		return true, nil
	}
	return false, err
}

func (c *client) DrainSignals(ctx context.Context, jobID string) ([]job.ControlSignal, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// Drained signals are marked rather than deleted so the unique
	// (job_id, request_id) index keeps deduping their request ids.
	pending := bson.M{"job_id": jobID, "drained": bson.M{"$ne": true}}
	cur, err := c.signals.Find(ctx, pending, options.Find().SetSort(bson.D{{Key: "signal_seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []job.ControlSignal
	for cur.Next(ctx) {
		var doc struct {
			JobID     string         `bson:"job_id"`
			Action    string         `bson:"action"`
			Payload   map[string]any `bson:"payload"`
			RequestID string         `bson:"request_id"`
			SignalSeq int64          `bson:"signal_seq"`
			TS        time.Time      `bson:"ts"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return nil, err
		}
		out = append(out, job.ControlSignal{JobID: doc.JobID, Action: job.ControlAction(doc.Action), Payload: doc.Payload, RequestID: doc.RequestID, SignalSeq: doc.SignalSeq, TS: doc.TS})
	}
	cur.Close(ctx)
	if _, err := c.signals.UpdateMany(ctx, pending, bson.M{"$set": bson.M{"drained": true}}); err != nil {
		return nil, err
	}
	return out, nil
}
