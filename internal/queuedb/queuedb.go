// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package queuedb implements the farm's persistent build queue
// on top of a SQLite database.
// Every mutating operation takes a connection
// so that callers can group related writes into one transaction
// with [DB.Transact].
package queuedb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"zb.256lights.llc/pkg/zbstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// BuildID is the stable identifier the queue assigns to a build.
type BuildID int64

// A DB is a handle to the queue database.
type DB struct {
	pool *sqlitemigration.Pool
}

// Open opens (creating and migrating if necessary) the queue database
// at the given path.
// Callers are responsible for calling [DB.Close] on the returned database.
func Open(path string) *DB {
	return &DB{
		pool: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PoolSize:    10,
			PrepareConn: prepareConn,
			OnError: func(err error) {
				log.Errorf(context.Background(), "Queue database migration: %v", err)
			},
		}),
	}
}

// Close releases any resources associated with the database.
func (db *DB) Close() error {
	return db.pool.Close()
}

// Get obtains a connection from the pool,
// waiting for the schema migration to complete if necessary.
func (db *DB) Get(ctx context.Context) (*sqlite.Conn, error) {
	return db.pool.Get(ctx)
}

// Put returns a connection to the pool.
func (db *DB) Put(conn *sqlite.Conn) {
	db.pool.Put(conn)
}

// Transact runs f inside an immediate transaction,
// retrying with jittered backoff while the database is contended.
// The scheduler cannot make progress without the queue,
// so Transact retries until f fails for a non-contention reason
// or ctx is done.
func (db *DB) Transact(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	conn, err := db.Get(ctx)
	if err != nil {
		return err
	}
	defer db.Put(conn)

	delay := 50 * time.Millisecond
	const maxDelay = 5 * time.Second
	for {
		err := func() (err error) {
			endFn, err := sqlitex.ImmediateTransaction(conn)
			if err != nil {
				return err
			}
			defer endFn(&err)
			return f(conn)
		}()
		if err == nil || !isContention(err) {
			return err
		}
		log.Debugf(ctx, "Queue database contended (will retry in ~%v): %v", delay, err)
		t := time.NewTimer(delay + rand.N(delay))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		delay = min(delay*2, maxDelay)
	}
}

func isContention(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	default:
		return false
	}
}

// A QueuedBuild is an unfinished row of the builds table.
type QueuedBuild struct {
	ID             BuildID
	RecipePath     zbstore.Path
	Project        string
	Jobset         string
	Job            string
	QueuedAt       time.Time
	MaxSilentTime  time.Duration
	BuildTimeout   time.Duration
	LocalPriority  int
	GlobalPriority int
}

// ListQueuedBuilds returns all unfinished builds with an ID greater than sinceID,
// in ID order.
func ListQueuedBuilds(conn *sqlite.Conn, sinceID BuildID) ([]*QueuedBuild, error) {
	var result []*QueuedBuild
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "queue/list_builds.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":since_id": int64(sinceID),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			recipePath, err := zbstore.ParsePath(stmt.GetText("recipe_path"))
			if err != nil {
				return fmt.Errorf("build %d: %v", stmt.GetInt64("id"), err)
			}
			result = append(result, &QueuedBuild{
				ID:             BuildID(stmt.GetInt64("id")),
				RecipePath:     recipePath,
				Project:        stmt.GetText("project"),
				Jobset:         stmt.GetText("jobset"),
				Job:            stmt.GetText("job"),
				QueuedAt:       time.Unix(stmt.GetInt64("queued_at"), 0).UTC(),
				MaxSilentTime:  time.Duration(stmt.GetInt64("max_silent_time")) * time.Second,
				BuildTimeout:   time.Duration(stmt.GetInt64("build_timeout")) * time.Second,
				LocalPriority:  int(stmt.GetInt64("local_priority")),
				GlobalPriority: int(stmt.GetInt64("global_priority")),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list queued builds: %v", err)
	}
	return result, nil
}

// InsertBuild adds a build to the queue and returns its assigned ID.
func InsertBuild(conn *sqlite.Conn, b *QueuedBuild) (BuildID, error) {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "queue/insert_build.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":recipe_path":     string(b.RecipePath),
			":project":         b.Project,
			":jobset":          b.Jobset,
			":job":             b.Job,
			":queued_at":       b.QueuedAt.Unix(),
			":max_silent_time": int64(b.MaxSilentTime / time.Second),
			":build_timeout":   int64(b.BuildTimeout / time.Second),
			":local_priority":  b.LocalPriority,
			":global_priority": b.GlobalPriority,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("insert build %s: %v", b.RecipePath, err)
	}
	return BuildID(conn.LastInsertRowID()), nil
}

// BuildRow is the queue's view of a single build,
// as returned by [GetBuild].
type BuildRow struct {
	ID                  BuildID
	Finished            bool
	Status              BuildStatus
	GlobalPriority      int
	IsCached            bool
	NotificationPending bool
}

// GetBuild returns the build with the given ID,
// or ok=false if no such row exists.
func GetBuild(conn *sqlite.Conn, id BuildID) (_ *BuildRow, ok bool, err error) {
	var row *BuildRow
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "queue/get_build.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id": int64(id),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row = &BuildRow{
				ID:                  BuildID(stmt.GetInt64("id")),
				Finished:            stmt.GetBool("finished"),
				Status:              BuildStatus(stmt.GetInt64("status")),
				GlobalPriority:      int(stmt.GetInt64("global_priority")),
				IsCached:            stmt.GetBool("is_cached"),
				NotificationPending: stmt.GetBool("notification_pending"),
			}
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("get build %d: %v", id, err)
	}
	return row, row != nil, nil
}

// QueueChanges describes what happened to a set of in-memory builds
// since they were last observed.
type QueueChanges struct {
	// Cancelled holds builds whose rows were finished by another writer.
	Cancelled []BuildID
	// Deleted holds builds whose rows no longer exist.
	Deleted []BuildID
	// PriorityBumped maps builds to their new global priority.
	PriorityBumped map[BuildID]int
}

// ListQueueChanges compares the given in-memory builds
// (a map of build ID to last observed global priority)
// against the current database rows
// and reports cancellations, deletions, and priority bumps.
func ListQueueChanges(conn *sqlite.Conn, active map[BuildID]int) (QueueChanges, error) {
	changes := QueueChanges{}
	ids := slices.Sorted(maps.Keys(active))
	for _, id := range ids {
		row, ok, err := GetBuild(conn, id)
		if err != nil {
			return QueueChanges{}, fmt.Errorf("list queue changes: %v", err)
		}
		switch {
		case !ok:
			changes.Deleted = append(changes.Deleted, id)
		case row.Finished:
			changes.Cancelled = append(changes.Cancelled, id)
		case row.GlobalPriority != active[id]:
			if changes.PriorityBumped == nil {
				changes.PriorityBumped = make(map[BuildID]int)
			}
			changes.PriorityBumped[id] = row.GlobalPriority
		}
	}
	return changes, nil
}

// AllocBuildStep allocates the next step number for the given build.
// Step numbers are monotonic per build.
func AllocBuildStep(conn *sqlite.Conn, buildID BuildID) (int, error) {
	stepNr := 0
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "step/alloc.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id": int64(buildID),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stepNr = int(stmt.GetInt64("next_step_nr"))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("alloc build step for build %d: %v", buildID, err)
	}
	return stepNr, nil
}

// A BuildStep is a row of the build_steps table.
type BuildStep struct {
	BuildID        BuildID
	StepNr         int
	RecipePath     zbstore.Path
	Busy           bool
	Status         StepStatus
	ErrorMsg       string
	StartTime      time.Time
	StopTime       time.Time
	Machine        string
	PropagatedFrom BuildID
	Substitution   bool
}

// CreateBuildStep inserts a build step row.
// If step.Busy is true, the status column is left NULL
// until [FinishBuildStep] fills it in.
func CreateBuildStep(conn *sqlite.Conn, step *BuildStep) error {
	var status any
	if !step.Busy {
		status = int64(step.Status)
	}
	var propagatedFrom any
	if step.PropagatedFrom != 0 {
		propagatedFrom = int64(step.PropagatedFrom)
	}
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "step/create.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id":        int64(step.BuildID),
			":step_nr":         step.StepNr,
			":recipe_path":     string(step.RecipePath),
			":busy":            step.Busy,
			":status":          status,
			":error_msg":       step.ErrorMsg,
			":started_at":      unixOrNil(step.StartTime),
			":stopped_at":      unixOrNil(step.StopTime),
			":machine":         step.Machine,
			":propagated_from": propagatedFrom,
		},
	})
	if err != nil {
		return fmt.Errorf("create build step %d.%d: %v", step.BuildID, step.StepNr, err)
	}
	return nil
}

// FinishBuildStep records the outcome of a previously created busy step.
func FinishBuildStep(conn *sqlite.Conn, step *BuildStep) error {
	var propagatedFrom any
	if step.PropagatedFrom != 0 {
		propagatedFrom = int64(step.PropagatedFrom)
	}
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "step/finish.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id":        int64(step.BuildID),
			":step_nr":         step.StepNr,
			":status":          int64(step.Status),
			":error_msg":       step.ErrorMsg,
			":started_at":      unixOrNil(step.StartTime),
			":stopped_at":      unixOrNil(step.StopTime),
			":machine":         step.Machine,
			":propagated_from": propagatedFrom,
		},
	})
	if err != nil {
		return fmt.Errorf("finish build step %d.%d: %v", step.BuildID, step.StepNr, err)
	}
	return nil
}

// CreateSubstitutionStep records that an output was already present in the store
// when the build was expanded.
func CreateSubstitutionStep(conn *sqlite.Conn, buildID BuildID, stepNr int, recipePath zbstore.Path, outputName string, outputPath zbstore.Path, at time.Time) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "step/create_substitution.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id":    int64(buildID),
			":step_nr":     stepNr,
			":recipe_path": string(recipePath),
			":started_at":  at.Unix(),
			":stopped_at":  at.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("create substitution step %d.%d: %v", buildID, stepNr, err)
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "step/insert_output.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id": int64(buildID),
			":step_nr":  stepNr,
			":name":     outputName,
			":path":     string(outputPath),
		},
	})
	if err != nil {
		return fmt.Errorf("create substitution step %d.%d: %v", buildID, stepNr, err)
	}
	return nil
}

// InsertStepOutput records an output produced by a build step.
func InsertStepOutput(conn *sqlite.Conn, buildID BuildID, stepNr int, outputName string, outputPath zbstore.Path) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "step/insert_output.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id": int64(buildID),
			":step_nr":  stepNr,
			":name":     outputName,
			":path":     string(outputPath),
		},
	})
	if err != nil {
		return fmt.Errorf("insert step output %d.%d %s: %v", buildID, stepNr, outputName, err)
	}
	return nil
}

// ListBuildSteps returns the steps recorded for a build in step number order.
func ListBuildSteps(conn *sqlite.Conn, buildID BuildID) ([]*BuildStep, error) {
	var result []*BuildStep
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "step/list.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id": int64(buildID),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			step := &BuildStep{
				BuildID:        buildID,
				StepNr:         int(stmt.GetInt64("step_nr")),
				RecipePath:     zbstore.Path(stmt.GetText("recipe_path")),
				Busy:           stmt.GetBool("busy"),
				ErrorMsg:       stmt.GetText("error_msg"),
				Machine:        stmt.GetText("machine"),
				PropagatedFrom: BuildID(stmt.GetInt64("propagated_from")),
				Substitution:   stmt.GetInt64("type") == 1,
			}
			if stmt.ColumnType(stmt.ColumnIndex("status")) != sqlite.TypeNull {
				step.Status = StepStatus(stmt.GetInt64("status"))
			} else {
				step.Status = StepBusy
			}
			if t := stmt.GetInt64("started_at"); t != 0 {
				step.StartTime = time.Unix(t, 0).UTC()
			}
			if t := stmt.GetInt64("stopped_at"); t != 0 {
				step.StopTime = time.Unix(t, 0).UTC()
			}
			result = append(result, step)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list build steps for build %d: %v", buildID, err)
	}
	return result, nil
}

// MarkSucceededBuild finalizes a build as succeeded
// and records its outputs.
func MarkSucceededBuild(conn *sqlite.Conn, buildID BuildID, outputs map[string]zbstore.Path, isCached bool, startTime, stopTime time.Time) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/finish.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id":   int64(buildID),
			":status":     int64(BuildSucceeded),
			":started_at": unixOrNil(startTime),
			":stopped_at": unixOrNil(stopTime),
			":is_cached":  isCached,
		},
	})
	if err != nil {
		return fmt.Errorf("mark build %d succeeded: %v", buildID, err)
	}
	for _, name := range slices.Sorted(maps.Keys(outputs)) {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/insert_output.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":build_id": int64(buildID),
				":name":     name,
				":path":     string(outputs[name]),
			},
		})
		if err != nil {
			return fmt.Errorf("mark build %d succeeded: output %s: %v", buildID, name, err)
		}
	}
	return nil
}

// MarkFailedBuild finalizes a build with a non-success status.
func MarkFailedBuild(conn *sqlite.Conn, buildID BuildID, status BuildStatus, startTime, stopTime time.Time) error {
	if status == BuildSucceeded {
		return errors.New("mark failed build: success status")
	}
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/finish.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id":   int64(buildID),
			":status":     int64(status),
			":started_at": unixOrNil(startTime),
			":stopped_at": unixOrNil(stopTime),
			":is_cached":  false,
		},
	})
	if err != nil {
		return fmt.Errorf("mark build %d failed: %v", buildID, err)
	}
	return nil
}

// ListBuildOutputs returns the outputs recorded for a finished build.
func ListBuildOutputs(conn *sqlite.Conn, buildID BuildID) (map[string]zbstore.Path, error) {
	result := make(map[string]zbstore.Path)
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/list_outputs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id": int64(buildID),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result[stmt.GetText("name")] = zbstore.Path(stmt.GetText("path"))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list build outputs for build %d: %v", buildID, err)
	}
	return result, nil
}

// ClearNotificationPending records that a notification for the build was sent.
func ClearNotificationPending(conn *sqlite.Conn, buildID BuildID) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/clear_notification.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id": int64(buildID),
		},
	})
	if err != nil {
		return fmt.Errorf("clear notification for build %d: %v", buildID, err)
	}
	return nil
}

// CancelBuild finishes an unfinished build with [BuildAborted].
// It is intended for administrative tooling;
// the scheduler observes the change through [ListQueueChanges].
func CancelBuild(conn *sqlite.Conn, buildID BuildID, at time.Time) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/set_finished.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id":   int64(buildID),
			":status":     int64(BuildAborted),
			":stopped_at": at.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("cancel build %d: %v", buildID, err)
	}
	return nil
}

// DeleteBuild removes a build row and its steps.
func DeleteBuild(conn *sqlite.Conn, buildID BuildID) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/delete.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id": int64(buildID),
		},
	})
	if err != nil {
		return fmt.Errorf("delete build %d: %v", buildID, err)
	}
	return nil
}

// BumpBuild rewrites a build's global priority.
func BumpBuild(conn *sqlite.Conn, buildID BuildID, globalPriority int) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/bump.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":build_id":        int64(buildID),
			":global_priority": globalPriority,
		},
	})
	if err != nil {
		return fmt.Errorf("bump build %d: %v", buildID, err)
	}
	return nil
}

// CheckCachedFailure reports whether any of the given output paths
// has a recorded failure marker.
func CheckCachedFailure(conn *sqlite.Conn, outputPaths []zbstore.Path) (bool, error) {
	for _, path := range outputPaths {
		n := 0
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "failure/check.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":path": string(path),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = int(stmt.GetInt64("n"))
				return nil
			},
		})
		if err != nil {
			return false, fmt.Errorf("check cached failure for %s: %v", path, err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// InsertFailedPaths records failure markers for the given output paths,
// attributed to the step that produced them.
func InsertFailedPaths(conn *sqlite.Conn, buildID BuildID, stepNr int, outputPaths []zbstore.Path) error {
	for _, path := range outputPaths {
		err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "failure/insert.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":path":     string(path),
				":build_id": int64(buildID),
				":step_nr":  stepNr,
			},
		})
		if err != nil {
			return fmt.Errorf("insert failed path %s: %v", path, err)
		}
	}
	return nil
}

// JobsetShares is a row of the jobsets table.
type JobsetShares struct {
	Project string
	Name    string
	Shares  int
}

// UpsertJobset ensures a jobset row exists
// and returns its current share count.
func UpsertJobset(conn *sqlite.Conn, project, name string) (shares int, err error) {
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "jobset/upsert.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":project": project,
			":name":    name,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("upsert jobset %s:%s: %v", project, name, err)
	}
	shares = 1
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "jobset/list.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.GetText("project") == project && stmt.GetText("name") == name {
				shares = int(stmt.GetInt64("shares"))
			}
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("upsert jobset %s:%s: %v", project, name, err)
	}
	return shares, nil
}

// ListJobsetShares returns all jobset rows.
func ListJobsetShares(conn *sqlite.Conn) ([]JobsetShares, error) {
	var result []JobsetShares
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "jobset/list.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = append(result, JobsetShares{
				Project: stmt.GetText("project"),
				Name:    stmt.GetText("name"),
				Shares:  int(stmt.GetInt64("shares")),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list jobset shares: %v", err)
	}
	return result, nil
}

// SetJobsetShares rewrites a jobset's share count.
func SetJobsetShares(conn *sqlite.Conn, project, name string, shares int) error {
	if shares < 1 {
		return fmt.Errorf("set jobset %s:%s shares: %d is not positive", project, name, shares)
	}
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "jobset/set_shares.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":project": project,
			":name":    name,
			":shares":  shares,
		},
	})
	if err != nil {
		return fmt.Errorf("set jobset %s:%s shares: %v", project, name, err)
	}
	return nil
}

// ClearBusy rewrites every step still marked busy to aborted.
// The scheduler calls this once at startup:
// busy steps can only be leftovers of a previous scheduler process.
func ClearBusy(conn *sqlite.Conn, stopTime time.Time) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "step/clear_busy.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":aborted":    int64(StepAborted),
			":stopped_at": stopTime.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("clear busy build steps: %v", err)
	}
	return nil
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil)
}

//go:embed sql/*/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
