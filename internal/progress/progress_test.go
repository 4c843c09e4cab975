package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
)

type fixedCounter int

func (c fixedCounter) CountLessons(ctx context.Context, courseID string) (int, error) {
	return int(c), nil
}

func memoryKV(t *testing.T) *driver.MemoryKV {
	t.Helper()
	kv, err := driver.NewMemoryKV()
	if err != nil {
		t.Fatalf("NewMemoryKV: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

var testKey = Key{LearnerID: "learner", CourseID: "course"}

func TestProgressKVNotFound(t *testing.T) {
	store := NewProgressKV(memoryKV(t), fixedCounter(4))
	if _, err := store.GetProgress(context.Background(), testKey); !errors.Is(err, ErrProgressNotFound) {
		t.Fatalf("err = %v, want ErrProgressNotFound", err)
	}
}

func TestProgressKVMarkLessonCompleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewProgressKV(memoryKV(t), fixedCounter(4))

	for i := 0; i < 2; i++ {
		if err := store.MarkLessonComplete(ctx, testKey, "a"); err != nil {
			t.Fatalf("MarkLessonComplete: %v", err)
		}
	}
	record, err := store.GetProgress(ctx, testKey)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if got := record.CompletedLessons.Slice(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("completed lessons = %v, want [a]", got)
	}
	if record.LastAccessedLesson != "a" {
		t.Fatalf("last accessed = %q, want a", record.LastAccessedLesson)
	}
}

func TestProgressKVPlaybackNeverUncompletes(t *testing.T) {
	ctx := context.Background()
	store := NewProgressKV(memoryKV(t), fixedCounter(4))

	store.MarkLessonComplete(ctx, testKey, "a")
	store.MarkQuizComplete(ctx, testKey, &QuizAttempt{ID: "1", LessonID: "a", QuizID: "q", Passed: true})
	for _, pct := range []float64{10, 0, 50} {
		if err := store.UpdateLessonProgress(ctx, testKey, "a", &PlaybackUpdate{ProgressPercentage: pct, LastPosition: pct}); err != nil {
			t.Fatalf("UpdateLessonProgress: %v", err)
		}
	}

	record, _ := store.GetProgress(ctx, testKey)
	if !record.CompletedLessons.Has("a") || !record.CompletedQuizzes.Has("a") {
		t.Fatalf("completion lost after playback updates: %+v", record)
	}
	if p := record.Playback["a"]; p == nil || p.Percent != 50 {
		t.Fatalf("playback = %+v, want last update", p)
	}
}

func TestProgressKVFailedQuizKeepsGate(t *testing.T) {
	ctx := context.Background()
	store := NewProgressKV(memoryKV(t), fixedCounter(4))

	store.MarkLessonComplete(ctx, testKey, "a")
	store.MarkQuizComplete(ctx, testKey, &QuizAttempt{ID: "1", LessonID: "a", QuizID: "q", Score: 10})
	record, _ := store.GetProgress(ctx, testKey)
	if record.CompletedQuizzes.Has("a") {
		t.Fatalf("failed attempt must not complete the quiz")
	}
}

func TestProgressKVCohortScope(t *testing.T) {
	ctx := context.Background()
	store := NewProgressKV(memoryKV(t), fixedCounter(4))
	cohort := Key{LearnerID: "learner", CourseID: "course", CohortID: "spring"}

	store.MarkLessonComplete(ctx, cohort, "a")
	if _, err := store.GetProgress(ctx, testKey); !errors.Is(err, ErrProgressNotFound) {
		t.Fatalf("cohort progress leaked into the default record: %v", err)
	}
}

func TestProgressKVEnrollmentAndReset(t *testing.T) {
	ctx := context.Background()
	store := NewProgressKV(memoryKV(t), fixedCounter(3))

	store.MarkLessonComplete(ctx, testKey, "a")
	e, err := store.GetEnrollmentProgress(ctx, testKey)
	if err != nil {
		t.Fatalf("GetEnrollmentProgress: %v", err)
	}
	if e.ProgressPercentage != 33.33 || e.CompletedLessons != 1 || e.TotalLessons != 3 {
		t.Fatalf("enrollment = %+v", e)
	}

	if err := store.Reset(ctx, testKey); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := store.GetProgress(ctx, testKey); !errors.Is(err, ErrProgressNotFound) {
		t.Fatalf("record should be gone after reset, got %v", err)
	}
}

func TestNewEnrollment(t *testing.T) {
	if e := NewEnrollment("c", 0, 0); e.ProgressPercentage != 0 {
		t.Fatalf("empty course percentage = %v", e.ProgressPercentage)
	}
	if e := NewEnrollment("c", 5, 4); e.ProgressPercentage != 100 || e.CompletedLessons != 4 {
		t.Fatalf("overflow enrollment = %+v", e)
	}
}

func TestRecordJSON(t *testing.T) {
	r := NewRecord()
	r.CompletedLessons.Add("b")
	r.CompletedLessons.Add("a")

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"completed_lessons":["a","b"]`) {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestRecordMerge(t *testing.T) {
	older := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecord()
	r.CompletedLessons.Add("a")
	r.Playback["a"] = &Playback{Percent: 90, UpdatedAt: older.Add(time.Minute)}

	other := NewRecord()
	other.CompletedLessons.Add("b")
	other.CompletedQuizzes.Add("b")
	other.LastAccessedLesson = "b"
	other.Playback["a"] = &Playback{Percent: 10, UpdatedAt: older}

	r.Merge(other)
	if !r.CompletedLessons.Has("a") || !r.CompletedLessons.Has("b") || !r.CompletedQuizzes.Has("b") {
		t.Fatalf("merge lost completion: %+v", r)
	}
	if r.Playback["a"].Percent != 90 {
		t.Fatalf("older playback overwrote newer one")
	}
	if r.LastAccessedLesson != "b" {
		t.Fatalf("last accessed = %q, want b", r.LastAccessedLesson)
	}
}

// recordingDB captures statements sent to the driver
type recordingDB struct {
	dialect string
	queries []string
}

func (db *recordingDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	db.queries = append(db.queries, query)
	return nil, nil
}

func (db *recordingDB) QueryContext(ctx context.Context, query string, args ...interface{}) (driver.ISQLRows, error) {
	db.queries = append(db.queries, query)
	return nil, errors.New("not implemented")
}

func (db *recordingDB) BeginTx(ctx context.Context, opts *driver.TxOptions) (driver.ITransactionalDB, error) {
	return db, nil
}

func (db *recordingDB) Commit(ctx context.Context) error   { return nil }
func (db *recordingDB) Rollback(ctx context.Context) error { return nil }
func (db *recordingDB) Close(ctx context.Context) error    { return nil }
func (db *recordingDB) Ping(ctx context.Context) error     { return nil }
func (db *recordingDB) Dialect() string                    { return db.dialect }

func TestProgressSQLDialects(t *testing.T) {
	cases := map[string]string{
		driver.DriverPostgres: "ON CONFLICT",
		driver.DriverMySQL:    "ON DUPLICATE KEY",
	}
	for dialect, marker := range cases {
		db := &recordingDB{dialect: dialect}
		repo := NewProgressRepository(db, fixedCounter(1))

		if err := repo.MarkLessonComplete(context.Background(), testKey, "a"); err != nil {
			t.Fatalf("%s MarkLessonComplete: %v", dialect, err)
		}
		if err := repo.UpdateLessonProgress(context.Background(), testKey, "a", &PlaybackUpdate{}); err != nil {
			t.Fatalf("%s UpdateLessonProgress: %v", dialect, err)
		}
		if len(db.queries) != 3 {
			t.Fatalf("%s queries = %d, want 3", dialect, len(db.queries))
		}
		for _, q := range db.queries {
			if !strings.Contains(q, marker) {
				t.Fatalf("%s statement missing %q: %s", dialect, marker, q)
			}
		}
		if strings.Contains(db.queries[2], "completed") {
			t.Fatalf("%s playback upsert must not touch completion columns", dialect)
		}
	}
}
