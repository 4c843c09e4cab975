package progress

import (
	"context"
	"database/sql"
	"time"

	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
	"go.elastic.co/apm"
)

// ProgressSQL progress stored in lesson_progress, course_progress and quiz_attempt.
// Requires parseTime=true on mysql.
type ProgressSQL struct {
	Conn    driver.ITransactionalDB
	Counter LessonCounter
	now     func() time.Time
}

var _ Store = &ProgressSQL{}

func NewProgressRepository(Conn driver.ITransactionalDB, Counter LessonCounter) *ProgressSQL {
	return &ProgressSQL{
		Conn:    Conn,
		Counter: Counter,
		now:     time.Now,
	}
}

// upsert statements per dialect, completion flags are only ever set to TRUE
var upserts = map[string]map[string]string{
	driver.DriverPostgres: {
		"lesson": `
INSERT INTO lesson_progress (learner_id, course_id, cohort_id, lesson_id, completed, updated_at)
VALUES ($1, $2, $3, $4, TRUE, $5)
ON CONFLICT (learner_id, course_id, cohort_id, lesson_id)
DO UPDATE SET completed = TRUE, updated_at = EXCLUDED.updated_at`,
		"quiz": `
INSERT INTO lesson_progress (learner_id, course_id, cohort_id, lesson_id, quiz_completed, updated_at)
VALUES ($1, $2, $3, $4, TRUE, $5)
ON CONFLICT (learner_id, course_id, cohort_id, lesson_id)
DO UPDATE SET quiz_completed = TRUE, updated_at = EXCLUDED.updated_at`,
		"last": `
INSERT INTO course_progress (learner_id, course_id, cohort_id, last_lesson_id, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (learner_id, course_id, cohort_id)
DO UPDATE SET last_lesson_id = EXCLUDED.last_lesson_id, updated_at = EXCLUDED.updated_at`,
		"playback": `
INSERT INTO lesson_progress (learner_id, course_id, cohort_id, lesson_id,
    last_position, progress_percentage, playback_rate, position_updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (learner_id, course_id, cohort_id, lesson_id)
DO UPDATE SET
    last_position = EXCLUDED.last_position,
    progress_percentage = EXCLUDED.progress_percentage,
    playback_rate = EXCLUDED.playback_rate,
    position_updated_at = EXCLUDED.position_updated_at
WHERE lesson_progress.position_updated_at IS NULL
    OR lesson_progress.position_updated_at <= EXCLUDED.position_updated_at`,
	},
	driver.DriverMySQL: {
		"lesson": `
INSERT INTO lesson_progress (learner_id, course_id, cohort_id, lesson_id, completed, updated_at)
VALUES ($1, $2, $3, $4, TRUE, $5)
ON DUPLICATE KEY UPDATE completed = TRUE, updated_at = VALUES(updated_at)`,
		"quiz": `
INSERT INTO lesson_progress (learner_id, course_id, cohort_id, lesson_id, quiz_completed, updated_at)
VALUES ($1, $2, $3, $4, TRUE, $5)
ON DUPLICATE KEY UPDATE quiz_completed = TRUE, updated_at = VALUES(updated_at)`,
		"last": `
INSERT INTO course_progress (learner_id, course_id, cohort_id, last_lesson_id, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON DUPLICATE KEY UPDATE last_lesson_id = VALUES(last_lesson_id), updated_at = VALUES(updated_at)`,
		// position_updated_at is assigned last so the guards compare against the stored value
		"playback": `
INSERT INTO lesson_progress (learner_id, course_id, cohort_id, lesson_id,
    last_position, progress_percentage, playback_rate, position_updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON DUPLICATE KEY UPDATE
    last_position = IF(position_updated_at IS NULL OR position_updated_at <= VALUES(position_updated_at), VALUES(last_position), last_position),
    progress_percentage = IF(position_updated_at IS NULL OR position_updated_at <= VALUES(position_updated_at), VALUES(progress_percentage), progress_percentage),
    playback_rate = IF(position_updated_at IS NULL OR position_updated_at <= VALUES(position_updated_at), VALUES(playback_rate), playback_rate),
    position_updated_at = GREATEST(COALESCE(position_updated_at, VALUES(position_updated_at)), VALUES(position_updated_at))`,
	},
}

func (repo *ProgressSQL) stmt(conn driver.ITransactionalDB, name string) string {
	return upserts[conn.Dialect()][name]
}

func (repo *ProgressSQL) GetProgress(ctx context.Context, key Key) (*Record, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "ProgressSQL.GetProgress", "db")
	defer apmSpan.End()

	tx, err := repo.Conn.BeginTx(ctx, &driver.TxOptions{
		Isolation:  sql.LevelRepeatableRead,
		AccessMode: driver.AccessReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Commit(ctx)

	record := NewRecord()
	found, err := repo.findLastLesson(ctx, tx, key, record)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
SELECT
    lesson_id, completed, quiz_completed,
    last_position, progress_percentage, playback_rate, position_updated_at
FROM
    lesson_progress
WHERE
    learner_id = $1 AND course_id = $2 AND cohort_id = $3
	`, key.LearnerID, key.CourseID, key.CohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lessonID                 string
			completed, quizCompleted sql.NullBool
			position, percent, rate  sql.NullFloat64
			positionUpdatedAt        sql.NullTime
		)
		if err := rows.Scan(&lessonID, &completed, &quizCompleted,
			&position, &percent, &rate, &positionUpdatedAt); err != nil {
			return nil, err
		}
		found = true
		if completed.Bool {
			record.CompletedLessons.Add(lessonID)
		}
		if quizCompleted.Bool {
			record.CompletedQuizzes.Add(lessonID)
		}
		if positionUpdatedAt.Valid {
			record.Playback[lessonID] = &Playback{
				PositionSeconds: position.Float64,
				Percent:         percent.Float64,
				Rate:            rate.Float64,
				UpdatedAt:       positionUpdatedAt.Time,
			}
		}
	}

	if !found {
		return nil, ErrProgressNotFound
	}
	return record, nil
}

func (repo *ProgressSQL) findLastLesson(ctx context.Context, conn driver.ITransactionalDB, key Key, record *Record) (bool, error) {
	rows, err := conn.QueryContext(ctx, `
SELECT last_lesson_id FROM course_progress
WHERE learner_id = $1 AND course_id = $2 AND cohort_id = $3
	`, key.LearnerID, key.CourseID, key.CohortID)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return false, nil
	}
	var last sql.NullString
	if err := rows.Scan(&last); err != nil {
		return false, err
	}
	record.LastAccessedLesson = last.String
	return true, nil
}

func (repo *ProgressSQL) MarkLessonComplete(ctx context.Context, key Key, lessonID string) (err error) {
	apmSpan, ctx := apm.StartSpan(ctx, "ProgressSQL.MarkLessonComplete", "db")
	defer apmSpan.End()

	tx, err := repo.Conn.BeginTx(ctx, &driver.TxOptions{
		Isolation:  sql.LevelReadCommitted,
		AccessMode: driver.AccessReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	now := repo.now().UTC()
	if _, err = tx.ExecContext(ctx, repo.stmt(tx, "lesson"),
		key.LearnerID, key.CourseID, key.CohortID, lessonID, now); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, repo.stmt(tx, "last"),
		key.LearnerID, key.CourseID, key.CohortID, lessonID, now)
	return err
}

func (repo *ProgressSQL) MarkQuizComplete(ctx context.Context, key Key, attempt *QuizAttempt) (err error) {
	apmSpan, ctx := apm.StartSpan(ctx, "ProgressSQL.MarkQuizComplete", "db")
	defer apmSpan.End()

	tx, err := repo.Conn.BeginTx(ctx, &driver.TxOptions{
		Isolation:  sql.LevelReadCommitted,
		AccessMode: driver.AccessReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	submittedAt := attempt.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = repo.now()
	}
	answers := []byte(attempt.Answers)
	if len(answers) == 0 {
		answers = []byte("null")
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO quiz_attempt (id, learner_id, course_id, cohort_id, lesson_id, quiz_id, score, passed, answers, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, attempt.ID, key.LearnerID, key.CourseID, key.CohortID, attempt.LessonID, attempt.QuizID,
		attempt.Score, attempt.Passed, string(answers), submittedAt.UTC()); err != nil {
		return err
	}
	if !attempt.Passed {
		return nil
	}
	_, err = tx.ExecContext(ctx, repo.stmt(tx, "quiz"),
		key.LearnerID, key.CourseID, key.CohortID, attempt.LessonID, submittedAt.UTC())
	return err
}

func (repo *ProgressSQL) UpdateLessonProgress(ctx context.Context, key Key, lessonID string, update *PlaybackUpdate) error {
	conn := repo.Conn
	_, err := conn.ExecContext(ctx, repo.stmt(conn, "playback"),
		key.LearnerID, key.CourseID, key.CohortID, lessonID,
		update.LastPosition, update.ProgressPercentage, update.PlaybackRate, repo.now().UTC())
	return err
}

func (repo *ProgressSQL) GetEnrollmentProgress(ctx context.Context, key Key) (*Enrollment, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "ProgressSQL.GetEnrollmentProgress", "db")
	defer apmSpan.End()

	total, err := repo.Counter.CountLessons(ctx, key.CourseID)
	if err != nil {
		return nil, err
	}

	rows, err := repo.Conn.QueryContext(ctx, `
SELECT COUNT(*) FROM lesson_progress
WHERE learner_id = $1 AND course_id = $2 AND cohort_id = $3 AND completed = TRUE
	`, key.LearnerID, key.CourseID, key.CohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var completed int
	if rows.Next() {
		if err := rows.Scan(&completed); err != nil {
			return nil, err
		}
	}
	return NewEnrollment(key.CourseID, completed, total), nil
}

func (repo *ProgressSQL) Reset(ctx context.Context, key Key) (err error) {
	tx, err := repo.Conn.BeginTx(ctx, &driver.TxOptions{
		Isolation:  sql.LevelReadCommitted,
		AccessMode: driver.AccessReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	for _, table := range []string{"lesson_progress", "course_progress", "quiz_attempt"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+`
WHERE learner_id = $1 AND course_id = $2 AND cohort_id = $3`,
			key.LearnerID, key.CourseID, key.CohortID); err != nil {
			return err
		}
	}
	return nil
}
