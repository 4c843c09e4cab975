package catalog

import (
	"context"
	"database/sql"

	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
)

// CatalogSQL catalog stored in the course, lesson, quiz and lesson_prerequisite tables
type CatalogSQL struct {
	Conn driver.ITransactionalDB
}

var _ CatalogRepository = &CatalogSQL{}

func NewCatalogRepository(Conn driver.ITransactionalDB) *CatalogSQL {
	return &CatalogSQL{
		Conn: Conn,
	}
}

func (repo *CatalogSQL) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	conn := repo.Conn
	tx, err := conn.BeginTx(ctx, &driver.TxOptions{
		Isolation:  sql.LevelRepeatableRead,
		AccessMode: driver.AccessReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Commit(ctx)

	course, err := repo.findCourse(ctx, tx, courseID)
	if err != nil || course == nil {
		return nil, err
	}
	if course.Lessons, err = repo.findLessons(ctx, tx, courseID); err != nil {
		return nil, err
	}
	if err := repo.attachPrerequisites(ctx, tx, course); err != nil {
		return nil, err
	}
	course.normalize()
	return course, nil
}

func (repo *CatalogSQL) findCourse(ctx context.Context, conn driver.ITransactionalDB, courseID string) (*Course, error) {
	rows, err := conn.QueryContext(ctx, `SELECT id, title FROM course WHERE id = $1`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrCourseNotFound
	}
	course := new(Course)
	if err := rows.Scan(&course.ID, &course.Title); err != nil {
		return nil, err
	}
	return course, nil
}

func (repo *CatalogSQL) findLessons(ctx context.Context, conn driver.ITransactionalDB, courseID string) ([]*Lesson, error) {
	rows, err := conn.QueryContext(ctx, `
SELECT
    l.id, l."index", l.title, l.media_url, l.duration,
    q.id, q.question_count, q.passing_score
FROM
    lesson l
        LEFT JOIN
    quiz q ON (q.lesson_id = l.id)
WHERE
    l.course_id = $1
ORDER BY l."index" ASC
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*Lesson{}
	for rows.Next() {
		var (
			item          = &Lesson{CourseID: courseID, Prerequisites: []string{}}
			quizID        sql.NullString
			questionCount sql.NullInt32
			passingScore  sql.NullFloat64
		)
		err := rows.Scan(&item.ID, &item.Index, &item.Title, &item.MediaURL, &item.DurationSeconds,
			&quizID, &questionCount, &passingScore)
		if err != nil {
			return nil, err
		}
		if quizID.Valid {
			item.Quiz = &Quiz{
				ID:            quizID.String,
				QuestionCount: int(questionCount.Int32),
				PassingScore:  passingScore.Float64,
			}
		}
		result = append(result, item)
	}
	return result, nil
}

func (repo *CatalogSQL) attachPrerequisites(ctx context.Context, conn driver.ITransactionalDB, course *Course) error {
	rows, err := conn.QueryContext(ctx, `
SELECT
    lp.lesson_id, lp.prerequisite_id
FROM
    lesson_prerequisite lp
        JOIN
    lesson l ON (l.id = lp.lesson_id)
WHERE
    l.course_id = $1
ORDER BY lp.lesson_id, lp.prerequisite_id
	`, course.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var lessonID, prerequisiteID string
		if err := rows.Scan(&lessonID, &prerequisiteID); err != nil {
			return err
		}
		if l, _, ok := course.Lesson(lessonID); ok {
			l.Prerequisites = append(l.Prerequisites, prerequisiteID)
		}
	}
	return nil
}
