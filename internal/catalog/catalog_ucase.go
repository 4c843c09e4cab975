package catalog

import (
	"context"

	"go.elastic.co/apm"
)

// CatalogUseCaseImpl ...
type CatalogUseCaseImpl struct {
	CatalogRepository CatalogRepository
}

var _ CatalogUseCase = &CatalogUseCaseImpl{}

// NewCatalogUseCase ...
func NewCatalogUseCase(
	CatalogRepository CatalogRepository,
) *CatalogUseCaseImpl {
	return &CatalogUseCaseImpl{CatalogRepository}
}

// GetCourse load course and check its prerequisite graph
func (cu *CatalogUseCaseImpl) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "CatalogUseCaseImpl.GetCourse", "service")
	defer apmSpan.End()

	course, err := cu.CatalogRepository.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if err := ValidateCourse(course); err != nil {
		return nil, err
	}
	return course, nil
}

// GetLessons ordered lessons of course
func (cu *CatalogUseCaseImpl) GetLessons(ctx context.Context, courseID string) ([]*Lesson, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "CatalogUseCaseImpl.GetLessons", "service")
	defer apmSpan.End()

	course, err := cu.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return course.Lessons, nil
}

// CountLessons total lessons of course
func (cu *CatalogUseCaseImpl) CountLessons(ctx context.Context, courseID string) (int, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "CatalogUseCaseImpl.CountLessons", "service")
	defer apmSpan.End()

	course, err := cu.GetCourse(ctx, courseID)
	if err != nil {
		return 0, err
	}
	return len(course.Lessons), nil
}
