package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogDocument struct {
	Courses []*Course `yaml:"courses"`
}

// FileRepository catalog loaded once from a YAML document
type FileRepository struct {
	courses map[string]*Course
}

var _ CatalogRepository = &FileRepository{}

// NewFileRepository load and validate every course in the YAML file at path
func NewFileRepository(path string) (*FileRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog build a FileRepository from YAML data
func ParseCatalog(data []byte) (*FileRepository, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCatalog, err)
	}

	courses := make(map[string]*Course, len(doc.Courses))
	for _, c := range doc.Courses {
		if c.ID == "" {
			return nil, fmt.Errorf("%w: course without id", ErrInvalidCatalog)
		}
		if _, ok := courses[c.ID]; ok {
			return nil, fmt.Errorf("%w: duplicated course %s", ErrInvalidCatalog, c.ID)
		}
		c.normalize()
		if err := ValidateCourse(c); err != nil {
			return nil, err
		}
		courses[c.ID] = c
	}
	return &FileRepository{courses: courses}, nil
}

func (fr *FileRepository) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	c, ok := fr.courses[courseID]
	if !ok {
		return nil, ErrCourseNotFound
	}
	return c, nil
}
