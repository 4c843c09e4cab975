package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// ValidateCourse checks the prerequisite graph of course: no self references,
// no references outside the course and no cycles
func ValidateCourse(course *Course) error {
	index := make(map[string]int, len(course.Lessons))
	for i, l := range course.Lessons {
		if l.ID == "" {
			return fmt.Errorf("%w: lesson at position %d has no id", ErrInvalidCatalog, i)
		}
		if _, ok := index[l.ID]; ok {
			return fmt.Errorf("%w: duplicated lesson %s", ErrInvalidCatalog, l.ID)
		}
		index[l.ID] = i
	}

	for _, l := range course.Lessons {
		for _, p := range l.Prerequisites {
			if p == l.ID {
				return fmt.Errorf("%w: lesson %s lists itself as prerequisite", ErrInvalidCatalog, l.ID)
			}
			if _, ok := index[p]; !ok {
				return fmt.Errorf("%w: lesson %s requires %s which is not part of course %s", ErrInvalidCatalog, l.ID, p, course.ID)
			}
		}
		if l.Quiz != nil && l.Quiz.ID == "" {
			return fmt.Errorf("%w: quiz of lesson %s has no id", ErrInvalidCatalog, l.ID)
		}
	}

	if cycle := findCycle(course.Lessons); len(cycle) > 0 {
		return fmt.Errorf("%w: prerequisite cycle %s", ErrInvalidCatalog, strings.Join(cycle, " -> "))
	}
	return nil
}

// normalize rewrite lesson positions to a dense zero based order
func (c *Course) normalize() {
	for i, l := range c.Lessons {
		l.Index = i
		l.CourseID = c.ID
		if l.Prerequisites == nil {
			l.Prerequisites = []string{}
		}
	}
}

// findCycle runs Kahn's algorithm over lesson -> prerequisite edges and
// returns the lessons left with unresolved prerequisites, sorted
func findCycle(lessons []*Lesson) []string {
	pending := make(map[string]int, len(lessons))
	dependents := make(map[string][]string, len(lessons))
	for _, l := range lessons {
		seen := make(map[string]bool, len(l.Prerequisites))
		for _, p := range l.Prerequisites {
			if seen[p] {
				continue
			}
			seen[p] = true
			pending[l.ID]++
			dependents[p] = append(dependents[p], l.ID)
		}
	}

	var queue []string
	for _, l := range lessons {
		if pending[l.ID] == 0 {
			queue = append(queue, l.ID)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, d := range dependents[id] {
			pending[d]--
			if pending[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if resolved == len(lessons) {
		return nil
	}

	var stuck []string
	for id, n := range pending {
		if n > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}
