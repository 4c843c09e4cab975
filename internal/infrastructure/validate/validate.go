package validate

// FieldError field error to be nested by other errors
type FieldError struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

// NewFieldError create new field error
func NewFieldError(domain string, reason string) *FieldError {
	return &FieldError{domain, reason}
}

// Validator .
type Validator interface {
	// Struct validate struct fields using `validate` tags
	Struct(s interface{}) []*FieldError
	// Var validate a single value against tag, name is used as the error domain
	Var(name string, value interface{}, tag string) []*FieldError
	// Empty check if value is empty
	Empty(name string, value interface{}) []*FieldError
}
