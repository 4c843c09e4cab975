package uuid

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid"
)

// Generator UUID generator interface
type Generator interface {
	Generate() (string, error)
}

// NanoIDGenerator UUID implementation using NanoID
type NanoIDGenerator struct {
	Length int
	Prefix string // prepended to every id, eg. "qa_"
}

var _ Generator = &NanoIDGenerator{}

// NewNanoIDGenerator create a new `NanoIDGenerator` instance
func NewNanoIDGenerator(length int) *NanoIDGenerator {
	if length < 1 {
		panic("length must be larger than 1")
	}
	return &NanoIDGenerator{Length: length}
}

// WithPrefix returns a copy that prefixes generated ids
func (ns *NanoIDGenerator) WithPrefix(prefix string) *NanoIDGenerator {
	return &NanoIDGenerator{Length: ns.Length, Prefix: prefix}
}

// Generate generate UUID
func (ns *NanoIDGenerator) Generate() (string, error) {
	id, err := gonanoid.Nanoid(ns.Length)
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return ns.Prefix + id, nil
}
