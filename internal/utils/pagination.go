// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Paginate clamps page to >= 1 and size to [1, maxSize] (defaultSize when
// size <= 0) and returns the row offset for that page.
func Paginate(page, size, defaultSize, maxSize int) (offset, p, s int) {
	p, s = page, size
	if p < 1 {
		p = 1
	}
	if s <= 0 {
		s = defaultSize
	}
	if maxSize > 0 && s > maxSize {
		s = maxSize
	}
	return (p - 1) * s, p, s
}
