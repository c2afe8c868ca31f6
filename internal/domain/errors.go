package domain

import "errors"

var (
	// ErrStructure reports a document node that is absent or has the wrong shape.
	ErrStructure = errors.New("document structure")

	// ErrFormat reports a field that is present but does not parse as the expected scalar.
	ErrFormat = errors.New("field format")
)
