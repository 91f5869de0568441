package workspace

import "errors"

var (
	ErrUnsafePath = errors.New("unsafe file path in bundle")

	ErrDuplicateFile = errors.New("duplicate file in bundle")

	ErrCreateFailed = errors.New("failed to create workspace")

	ErrWriteFailed = errors.New("failed to write workspace file")
)
