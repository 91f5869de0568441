package sandbox

import "errors"

var (
	ErrImagePullFailed = errors.New("failed to pull image")

	ErrContainerCreateFailed = errors.New("failed to create container")

	ErrContainerStartFailed = errors.New("failed to start container")

	ErrLogStreamFailed = errors.New("failed to stream container logs")

	ErrWaitFailed = errors.New("failed to wait for container")
)
