package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type frame struct {
	stream stdcopy.StdType
	data   string
}

// fakeDocker 模拟 Docker Engine，记录每次调用
type fakeDocker struct {
	mu sync.Mutex

	imageMissing     bool
	pullErr          error
	createErr        error
	createHangs      bool // ContainerCreate 等到 ctx 结束才返回
	startErr         error
	exitCode         int64
	frames           []frame
	blockUntilKilled bool
	orphans          []container.Summary

	pulls, creates, starts, kills, removes int
	lastConfig                             *container.Config
	lastHostConfig                         *container.HostConfig
	lastName                               string
	removed                                []string

	killed chan struct{}
}

var _ DockerAPI = (*fakeDocker)(nil)

func newFakeDocker() *fakeDocker {
	return &fakeDocker{killed: make(chan struct{})}
}

func (f *fakeDocker) ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imageMissing {
		return image.InspectResponse{}, errdefs.ErrNotFound
	}
	return image.InspectResponse{ID: "sha256:test"}, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.imageMissing = false
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	f.creates++
	f.lastConfig = config
	f.lastHostConfig = hostConfig
	f.lastName = containerName
	hangs := f.createHangs
	f.mu.Unlock()
	if hangs {
		<-ctx.Done()
		return container.CreateResponse{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "ctr-" + containerName}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		for _, fr := range f.frames {
			w := stdcopy.NewStdWriter(pw, fr.stream)
			if _, err := w.Write([]byte(fr.data)); err != nil {
				return
			}
		}
		if f.blockUntilKilled {
			select {
			case <-f.killed:
			case <-ctx.Done():
			}
		}
		pw.Close()
	}()
	return pr, nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		if f.blockUntilKilled {
			select {
			case <-f.killed:
				statusCh <- container.WaitResponse{StatusCode: 137}
			case <-ctx.Done():
				errCh <- ctx.Err()
			}
			return
		}
		statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	}()
	return statusCh, errCh
}

func (f *fakeDocker) ContainerKill(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	if f.kills == 1 {
		close(f.killed)
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !options.Force {
		return errors.New("expected forced removal")
	}
	f.removes++
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orphans, nil
}

func (f *fakeDocker) counts() (creates, removes, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.removes, f.kills
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Log(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
}

func (s *recordingSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}
