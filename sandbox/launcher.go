package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Limits caps the resources of one sandbox.
type Limits struct {
	MemoryMB    int
	CPUs        int
	TmpfsSizeMB int
}

// Spec describes the sandbox to launch for a session.
type Spec struct {
	SessionID       string
	Image           string
	MemoryBacked    bool   // tmpfs working area when true, host bind mount when false
	HostSessionDir  string // bind-mount source for disk mode; also used for host-side logs
	ReadonlyDataDir string // optional host dir mounted read-only at /data
	Limits          Limits
}

// Box is a handle to one running sandbox: its execution channel, its
// workspace, and its lifecycle.
type Box interface {
	Exec(ctx context.Context, code string, timeout time.Duration) (ExecResult, error)
	Healthy(ctx context.Context) bool
	Workspace() Workspace
	Stop(ctx context.Context) error
}

// Launcher creates sandboxes. The production implementation drives the
// docker CLI; tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Box, error)
}

// DockerLauncher implements Launcher using the docker CLI through a
// CommandRunner, the same way the rest of the system shells out to
// container engines.
type DockerLauncher struct {
	logger          *zap.Logger
	runner          CommandRunner
	replPort        int
	healthProbes    int
	healthProbeWait time.Duration
}

// DockerLauncherOption defines a functional option for DockerLauncher
type DockerLauncherOption func(*DockerLauncher)

// WithCommandRunner sets the CommandRunner for DockerLauncher
func WithCommandRunner(runner CommandRunner) DockerLauncherOption {
	return func(l *DockerLauncher) {
		l.runner = runner
	}
}

// WithHealthProbing sets the probe count and interval used while waiting
// for a freshly launched REPL to come up.
func WithHealthProbing(probes int, wait time.Duration) DockerLauncherOption {
	return func(l *DockerLauncher) {
		l.healthProbes = probes
		l.healthProbeWait = wait
	}
}

// NewDockerLauncher creates a DockerLauncher. replPort is the port the
// REPL listens on inside the container.
func NewDockerLauncher(logger *zap.Logger, replPort int, opts ...DockerLauncherOption) *DockerLauncher {
	l := &DockerLauncher{
		logger:          logger,
		runner:          &RealCommandRunner{},
		replPort:        replPort,
		healthProbes:    50,
		healthProbeWait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func containerName(sessionID string) string {
	return "replbox-" + sessionID
}

// Launch starts (or reattaches to) the container for spec.SessionID and
// waits for its REPL to answer health probes. A container with the
// session's stable name that survived a process restart is reused rather
// than recreated, preserving its interpreter state.
func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Box, error) {
	name := containerName(spec.SessionID)

	reattached, err := l.reattach(ctx, name)
	if err != nil {
		return nil, err
	}
	if !reattached {
		if err := l.runContainer(ctx, name, spec); err != nil {
			return nil, err
		}
	}

	hostPort, err := l.mappedPort(ctx, name)
	if err != nil {
		l.removeContainer(ctx, name)
		return nil, err
	}

	client := NewReplClient(fmt.Sprintf("http://127.0.0.1:%d", hostPort))
	if err := l.awaitHealthy(ctx, client); err != nil {
		l.removeContainer(ctx, name)
		return nil, err
	}

	var ws Workspace
	if spec.MemoryBacked {
		ws = NewReplWorkspace(client)
	} else {
		ws = NewHostWorkspace(spec.HostSessionDir)
	}

	l.logger.Info("sandbox ready",
		zap.String("session_id", spec.SessionID),
		zap.String("container", name),
		zap.Int("host_port", hostPort),
		zap.Bool("memory_backed", spec.MemoryBacked),
		zap.Bool("reattached", reattached))

	return &dockerBox{
		name:      name,
		client:    client,
		workspace: ws,
		launcher:  l,
	}, nil
}

// reattach reuses an existing container with the given name, starting it
// if it is stopped. Returns false when no such container exists.
func (l *DockerLauncher) reattach(ctx context.Context, name string) (bool, error) {
	stdout, _, exitCode, err := l.runner.RunCommand(ctx,
		[]string{"docker", "inspect", "-f", "{{.State.Running}}", name})
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if exitCode != 0 {
		// No such container
		return false, nil
	}
	if strings.TrimSpace(stdout) != "true" {
		_, stderr, exitCode, err := l.runner.RunCommand(ctx, []string{"docker", "start", name})
		if err != nil {
			return false, fmt.Errorf("failed to start container %s: %w", name, err)
		}
		if exitCode != 0 {
			return false, fmt.Errorf("docker start %s failed: %s", name, strings.TrimSpace(stderr))
		}
	}
	return true, nil
}

// runContainer creates a fresh sandbox container for spec.
func (l *DockerLauncher) runContainer(ctx context.Context, name string, spec Spec) error {
	args := []string{
		"docker", "run", "-d",
		"--name", name,
		"--memory", fmt.Sprintf("%dm", spec.Limits.MemoryMB),
		"--cpus", strconv.Itoa(spec.Limits.CPUs),
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
		// Random host port so parallel sessions never collide.
		"-p", fmt.Sprintf("127.0.0.1::%d", l.replPort),
	}

	if spec.MemoryBacked {
		args = append(args, "--tmpfs",
			fmt.Sprintf("%s:rw,size=%dm", ContainerSessionDir, spec.Limits.TmpfsSizeMB))
	} else {
		args = append(args, "-v",
			fmt.Sprintf("%s:%s", spec.HostSessionDir, ContainerSessionDir))
	}

	if spec.ReadonlyDataDir != "" {
		args = append(args, "-v",
			fmt.Sprintf("%s:%s:ro", spec.ReadonlyDataDir, ContainerReadonlyDir))
	}

	args = append(args, spec.Image)

	_, stderr, exitCode, err := l.runner.RunCommand(ctx, args)
	if err != nil {
		return fmt.Errorf("failed to run container %s: %w", name, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("docker run %s failed: %s", name, strings.TrimSpace(stderr))
	}
	return nil
}

// mappedPort resolves the host port docker assigned to the REPL port.
func (l *DockerLauncher) mappedPort(ctx context.Context, name string) (int, error) {
	stdout, stderr, exitCode, err := l.runner.RunCommand(ctx,
		[]string{"docker", "port", name, fmt.Sprintf("%d/tcp", l.replPort)})
	if err != nil {
		return 0, fmt.Errorf("failed to resolve port for %s: %w", name, err)
	}
	if exitCode != 0 {
		return 0, fmt.Errorf("docker port %s failed: %s", name, strings.TrimSpace(stderr))
	}
	// Output looks like "127.0.0.1:49153" (possibly multiple lines).
	line := strings.TrimSpace(strings.SplitN(stdout, "\n", 2)[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected docker port output for %s: %q", name, stdout)
	}
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected docker port output for %s: %q", name, stdout)
	}
	return port, nil
}

// awaitHealthy polls the REPL health endpoint until it answers.
func (l *DockerLauncher) awaitHealthy(ctx context.Context, client *ReplClient) error {
	for i := 0; i < l.healthProbes; i++ {
		if client.Health(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox health wait canceled: %w", ctx.Err())
		case <-time.After(l.healthProbeWait):
		}
	}
	return fmt.Errorf("sandbox REPL did not become healthy after %d probes", l.healthProbes)
}

func (l *DockerLauncher) removeContainer(ctx context.Context, name string) {
	_, stderr, exitCode, err := l.runner.RunCommand(ctx, []string{"docker", "rm", "-f", name})
	if err != nil || exitCode != 0 {
		l.logger.Warn("failed to remove container",
			zap.String("container", name),
			zap.String("stderr", strings.TrimSpace(stderr)),
			zap.Error(err))
	}
}

// dockerBox is the Box for a docker-launched sandbox.
type dockerBox struct {
	name      string
	client    *ReplClient
	workspace Workspace
	launcher  *DockerLauncher
}

func (b *dockerBox) Exec(ctx context.Context, code string, timeout time.Duration) (ExecResult, error) {
	return b.client.Exec(ctx, code, timeout)
}

func (b *dockerBox) Healthy(ctx context.Context) bool {
	return b.client.Health(ctx)
}

func (b *dockerBox) Workspace() Workspace {
	return b.workspace
}

// Stop force-removes the container. Idempotent: removing an already-gone
// container only logs.
func (b *dockerBox) Stop(ctx context.Context) error {
	b.launcher.removeContainer(ctx, b.name)
	return nil
}
