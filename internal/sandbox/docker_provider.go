package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// containerIP resolves the address the agent server inside a sandbox
// container is reachable at.
func containerIP(inspect container.InspectResponse, networkName string) string {
	if inspect.NetworkSettings != nil {
		if nw, ok := inspect.NetworkSettings.Networks[networkName]; ok && nw.IPAddress != "" {
			return nw.IPAddress
		}
		if inspect.NetworkSettings.IPAddress != "" {
			return inspect.NetworkSettings.IPAddress
		}
	}
	return "127.0.0.1"
}

// DockerSandboxProvider implements Provider against a local Docker daemon,
// for running the Session Agent core against dev-mode sandboxes instead of
// a remote fleet. A "snapshot" here is simply the stopped-but-not-removed
// container: pause stops it, resume starts it again, and the Docker
// container id itself doubles as the "snapshot id".
type DockerSandboxProvider struct {
	cli     *client.Client
	image   string
	network string
	subnet  string
}

const (
	dockerCreateRetryAttempts = 20
	dockerCreateRetryDelay    = 250 * time.Millisecond
	dockerStopTimeoutSecs     = 10
)

// NewDockerSandboxProvider connects to the local Docker daemon.
func NewDockerSandboxProvider(image, networkName, subnet string) (*DockerSandboxProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerSandboxProvider{cli: cli, image: image, network: networkName, subnet: subnet}, nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist,
// idempotently, the same pattern the reference implementation uses for its
// playground network.
func (p *DockerSandboxProvider) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := p.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == p.network {
			return nw.ID, nil
		}
	}

	resp, err := p.cli.NetworkCreate(ctx, p.network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: p.subnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", p.network, err)
	}
	slog.Info("sandbox network created", "network_id", resp.ID, "subnet", p.subnet)
	return resp.ID, nil
}

func (p *DockerSandboxProvider) CreateSandbox(ctx context.Context, in CreateSandboxInput) (CreateSandboxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutCreateSandbox)
	defer cancel()

	name := "agentsandbox-" + sanitizeRepo(in.Repo) + "-" + randSuffix()

	config := &container.Config{
		Image: p.image,
		Env:   []string{"REPO=" + in.Repo, "GIT_CREDENTIAL=" + in.GitCredential, "PROVIDER_API_KEY=" + in.ProviderAPIKey},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.network),
	}

	var resp container.CreateResponse
	var createErr error
	for attempt := 0; attempt < dockerCreateRetryAttempts; attempt++ {
		resp, createErr = p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return CreateSandboxResult{}, &Error{Kind: FailureBadRequest, Op: "CreateSandbox", Cause: createErr}
		}
		slog.Warn("sandbox container name conflict, retrying", "name", name, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return CreateSandboxResult{}, ctx.Err()
		case <-time.After(dockerCreateRetryDelay):
		}
	}
	if createErr != nil {
		return CreateSandboxResult{}, &Error{Kind: FailureTransient5xx, Op: "CreateSandbox", Cause: createErr}
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return CreateSandboxResult{}, &Error{Kind: FailureTransient5xx, Op: "CreateSandbox", Cause: err}
	}

	inspect, err := p.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return CreateSandboxResult{}, &Error{Kind: FailureTransient5xx, Op: "CreateSandbox", Cause: err}
	}

	tunnelURL := fmt.Sprintf("http://%s:8090", containerIP(inspect, p.network))
	slog.Info("sandbox container created", "sandbox_id", resp.ID, "tunnel_url", tunnelURL)
	return CreateSandboxResult{SandboxID: resp.ID, TunnelURL: tunnelURL}, nil
}

// PauseSandbox stops (without removing) the container; the container id is
// reused as the snapshot id since restart only needs the id.
func (p *DockerSandboxProvider) PauseSandbox(ctx context.Context, sandboxID string) (PauseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutPauseSandbox)
	defer cancel()

	timeout := dockerStopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return PauseResult{}, &Error{Kind: FailureConflict, Op: "PauseSandbox", Message: "sandbox already gone"}
		}
		return PauseResult{}, &Error{Kind: FailureTransient5xx, Op: "PauseSandbox", Cause: err}
	}
	return PauseResult{SnapshotID: sandboxID}, nil
}

// SnapshotSandbox has no separate snapshot operation to call against a local
// container: it leaves the container as it is (running or not) and returns
// the container id as the snapshot id, the same id PauseSandbox returns.
func (p *DockerSandboxProvider) SnapshotSandbox(ctx context.Context, sandboxID string) (PauseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutSnapshotExplicit)
	defer cancel()
	running, err := p.isRunning(ctx, sandboxID)
	if err != nil {
		return PauseResult{}, &Error{Kind: FailureTransient5xx, Op: "SnapshotSandbox", Cause: err}
	}
	if !running {
		return PauseResult{SnapshotID: sandboxID}, nil
	}
	return PauseResult{SnapshotID: sandboxID}, nil
}

func (p *DockerSandboxProvider) ResumeSandbox(ctx context.Context, snapshotID string) (CreateSandboxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutResumeSandbox)
	defer cancel()

	inspect, err := p.cli.ContainerInspect(ctx, snapshotID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return CreateSandboxResult{}, &Error{Kind: FailureNotFound, Op: "ResumeSandbox", Cause: err}
		}
		return CreateSandboxResult{}, &Error{Kind: FailureTransient5xx, Op: "ResumeSandbox", Cause: err}
	}

	if !inspect.State.Running {
		if err := p.cli.ContainerStart(ctx, snapshotID, container.StartOptions{}); err != nil {
			return CreateSandboxResult{}, &Error{Kind: FailureTransient5xx, Op: "ResumeSandbox", Cause: err}
		}
		inspect, err = p.cli.ContainerInspect(ctx, snapshotID)
		if err != nil {
			return CreateSandboxResult{}, &Error{Kind: FailureTransient5xx, Op: "ResumeSandbox", Cause: err}
		}
	}

	tunnelURL := fmt.Sprintf("http://%s:8090", containerIP(inspect, p.network))
	return CreateSandboxResult{SandboxID: snapshotID, TunnelURL: tunnelURL}, nil
}

// TerminateSandbox stops and removes the container, idempotently swallowing
// already-gone errors, matching the reference implementation's StopContainer.
func (p *DockerSandboxProvider) TerminateSandbox(ctx context.Context, sandboxID string) error {
	ctx, cancel := context.WithTimeout(ctx, TimeoutTerminate)
	defer cancel()

	if _, err := p.cli.ContainerInspect(ctx, sandboxID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
	}

	timeout := dockerStopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("sandbox stop returned error, continuing to remove", "sandbox_id", sandboxID, "error", err)
	}

	if err := p.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		slog.Warn("terminate sandbox: remove failed, swallowing", "sandbox_id", sandboxID, "error", err)
	}
	return nil
}

func (p *DockerSandboxProvider) isRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State.Running, nil
}

func sanitizeRepo(repo string) string {
	return strings.NewReplacer("/", "-", " ", "-").Replace(repo)
}

func randSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000)
}

var _ Provider = (*DockerSandboxProvider)(nil)
