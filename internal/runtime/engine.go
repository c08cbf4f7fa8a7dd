package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerSpec describes one isolated container to allocate.
type ContainerSpec struct {
	Image       string
	MemoryMB    int64
	CPUShares   int64
	ServicePort int
	NetworkMode string
	MaxRetries  int
	Labels      map[string]string
}

// EngineStats is one raw cumulative usage sample from the engine.
type EngineStats struct {
	CPUTotal    uint64
	SystemTotal uint64
	OnlineCPUs  int
	MemoryBytes uint64
}

// Engine abstracts the container engine so the manager and pool can be
// tested against a fake.
type Engine interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	HostPort(ctx context.Context, containerID string, servicePort int) (int, error)
	CopyTo(ctx context.Context, containerID, path string, archive io.Reader) error
	Exec(ctx context.Context, containerID string, cmd []string) (output string, exitCode int, err error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Stats(ctx context.Context, containerID string) (EngineStats, error)
	// ListManaged returns the IDs of every container this service created,
	// including ones left behind by a previous run.
	ListManaged(ctx context.Context) ([]string, error)
}

// DockerEngine implements Engine over the Docker API.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the local Docker daemon.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Create allocates a hardened container: resource ceilings, no elevated
// privileges, bounded restarts, and a host-assigned ephemeral port mapped
// to the internal service port.
func (d *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	servicePort, err := nat.NewPort("tcp", strconv.Itoa(spec.ServicePort))
	if err != nil {
		return "", err
	}

	networkMode := spec.NetworkMode
	if networkMode == "" {
		networkMode = "bridge"
	}
	pidsLimit := int64(128)

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sh", "-c", "while true; do sleep 3600; done"},
		WorkingDir: "/app",
		Labels:     spec.Labels,
		ExposedPorts: nat.PortSet{
			servicePort: struct{}{},
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.MemoryMB * 1024 * 1024,
			MemorySwap: spec.MemoryMB * 1024 * 1024,
			CPUShares:  spec.CPUShares,
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: container.NetworkMode(networkMode),
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		RestartPolicy: container.RestartPolicy{
			Name:              "on-failure",
			MaximumRetryCount: spec.MaxRetries,
		},
		PortBindings: nat.PortMap{
			// Empty HostPort asks the daemon for an ephemeral port.
			servicePort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerEngine) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// HostPort reads back the ephemeral port the daemon assigned.
func (d *DockerEngine) HostPort(ctx context.Context, containerID string, servicePort int) (int, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspect container: %w", err)
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(servicePort))
	if err != nil {
		return 0, err
	}
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("no host binding for port %d", servicePort)
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parse host port: %w", err)
	}
	return hostPort, nil
}

func (d *DockerEngine) CopyTo(ctx context.Context, containerID, path string, archive io.Reader) error {
	if err := d.cli.CopyToContainer(ctx, containerID, path, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// Exec runs a command to completion and captures combined output.
func (d *DockerEngine) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   "/app",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", 0, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspect exec: %w", err)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += stderr.String()
	}
	return output, inspect.ExitCode, nil
}

func (d *DockerEngine) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (d *DockerEngine) Remove(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListManaged finds every container carrying the managed label.
func (d *DockerEngine) ListManaged(ctx context.Context) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Stats takes one cumulative usage snapshot.
func (d *DockerEngine) Stats(ctx context.Context, containerID string) (EngineStats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return EngineStats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := decodeStats(resp.Body, &raw); err != nil {
		return EngineStats{}, fmt.Errorf("decode stats: %w", err)
	}

	cpus := int(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = len(raw.CPUStats.CPUUsage.PercpuUsage)
	}
	return EngineStats{
		CPUTotal:    raw.CPUStats.CPUUsage.TotalUsage,
		SystemTotal: raw.CPUStats.SystemUsage,
		OnlineCPUs:  cpus,
		MemoryBytes: raw.MemoryStats.Usage,
	}, nil
}

func decodeStats(r io.Reader, v *container.StatsResponse) error {
	return sonic.ConfigDefault.NewDecoder(r).Decode(v)
}
