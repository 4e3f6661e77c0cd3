package doctor

import (
	"context"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DockerClient wraps the Docker SDK for the doctor's orphan inspection.
// It is only constructed when the configured runtime is docker; podman
// and container hosts fall back to CLI-only checks.
type DockerClient struct {
	cli *client.Client
}

// OrphanInfo describes one leftover agent container.
type OrphanInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Created int64  `json:"created"`
}

func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return &DockerClient{cli: cli}, nil
}

// ListOrphans returns every container whose name carries the given
// prefix, running or not. These are agents left behind by a previous
// host process.
func (d *DockerClient) ListOrphans(namePrefix string) ([]OrphanInfo, error) {
	ctx := context.Background()

	f := filters.NewArgs()
	f.Add("name", namePrefix)

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}

	result := make([]OrphanInfo, 0, len(containers))
	for _, c := range containers {
		name := containerName(c)
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}

		result = append(result, OrphanInfo{
			ID:      c.ID[:12],
			Name:    name,
			Image:   c.Image,
			State:   c.State,
			Created: c.Created,
		})
	}

	return result, nil
}

// RemoveOrphan force-removes a leftover container by ID.
func (d *DockerClient) RemoveOrphan(id string) error {
	ctx := context.Background()
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(c.Names[0], "/")
}
