package deploy

import (
	"context"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/edvin/certmgr/internal/model"
)

// Container is the subset of container metadata the deploy-action picker
// needs.
type Container struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	State string `json:"state"`
}

// DockerClient abstracts the Docker engine for the pipeline and the API
// handler. The real implementation talks to the daemon; tests substitute a
// fake.
type DockerClient interface {
	Restart(ctx context.Context, ref string) error
	Containers(ctx context.Context) ([]Container, error)
}

// EngineClient implements DockerClient against a Docker daemon.
type EngineClient struct {
	cli *client.Client
}

// NewEngineClient connects to the daemon at host, or the environment default
// when host is empty.
func NewEngineClient(host string) (*EngineClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, model.Wrap(model.KindDockerUnavailable, err, "create docker client")
	}
	return &EngineClient{cli: cli}, nil
}

func (c *EngineClient) Restart(ctx context.Context, ref string) error {
	if err := c.cli.ContainerRestart(ctx, ref, container.StopOptions{}); err != nil {
		return classifyDockerErr(err, "restart container "+ref)
	}
	return nil
}

func (c *EngineClient) Containers(ctx context.Context) ([]Container, error) {
	list, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classifyDockerErr(err, "list containers")
	}
	out := make([]Container, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		out = append(out, Container{
			ID:    item.ID,
			Name:  name,
			Image: item.Image,
			State: item.State,
		})
	}
	return out, nil
}

func classifyDockerErr(err error, op string) error {
	if client.IsErrConnectionFailed(err) {
		return model.Wrap(model.KindDockerUnavailable, err, "%s", op)
	}
	if client.IsErrNotFound(err) {
		return model.Wrap(model.KindDockerUnavailable, err, "%s: no such container", op)
	}
	return model.Wrap(model.KindDockerUnavailable, err, "%s", op)
}
