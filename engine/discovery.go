package engine

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"tagwatch/logger"
)

var dockerLog = logger.WithSubsystem("docker")

// DiscoveryEngine wraps the Docker engine client with the inspect/recreate
// surface the updater needs. It satisfies ContainerRuntime.
type DiscoveryEngine struct {
	Client *client.Client
}

func NewDiscoveryEngine() (*DiscoveryEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Ping to verify connection
	if _, err := cli.Ping(context.Background()); err != nil {
		if runtime.GOOS == "windows" {
			return nil, fmt.Errorf("failed to connect to Docker (is Docker Desktop running? try setting DOCKER_HOST, e.g., 'npipe:////./pipe/docker_engine'): %v", err)
		}
		return nil, fmt.Errorf("failed to connect to Docker: %w", err)
	}
	return &DiscoveryEngine{Client: cli}, nil
}

// ContainerSnapshot is one inspection's worth of container identity plus the
// full configuration needed to recreate it. Recreation is a faithful clone
// of the captured config except for the image reference.
type ContainerSnapshot struct {
	ID            string
	Name          string
	Running       bool
	ImageRef      string // image reference the container was created from
	ImageID       string // local image ID (config hash, not a repo digest)
	RunningDigest string // repo digest of the running image, if known

	Config     *container.Config
	HostConfig *container.HostConfig
	Networking *network.NetworkingConfig
}

// InspectCurrent resolves a container name to a snapshot: what image and
// version is running, plus everything needed to recreate the container
// later. Docker names are unique, so the name resolves to at most one
// container.
func (d *DiscoveryEngine) InspectCurrent(ctx context.Context, containerName string) (*ContainerSnapshot, error) {
	cJSON, err := d.Client.ContainerInspect(ctx, containerName)
	if err != nil {
		return nil, fmt.Errorf("inspect container %q: %v: %w", containerName, err, ErrContainerInspect)
	}

	name := strings.TrimPrefix(cJSON.Name, "/")

	snap := &ContainerSnapshot{
		ID:         cJSON.ID,
		Name:       name,
		Running:    cJSON.State != nil && cJSON.State.Running,
		ImageID:    cJSON.Image,
		HostConfig: cJSON.HostConfig,
	}
	if cJSON.Config != nil {
		cfg := *cJSON.Config
		// Reset an auto-generated hostname (short container ID) so Docker
		// assigns a fresh one for the recreated container.
		if len(cJSON.ID) >= 12 && cfg.Hostname == cJSON.ID[:12] {
			cfg.Hostname = ""
		}
		snap.Config = &cfg
		snap.ImageRef = cfg.Image
	}
	snap.Networking = sanitizeNetworks(cJSON.NetworkSettings)

	// The container's Image field is the local image ID; the repo digest for
	// registry comparison comes from the image's RepoDigests.
	if iJSON, err := d.Client.ImageInspect(ctx, cJSON.Image); err == nil && len(iJSON.RepoDigests) > 0 {
		if _, digest, ok := strings.Cut(iJSON.RepoDigests[0], "@"); ok {
			snap.RunningDigest = digest
		}
	}

	return snap, nil
}

// sanitizeNetworks rebuilds a NetworkingConfig from inspected settings,
// keeping only fields Create accepts. Runtime-assigned values (endpoint ID,
// gateway, prefix lengths, MAC) are reset; user intent (IPAM static
// addresses, aliases, links, driver options) is preserved.
func sanitizeNetworks(settings *container.NetworkSettings) *network.NetworkingConfig {
	cfg := &network.NetworkingConfig{
		EndpointsConfig: make(map[string]*network.EndpointSettings),
	}
	if settings == nil {
		return cfg
	}
	for netName, ep := range settings.Networks {
		if ep == nil {
			continue
		}
		cfg.EndpointsConfig[netName] = &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Links:      ep.Links,
			Aliases:    ep.Aliases,
			DriverOpts: ep.DriverOpts,
		}
	}
	return cfg
}

// CurrentVersion derives the running container's version tag from the local
// image inventory: the image whose ID matches the container's, via a
// RepoTag that matches the tracking pattern. This is independent of state
// history; it reflects what is actually running.
func (d *DiscoveryEngine) CurrentVersion(ctx context.Context, imageRepo string, snap *ContainerSnapshot, pattern *regexp.Regexp) (string, error) {
	images, err := d.Client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageRepo)),
	})
	if err != nil {
		return "", fmt.Errorf("list images for %s: %w", imageRepo, err)
	}

	for _, img := range images {
		if img.ID != snap.ImageID {
			continue
		}
		for _, repoTag := range img.RepoTags {
			tag := tagOf(repoTag)
			if tag != "" && tag != "<none>" && pattern.MatchString(tag) {
				return tag, nil
			}
		}
	}

	// Inventory gave nothing; fall back to the tag the container was
	// created with, when it matches the pattern.
	if tag := tagOf(snap.ImageRef); tag != "" && pattern.MatchString(tag) {
		return tag, nil
	}
	return "", nil
}

// tagOf extracts the tag from "repo:tag" or "registry:port/repo:tag",
// returning "" when the reference carries no tag.
func tagOf(ref string) string {
	lastSlash := strings.LastIndexByte(ref, '/')
	lastColon := strings.LastIndexByte(ref, ':')
	if lastColon > lastSlash {
		return ref[lastColon+1:]
	}
	return ""
}
