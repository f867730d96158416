package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/samber/lo"
)

// RecreateOptions bounds the recreate sequence. Zero values get defaults.
type RecreateOptions struct {
	// StopTimeout is the graceful stop window in seconds; the daemon
	// force-kills when it expires.
	StopTimeout int

	// HealthGrace caps how long a container with a healthcheck may stay in
	// "starting" before the update is judged failed.
	HealthGrace time.Duration
}

const (
	defaultStopTimeout = 10
	defaultHealthGrace = 60 * time.Second

	// startupGrace is the stability wait for containers without a
	// healthcheck: started and still running after this counts as success.
	startupGrace = 3 * time.Second

	// pullTimeout bounds the image pull, the one phase with no deadline of
	// its own.
	pullTimeout = 5 * time.Minute

	// rollbackTimeout bounds the compensating calls that restore the
	// original container.
	rollbackTimeout = 2 * time.Minute
)

// Recreate replaces a running container with one built from the same captured
// configuration but a new image reference. On any failure it rolls back by
// recreating the original container from the snapshot, so the host is never
// left without the container.
//
// The sequence is stop, remove, pull, create+start, health verification.
// Success returns nil. A failed update whose rollback succeeded returns an
// error wrapping ErrRolledBack; if the rollback itself failed the error wraps
// ErrRollbackFailed and the container is down.
//
// Caller cancellation is honored only before the sequence starts. Once
// running it goes to completion: abandoning it between states, or letting a
// cancelled context fail the compensating rollback, would strand the host
// with no running container. Every phase carries its own bound (StopTimeout,
// pullTimeout, HealthGrace, rollbackTimeout), so the detached sequence still
// terminates.
func (d *DiscoveryEngine) Recreate(ctx context.Context, snap *ContainerSnapshot, newImageRef string, opts RecreateOptions) error {
	if snap.Config == nil {
		return fmt.Errorf("snapshot of %s has no config: %w", snap.Name, ErrContainerRecreate)
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.HealthGrace <= 0 {
		opts.HealthGrace = defaultHealthGrace
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("recreate %s: %v: %w", snap.Name, err, ErrContainerRecreate)
	}
	ctx = context.WithoutCancel(ctx)

	dockerLog.InfoContextf(ctx, "recreating container %s: %s -> %s", snap.Name, snap.ImageRef, newImageRef)

	stopTimeout := opts.StopTimeout
	if err := d.Client.ContainerStop(ctx, snap.ID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		// Nothing destroyed yet; the old container is still intact.
		return fmt.Errorf("stop container %s: %v: %w", snap.Name, err, ErrContainerRecreate)
	}

	if err := d.Client.ContainerRemove(ctx, snap.ID, container.RemoveOptions{}); err != nil {
		// The stopped original still exists under its name, so rollback is
		// just a restart.
		return d.rollback(ctx, snap, "", false, fmt.Errorf("remove container %s: %v", snap.Name, err))
	}

	pullCtx, cancelPull := context.WithTimeout(ctx, pullTimeout)
	err := d.pullImage(pullCtx, newImageRef)
	cancelPull()
	if err != nil {
		return d.rollback(ctx, snap, "", true, err)
	}

	cfg := *snap.Config
	cfg.Image = newImageRef
	created, err := d.Client.ContainerCreate(ctx, &cfg, snap.HostConfig, snap.Networking, nil, snap.Name)
	if err != nil {
		return d.rollback(ctx, snap, "", true, fmt.Errorf("create container %s: %v", snap.Name, err))
	}
	if err := d.Client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return d.rollback(ctx, snap, created.ID, true, fmt.Errorf("start container %s: %v", snap.Name, err))
	}

	if err := d.verifyHealthy(ctx, created.ID, opts.HealthGrace); err != nil {
		return d.rollback(ctx, snap, created.ID, true, err)
	}

	dockerLog.InfoContextf(ctx, "container %s is running %s", snap.Name, newImageRef)
	return nil
}

// pullImage pulls an image and drains the progress stream. The daemon
// reports pull failures (missing tag, auth) as error events inside the
// stream after a 200, so the stream has to be read, not just closed.
func (d *DiscoveryEngine) pullImage(ctx context.Context, ref string) error {
	rc, err := d.Client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %v", ref, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var evt struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("pull %s: read stream: %v", ref, err)
		}
		if evt.Error != "" {
			return fmt.Errorf("pull %s: %s", ref, evt.Error)
		}
	}
}

// verifyHealthy decides whether the new container came up. With a configured
// healthcheck it polls until the status leaves "starting"; without one,
// "still running after a short grace period" is the best signal available.
func (d *DiscoveryEngine) verifyHealthy(ctx context.Context, id string, grace time.Duration) error {
	ins, err := d.Client.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("inspect new container: %v", err)
	}

	if ins.State == nil || ins.State.Health == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupGrace):
		}
		ins, err := d.Client.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect new container: %v", err)
		}
		if ins.State == nil || !ins.State.Running {
			return fmt.Errorf("new container exited within %s of starting", startupGrace)
		}
		return nil
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ins, err := d.Client.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect new container: %v", err)
		}
		if ins.State == nil || !ins.State.Running {
			return errors.New("new container exited during health check")
		}
		switch status := ins.State.Health.Status; status {
		case container.Healthy:
			return nil
		case container.Unhealthy:
			return errors.New("new container reported unhealthy")
		default:
			if time.Now().After(deadline) {
				return fmt.Errorf("new container still %s after %s", status, grace)
			}
		}
	}
}

// rollback restores the original container after a failed update. newID is
// the failed replacement to tear down, if one was created; removed says
// whether the original was removed (and so must be recreated from the
// snapshot) or merely stopped.
//
// The returned error carries the original cause and wraps either
// ErrRolledBack or ErrRollbackFailed.
func (d *DiscoveryEngine) rollback(ctx context.Context, snap *ContainerSnapshot, newID string, removed bool, cause error) error {
	// The compensations must run even when the caller's context is already
	// cancelled; a dead context here would turn every recoverable failure
	// into ErrRollbackFailed with the original container never restarted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	dockerLog.WarnContextf(ctx, "update of %s failed, rolling back: %v", snap.Name, cause)

	if newID != "" {
		if err := d.Client.ContainerRemove(ctx, newID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("%v: remove failed replacement of %s: %v: %w", cause, snap.Name, err, ErrRollbackFailed)
		}
	}

	startID := snap.ID
	if removed {
		cfg := *snap.Config
		cfg.Image = snap.ImageRef
		created, err := d.Client.ContainerCreate(ctx, &cfg, snap.HostConfig, snap.Networking, nil, snap.Name)
		if err != nil {
			return fmt.Errorf("%v: recreate original %s: %v: %w", cause, snap.Name, err, ErrRollbackFailed)
		}
		startID = created.ID
	}
	if err := d.Client.ContainerStart(ctx, startID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%v: restart original %s: %v: %w", cause, snap.Name, err, ErrRollbackFailed)
	}

	dockerLog.InfoContextf(ctx, "rollback of %s complete, original container restored", snap.Name)
	return fmt.Errorf("%v: %w", cause, ErrRolledBack)
}

// LogPlan logs what Recreate would do, for dry runs. No Docker state is
// touched.
func (d *DiscoveryEngine) LogPlan(snap *ContainerSnapshot, newImageRef string) {
	dockerLog.Infof("dry run: would recreate container %s (currently %s) with image %s",
		snap.Name, snap.ImageRef, newImageRef)
	if snap.Config != nil && snap.Config.Healthcheck != nil && len(snap.Config.Healthcheck.Test) > 0 {
		dockerLog.Infof("dry run: would wait for healthcheck before committing")
	}
}

// CleanupOldImages removes tagged images of a repository beyond the keep
// newest. Failures are logged and swallowed: an image still referenced by a
// container 409s, and a failed cleanup must never fail the update that
// triggered it.
func (d *DiscoveryEngine) CleanupOldImages(ctx context.Context, imageRepo string, keep int) {
	if keep <= 0 {
		keep = 3
	}

	images, err := d.Client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageRepo)),
	})
	if err != nil {
		dockerLog.WarnContextf(ctx, "cleanup: cannot list images for %s: %v", imageRepo, err)
		return
	}

	type tagged struct {
		ref     string
		created int64
	}
	var entries []tagged
	for _, img := range images {
		for _, repoTag := range img.RepoTags {
			if strings.HasSuffix(repoTag, ":<none>") {
				continue
			}
			entries = append(entries, tagged{ref: repoTag, created: img.Created})
		}
	}
	if len(entries) <= keep {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created > entries[j].created
	})

	stale := lo.Map(entries[keep:], func(e tagged, _ int) string { return e.ref })
	for _, ref := range stale {
		if _, err := d.Client.ImageRemove(ctx, ref, image.RemoveOptions{}); err != nil {
			dockerLog.DebugContextf(ctx, "cleanup: cannot remove %s (likely in use): %v", ref, err)
			continue
		}
		dockerLog.InfoContextf(ctx, "cleanup: removed old image %s", ref)
	}
}
