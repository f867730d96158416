package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tagwatch/api"
	"tagwatch/config"
	"tagwatch/logger"
)

var engineLog = logger.WithSubsystem("engine")

const (
	// maxHistory bounds the in-memory outcome ring.
	maxHistory = 500

	// defaultLockWait is how long a cycle waits for the state lock before
	// giving up. Another process holding it that long means something is
	// stuck.
	defaultLockWait = 10 * time.Second
)

// RegistryAPI is the registry surface the updater needs. *RegistryClient
// satisfies it; tests substitute a fake.
type RegistryAPI interface {
	FetchTags(ctx context.Context, image, registryOverride string) ([]TagInfo, error)
	ResolveDigest(ctx context.Context, image, tag, registryOverride string) (string, error)
}

// ContainerRuntime is the Docker surface the updater needs. *DiscoveryEngine
// satisfies it. It is nil when the process runs check-only without a Docker
// socket.
type ContainerRuntime interface {
	InspectCurrent(ctx context.Context, containerName string) (*ContainerSnapshot, error)
	Recreate(ctx context.Context, snap *ContainerSnapshot, newImageRef string, opts RecreateOptions) error
	LogPlan(snap *ContainerSnapshot, newImageRef string)
	CurrentVersion(ctx context.Context, imageRepo string, snap *ContainerSnapshot, pattern *regexp.Regexp) (string, error)
	CleanupOldImages(ctx context.Context, imageRepo string, keep int)
}

// UpdateEngine runs check cycles: resolve each image's base digest and
// tracked tag, compare against persisted state, optionally recreate the
// container, persist the new state, and emit events.
type UpdateEngine struct {
	Registry RegistryAPI
	Runtime  ContainerRuntime
	State    *StateStore
	Recreate RecreateOptions

	// LockWait bounds state-lock acquisition; zero means defaultLockWait.
	LockWait time.Duration

	// Events receives cycle and outcome events; nil means no sink.
	Events api.EventSink

	running atomic.Bool

	mu      sync.Mutex
	history []api.UpdateOutcome
}

// ErrCycleActive is returned when a cycle is requested while one is running.
var ErrCycleActive = errors.New("check cycle already running")

// RunCheckCycle checks every configured image once and returns the outcomes
// in input order. Per-image failures become UpdateFailed outcomes and never
// stop the cycle; only cycle-level failures (state lock) return an error.
//
// At most one cycle runs at a time; a second call while one is active
// returns ErrCycleActive immediately.
func (e *UpdateEngine) RunCheckCycle(ctx context.Context, specs []config.ImageSpec, dryRun bool) ([]api.UpdateOutcome, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCycleActive
	}
	defer e.running.Store(false)

	cycleID := uuid.NewString()
	ctx = logger.WithCycleID(ctx, cycleID)
	engineLog.InfoContextf(ctx, "check cycle started: %d images, dry_run=%v", len(specs), dryRun)

	wait := e.LockWait
	if wait <= 0 {
		wait = defaultLockWait
	}
	release, err := e.State.Lock(wait)
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	defer release()

	states := e.State.Load()

	e.emit(api.Event{Type: api.EventCycleStarted, CycleID: cycleID, Total: len(specs)})

	outcomes := make([]api.UpdateOutcome, 0, len(specs))
	for i := range specs {
		spec := &specs[i]
		outcome := e.checkImage(ctx, spec, states, dryRun)
		outcomes = append(outcomes, outcome)
		e.record(outcome)
		e.emit(api.Event{Type: api.EventOutcome, CycleID: cycleID, Outcome: &outcome})
	}

	// Dry run mutates nothing, including the state file; the next real
	// cycle must still see the drift.
	if dryRun {
		engineLog.InfoContextf(ctx, "dry run: state not persisted")
	} else if err := e.State.Save(states); err != nil {
		engineLog.ErrorContextf(ctx, "cannot persist state: %v", err)
	}

	e.emit(api.Event{Type: api.EventCycleFinished, CycleID: cycleID, Total: len(outcomes)})
	engineLog.InfoContextf(ctx, "check cycle finished: %d images checked", len(outcomes))
	return outcomes, nil
}

// checkImage runs the full check for one image and mutates its entry in
// states according to the outcome. Any error is folded into an UpdateFailed
// outcome so one broken image never hides the others.
func (e *UpdateEngine) checkImage(ctx context.Context, spec *config.ImageSpec, states map[string]ImageState, dryRun bool) api.UpdateOutcome {
	now := time.Now().UTC()

	outcome, newState, err := e.resolveAndCompare(ctx, spec, states, now)
	if err != nil {
		engineLog.WarnContextf(ctx, "check of %s failed: %v", spec.Image, err)
		failed := api.UpdateOutcome{
			Image:      spec.Image,
			Kind:       api.UpdateFailed,
			Reason:     failureReason(err),
			AutoUpdate: spec.AutoUpdate,
			DryRun:     dryRun,
			CheckedAt:  now,
		}
		// Digest and tag are untouched so the next cycle retries the same
		// comparison, but the check is still stamped.
		if prev, ok := states[spec.Image]; ok {
			prev.LastChecked = now
			states[spec.Image] = prev
		}
		return failed
	}
	outcome.AutoUpdate = spec.AutoUpdate
	outcome.DryRun = dryRun

	if outcome.Kind == api.UpdateAvailable && spec.AutoUpdate && !dryRun {
		outcome = e.applyUpdate(ctx, spec, outcome)
	} else if outcome.Kind == api.UpdateAvailable && dryRun {
		e.logDryRunPlan(ctx, spec, outcome)
	}

	e.commitState(ctx, spec, states, outcome, newState, now)
	return outcome
}

// resolveAndCompare does the registry half of a check: list tags, verify the
// base tag exists, resolve its digest for the host platform, pick the
// tracked version tag, and compare with the stored state.
func (e *UpdateEngine) resolveAndCompare(ctx context.Context, spec *config.ImageSpec, states map[string]ImageState, now time.Time) (api.UpdateOutcome, ImageState, error) {
	tags, err := e.Registry.FetchTags(ctx, spec.Image, spec.Registry)
	if err != nil {
		return api.UpdateOutcome{}, ImageState{}, err
	}
	if !HasBaseTag(tags, spec.BaseTag) {
		return api.UpdateOutcome{}, ImageState{}, fmt.Errorf("base tag %q not in %s: %w", spec.BaseTag, spec.Image, ErrTagNotFound)
	}

	baseDigest, err := e.Registry.ResolveDigest(ctx, spec.Image, spec.BaseTag, spec.Registry)
	if err != nil {
		return api.UpdateOutcome{}, ImageState{}, err
	}

	trackedTag, err := ResolveTrackedTag(tags, spec.Pattern)
	if err != nil {
		return api.UpdateOutcome{}, ImageState{}, err
	}

	var prev *ImageState
	if s, ok := states[spec.Image]; ok {
		prev = &s
	}
	outcome := Compare(spec.Image, prev, baseDigest, trackedTag, now)

	newState := ImageState{
		TrackedTag:  trackedTag,
		Digest:      NormalizeDigest(baseDigest),
		LastChecked: now,
	}
	if prev != nil {
		newState.LastUpdated = prev.LastUpdated
		newState.CurrentVersion = prev.CurrentVersion
	}
	e.annotateCurrentVersion(ctx, spec, &outcome, &newState)
	return outcome, newState, nil
}

// annotateCurrentVersion fills in the running container's version, best
// effort. Check-only setups have no runtime and keep whatever state says.
func (e *UpdateEngine) annotateCurrentVersion(ctx context.Context, spec *config.ImageSpec, outcome *api.UpdateOutcome, st *ImageState) {
	if e.Runtime == nil || spec.ContainerName == "" {
		return
	}
	snap, err := e.Runtime.InspectCurrent(ctx, spec.ContainerName)
	if err != nil {
		engineLog.DebugContextf(ctx, "cannot inspect %s: %v", spec.ContainerName, err)
		return
	}
	version, err := e.Runtime.CurrentVersion(ctx, spec.Image, snap, spec.Pattern)
	if err != nil || version == "" {
		return
	}
	st.CurrentVersion = version
	if outcome.OldVersion == "" {
		outcome.OldVersion = version
	}
}

// applyUpdate recreates the container on the new tracked tag and translates
// the result into the final outcome kind.
func (e *UpdateEngine) applyUpdate(ctx context.Context, spec *config.ImageSpec, outcome api.UpdateOutcome) api.UpdateOutcome {
	if e.Runtime == nil {
		outcome.Kind = api.UpdateFailed
		outcome.Reason = "auto_update configured but no container runtime available"
		return outcome
	}

	snap, err := e.Runtime.InspectCurrent(ctx, spec.ContainerName)
	if err != nil {
		outcome.Kind = api.UpdateFailed
		outcome.Reason = failureReason(err)
		return outcome
	}

	newRef := spec.Image + ":" + outcome.NewVersion
	err = e.Runtime.Recreate(ctx, snap, newRef, e.Recreate)
	switch {
	case err == nil:
		outcome.Kind = api.UpdateApplied
		if spec.CleanupOldImages {
			e.Runtime.CleanupOldImages(ctx, spec.Image, spec.KeepVersions)
		}
	case errors.Is(err, ErrRolledBack):
		outcome.Kind = api.RolledBack
		outcome.Reason = failureReason(err)
	case errors.Is(err, ErrRollbackFailed):
		outcome.Kind = api.UpdateFailed
		outcome.Reason = failureReason(err)
		engineLog.ErrorContextf(ctx, "rollback of %s failed, container needs manual attention: %v", spec.ContainerName, err)
	default:
		outcome.Kind = api.UpdateFailed
		outcome.Reason = failureReason(err)
	}
	return outcome
}

func (e *UpdateEngine) logDryRunPlan(ctx context.Context, spec *config.ImageSpec, outcome api.UpdateOutcome) {
	if !spec.AutoUpdate || e.Runtime == nil {
		return
	}
	snap, err := e.Runtime.InspectCurrent(ctx, spec.ContainerName)
	if err != nil {
		engineLog.DebugContextf(ctx, "dry run: cannot inspect %s: %v", spec.ContainerName, err)
		return
	}
	e.Runtime.LogPlan(snap, spec.Image+":"+outcome.NewVersion)
}

// commitState writes the post-check state for one image. NoChangeDetected
// and UpdateAvailable record the resolved digest and tag; recording on
// UpdateAvailable means a pending update is reported once, not on every
// cycle until someone acts on it. UpdateApplied additionally stamps
// last_updated. RolledBack and a failed recreate keep the previous digest
// so the next cycle sees the drift again and retries.
func (e *UpdateEngine) commitState(ctx context.Context, spec *config.ImageSpec, states map[string]ImageState, outcome api.UpdateOutcome, newState ImageState, now time.Time) {
	switch outcome.Kind {
	case api.NoChangeDetected, api.UpdateAvailable:
		states[spec.Image] = newState
	case api.UpdateApplied:
		newState.LastUpdated = &now
		newState.CurrentVersion = outcome.NewVersion
		states[spec.Image] = newState
	case api.RolledBack, api.UpdateFailed:
		if prev, ok := states[spec.Image]; ok {
			prev.LastChecked = now
			states[spec.Image] = prev
		}
	}
}

// failureReason maps an error chain to the short reason string carried in
// outcomes and notifications.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrRegistryAuth):
		return fmt.Sprintf("registry auth: %v", err)
	case errors.Is(err, ErrRegistryUnavailable):
		return fmt.Sprintf("registry unavailable: %v", err)
	case errors.Is(err, ErrTagNotFound):
		return fmt.Sprintf("tag not found: %v", err)
	case errors.Is(err, ErrManifestResolution):
		return fmt.Sprintf("manifest resolution: %v", err)
	case errors.Is(err, ErrRollbackFailed):
		return fmt.Sprintf("rollback failed: %v", err)
	case errors.Is(err, ErrRolledBack):
		return fmt.Sprintf("rolled back: %v", err)
	default:
		return err.Error()
	}
}

func (e *UpdateEngine) emit(ev api.Event) {
	if e.Events != nil {
		e.Events.Handle(ev)
	}
}

func (e *UpdateEngine) record(outcome api.UpdateOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, outcome)
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
}

// History returns a copy of the retained outcomes, oldest first.
func (e *UpdateEngine) History() []api.UpdateOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]api.UpdateOutcome, len(e.history))
	copy(out, e.history)
	return out
}
