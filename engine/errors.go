package engine

import "errors"

// Error kinds for a failed check. The updater classifies per-image failures
// with errors.Is against these so an outcome can say why a check failed
// instead of reporting a generic error.
var (
	// ErrRegistryAuth covers 401/403 responses and failed token exchanges.
	ErrRegistryAuth = errors.New("registry authentication failed")

	// ErrRegistryUnavailable covers network and timeout failures.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrTagNotFound covers a missing base tag, a missing repository, and a
	// regex that matches zero tags.
	ErrTagNotFound = errors.New("tag not found")

	// ErrManifestResolution covers malformed manifest JSON and a manifest
	// list with no entry for the host architecture.
	ErrManifestResolution = errors.New("manifest resolution failed")

	// ErrStateLockTimeout aborts the entire cycle: without the lock no
	// per-image state can be safely read or written.
	ErrStateLockTimeout = errors.New("state file lock timeout")

	ErrContainerInspect  = errors.New("container inspect failed")
	ErrContainerRecreate = errors.New("container recreate failed")

	// ErrRolledBack reports a failed update whose rollback succeeded: the
	// original container is running again.
	ErrRolledBack = errors.New("update rolled back")

	// ErrRollbackFailed is fatal for the image: the failed update could not
	// be rolled back and manual intervention is required.
	ErrRollbackFailed = errors.New("rollback failed")
)
