// Package sandbox manages the isolated containers submissions run in.
//
// A Runtime abstracts the container engine. DockerRuntime talks to the Docker
// Engine API; CLIRuntime drives a docker-compatible binary (docker or podman)
// through a CommandRunner. Every sandbox is created with its constraints
// applied up front: memory without swap, a CPU share, a pids limit, file size
// and open file rlimits, no capabilities, no-new-privileges, a non-root user
// and no network unless the policy allows it.
//
// The Pool tracks instances through Idle, Provisioning, Busy and Destroyed.
// An instance that ran user code is always destroyed, never reused; optional
// warm instances are pristine containers created from the base image. The
// Reaper sweeps the pool on a fixed interval.
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(cfg, logger)
//	pool := sandbox.NewPoolFromConfig(cfg, rt, logger, nil)
//	inst, err := pool.Acquire(ctx, profile, lim.Constraints(), submissionID)
//	defer pool.Release(ctx, inst)
package sandbox
