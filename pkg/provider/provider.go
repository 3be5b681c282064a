// Package provider supervises capability provider processes as
// containerd containers: one container per running provider, launched
// from its artifact_reference image and torn down on a Stop Provider
// command. This is the same pull-create-start-stop-delete sequence the
// container runtime uses elsewhere in the corpus, narrowed to a single
// container with no mounts, volumes, or network plumbing since a
// provider process needs none of those.
package provider

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// DefaultNamespace is the containerd namespace provider containers run
// in, isolating them from any other containerd workload on the host.
const DefaultNamespace = "wasmbus"

// DefaultStopTimeout bounds how long Stop waits for a graceful exit
// before escalating to SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// Supervisor launches and tears down capability provider processes via
// containerd.
type Supervisor struct {
	client    *containerd.Client
	namespace string
}

// Config configures a Supervisor.
type Config struct {
	SocketPath string
	Namespace  string
}

// New connects to the containerd daemon at cfg.SocketPath.
func New(cfg Config) (*Supervisor, error) {
	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("provider: connect to containerd: %w", err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Supervisor{client: client, namespace: ns}, nil
}

// Close releases the containerd client connection.
func (s *Supervisor) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Supervisor) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, s.namespace)
}

// env assembles the WASMCLOUD_*-style environment variables a provider
// process expects to find, identifying the host, lattice, and link name
// it was started to serve.
func env(hostID, lattice string, identity types.ProviderIdentity) []string {
	return []string{
		"WASMCLOUD_HOST_ID=" + hostID,
		"WASMCLOUD_LATTICE=" + lattice,
		"WASMCLOUD_PROVIDER_ID=" + identity.ID,
		"WASMCLOUD_LINK_NAME=" + identity.LinkName,
	}
}

// Start pulls identity.ArtifactReference, creates a container from it,
// and starts its task. The returned error wraps any pull, create, or
// start failure; Start is not idempotent — the caller (pkg/lifecycle)
// is responsible for rejecting a duplicate start of a running provider.
func (s *Supervisor) Start(ctx context.Context, hostID, lattice string, identity types.ProviderIdentity) error {
	ctx = s.ctx(ctx)

	image, err := s.client.Pull(ctx, identity.ArtifactReference, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("provider: pull %s: %w", identity.ArtifactReference, err)
	}

	container, err := s.client.NewContainer(
		ctx,
		identity.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(identity.ID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithEnv(env(hostID, lattice, identity)),
		),
	)
	if err != nil {
		return fmt.Errorf("provider: create container for %s: %w", identity.ID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("provider: create task for %s: %w", identity.ID, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("provider: start task for %s: %w", identity.ID, err)
	}

	return nil
}

// Stop sends SIGTERM to providerID's task, waits up to timeout for it
// to exit, escalates to SIGKILL on timeout, then deletes the task and
// container. A provider that is not running is treated as already
// stopped, matching the teacher's idempotent-stop convention.
func (s *Supervisor) Stop(ctx context.Context, providerID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	ctx = s.ctx(ctx)

	container, err := s.client.LoadContainer(ctx, providerID)
	if err != nil {
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
			return fmt.Errorf("provider: signal %s: %w", providerID, err)
		}

		statusC, err := task.Wait(stopCtx)
		if err != nil {
			return fmt.Errorf("provider: wait for %s: %w", providerID, err)
		}

		select {
		case <-statusC:
		case <-stopCtx.Done():
			if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
				return fmt.Errorf("provider: force-kill %s: %w", providerID, err)
			}
		}

		if _, err := task.Delete(ctx); err != nil {
			log.Logger.Warn().Err(err).Str("provider_id", providerID).Msg("provider: task delete failed")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("provider: delete container %s: %w", providerID, err)
	}
	return nil
}

// IsRunning reports whether providerID currently has a running task.
func (s *Supervisor) IsRunning(ctx context.Context, providerID string) bool {
	ctx = s.ctx(ctx)

	container, err := s.client.LoadContainer(ctx, providerID)
	if err != nil {
		return false
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}
