package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ArtifactFetcher resolves an artifact_reference to the raw bytes the
// Sandbox Engine compiles. pkg/lifecycle depends only on the interface;
// the Host wires a concrete fetcher so tests can substitute a stub.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FileHTTPFetcher resolves file:// and local-path references directly
// off disk, and http(s):// references with a plain GET. It does not
// understand OCI registry references: component artifacts are raw WASM
// bytes compiled in-process, not container images to unpack, so the
// corpus's containerd-based image puller (wired for capability provider
// processes in pkg/provider) does not fit this concern.
type FileHTTPFetcher struct {
	Client *http.Client
}

// Fetch resolves ref per the scheme prefix, defaulting to a local path
// when none is present.
func (f FileHTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "file://"):
		return os.ReadFile(strings.TrimPrefix(ref, "file://"))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.fetchHTTP(ctx, ref)
	default:
		return os.ReadFile(ref)
	}
}

func (f FileHTTPFetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build request for %s: %w", ref, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lifecycle: fetch %s: unexpected status %s", ref, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
