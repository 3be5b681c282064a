// Package registry implements the Link & Config Registry: the
// authoritative host-local cache of Links and NamedConfig, rebuilt from
// lattice events on restart with a bbolt warm cache in between. Reads
// take an immutable snapshot pointer so readers never block writers or
// each other.
package registry

import (
	"sync/atomic"

	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// registrySnapshot is an immutable view of the registry's state at one
// point in time. Writers build a new snapshot and swap it in; readers
// hold a reference to one snapshot for the duration of a call.
type registrySnapshot struct {
	links   map[types.LinkKey]types.Link
	configs map[string]map[string]string
	secrets map[string]map[string]types.SecretRef
}

func emptySnapshot() *registrySnapshot {
	return &registrySnapshot{
		links:   make(map[types.LinkKey]types.Link),
		configs: make(map[string]map[string]string),
		secrets: make(map[string]map[string]types.SecretRef),
	}
}

func (s *registrySnapshot) clone() *registrySnapshot {
	next := &registrySnapshot{
		links:   make(map[types.LinkKey]types.Link, len(s.links)),
		configs: make(map[string]map[string]string, len(s.configs)),
		secrets: make(map[string]map[string]types.SecretRef, len(s.secrets)),
	}
	for k, v := range s.links {
		next.links[k] = v
	}
	for name, values := range s.configs {
		copied := make(map[string]string, len(values))
		for k, v := range values {
			copied[k] = v
		}
		next.configs[name] = copied
	}
	for name, values := range s.secrets {
		copied := make(map[string]types.SecretRef, len(values))
		for k, v := range values {
			copied[k] = v
		}
		next.secrets[name] = copied
	}
	return next
}

// ResolvedBinding is the outcome of resolving an outbound call's target
// plus its merged configuration, snapshotted at the moment of the call.
type ResolvedBinding struct {
	Link         types.Link
	ConfigValues map[string]string
}

// Registry is the host's authoritative link/config cache. The zero
// value is not usable; construct with New.
type Registry struct {
	snapshot atomic.Value // *registrySnapshot
	cache    *warmCache   // nil if persistence is disabled
}

// New constructs an empty Registry, optionally warm-started from cache
// (a nil cache disables persistence; the registry still operates purely
// from lattice event replay).
func New(cache *warmCache) *Registry {
	r := &Registry{cache: cache}
	if cache != nil {
		if snap, err := cache.load(); err == nil {
			r.snapshot.Store(snap)
			return r
		} else {
			log.Logger.Warn().Err(err).Msg("registry: warm cache load failed, starting empty")
		}
	}
	r.snapshot.Store(emptySnapshot())
	return r
}

func (r *Registry) load() *registrySnapshot {
	return r.snapshot.Load().(*registrySnapshot)
}

// PutLink installs or replaces a Link, keyed by its 5-tuple. Idempotent:
// putting an identical Link twice leaves the snapshot pointer-distinct
// but value-identical.
func (r *Registry) PutLink(link types.Link) {
	current := r.load()
	next := current.clone()
	next.links[link.Key()] = link
	r.snapshot.Store(next)
	r.persist(next)
}

// DelLink removes the Link at key, if present. A delete of a key that
// was never present is a no-op.
func (r *Registry) DelLink(key types.LinkKey) {
	current := r.load()
	if _, ok := current.links[key]; !ok {
		return
	}
	next := current.clone()
	delete(next.links, key)
	r.snapshot.Store(next)
	r.persist(next)
}

// GetLink looks up a Link by its 5-tuple, returning ok=false when absent.
func (r *Registry) GetLink(sourceID, namespace, pkg, iface, linkName string) (types.Link, bool) {
	if linkName == "" {
		linkName = types.DefaultLinkName
	}
	key := types.LinkKey{
		SourceID:     sourceID,
		WITNamespace: namespace,
		WITPackage:   pkg,
		WITInterface: iface,
		LinkName:     linkName,
	}
	link, ok := r.load().links[key]
	return link, ok
}

// AllLinks returns every Link currently held, for the fleet-wide
// get_links control-plane query. The returned slice is a snapshot copy;
// mutating it has no effect on the Registry.
func (r *Registry) AllLinks() []types.Link {
	snap := r.load()
	out := make([]types.Link, 0, len(snap.links))
	for _, link := range snap.links {
		out = append(out, link)
	}
	return out
}

// PutConfig installs or replaces a named configuration mapping.
func (r *Registry) PutConfig(name string, values map[string]string) {
	current := r.load()
	next := current.clone()
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	next.configs[name] = copied
	r.snapshot.Store(next)
	r.persist(next)
}

// DelConfig removes a named configuration mapping entirely.
func (r *Registry) DelConfig(name string) {
	current := r.load()
	if _, ok := current.configs[name]; !ok {
		return
	}
	next := current.clone()
	delete(next.configs, name)
	r.snapshot.Store(next)
	r.persist(next)
}

// GetConfig returns the named configuration mapping, ok=false if absent.
func (r *Registry) GetConfig(name string) (map[string]string, bool) {
	values, ok := r.load().configs[name]
	return values, ok
}

// PutSecret installs a secret reference under a named config entry,
// taking precedence over any config value of the same key at resolve
// time.
func (r *Registry) PutSecret(name, key string, ref types.SecretRef) {
	current := r.load()
	next := current.clone()
	if next.secrets[name] == nil {
		next.secrets[name] = make(map[string]types.SecretRef)
	}
	next.secrets[name][key] = ref
	r.snapshot.Store(next)
	r.persist(next)
}

// SnapshotFor resolves a (source, interface, link-name) outbound call
// to its target Link and merged configuration, all taken from a single
// consistent snapshot. When a config key and a secret both exist for
// the same name/key, the secret wins and a warning is logged (spec's
// tie-break rule); the secret ref itself is never rendered into the
// merged map here, only its presence displaces the config value.
func (r *Registry) SnapshotFor(sourceID, namespace, pkg, iface, linkName string) (ResolvedBinding, bool) {
	if linkName == "" {
		linkName = types.DefaultLinkName
	}
	snap := r.load()
	key := types.LinkKey{
		SourceID:     sourceID,
		WITNamespace: namespace,
		WITPackage:   pkg,
		WITInterface: iface,
		LinkName:     linkName,
	}
	link, ok := snap.links[key]
	if !ok {
		return ResolvedBinding{}, false
	}

	merged := make(map[string]string)
	for _, refName := range link.TargetConfigRefs {
		for k, v := range snap.configs[refName] {
			merged[k] = v
		}
	}
	for _, refName := range link.TargetConfigRefs {
		for k := range snap.secrets[refName] {
			if _, hadConfig := merged[k]; hadConfig {
				log.Logger.Warn().
					Str("config", refName).
					Str("key", k).
					Msg("registry: secret shadows config value with the same key")
			}
			delete(merged, k)
		}
	}

	return ResolvedBinding{Link: link, ConfigValues: merged}, true
}

func (r *Registry) persist(snap *registrySnapshot) {
	if r.cache == nil {
		return
	}
	if err := r.cache.save(snap); err != nil {
		log.Logger.Warn().Err(err).Msg("registry: warm cache write failed")
	}
}

// Close releases the warm cache's underlying database, if any.
func (r *Registry) Close() error {
	if r.cache == nil {
		return nil
	}
	return r.cache.close()
}
