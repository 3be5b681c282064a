package types

import (
	"strings"
	"time"
)

// ComponentIdentity is the stable, lattice-unique identifier an operator
// assigns at scale time. It is immutable for the life of the component
// on this host.
type ComponentIdentity struct {
	ID                string
	ArtifactReference string
	MaxInstances      uint32
	Annotations       map[string]string
	ConfigRefs        []string
}

// Artifact is an immutable byte sequence identified by its digest. Once
// compiled, the compiled module is keyed by Digest and shared by every
// instance of every component that references it.
type Artifact struct {
	Digest string
	Bytes  []byte
}

// InstanceState is the lifecycle state of one sandboxed instance.
type InstanceState string

const (
	InstanceBuilding  InstanceState = "building"
	InstanceIdle      InstanceState = "idle"
	InstanceInUse     InstanceState = "in_use"
	InstanceDestroyed InstanceState = "destroyed"
)

// InstanceInfo is a read-only snapshot of an instance's bookkeeping
// fields, used for inventory and metrics. The Instance Pool owns the
// live value; callers never mutate a snapshot.
type InstanceInfo struct {
	ComponentID string
	Generation  uint64
	State       InstanceState
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// DefaultLinkName is used when a caller does not override the link name
// for an outbound call.
const DefaultLinkName = "default"

// LinkKey is the 5-tuple identifying at most one Link.
type LinkKey struct {
	SourceID     string
	WITNamespace string
	WITPackage   string
	WITInterface string
	LinkName     string
}

// String renders the key as a single delimited token, stable enough to
// use as a storage key (e.g. a bbolt bucket key).
func (k LinkKey) String() string {
	return strings.Join([]string{k.SourceID, k.WITNamespace, k.WITPackage, k.WITInterface, k.LinkName}, "\x1f")
}

// Link is a directed binding from a (source, WIT interface, link name)
// tuple to a target component or provider, plus the named-config
// references that travel with it.
type Link struct {
	SourceID     string
	WITNamespace string
	WITPackage   string
	WITInterface string
	LinkName     string

	TargetID         string
	SourceConfigRefs []string
	TargetConfigRefs []string
}

// Key returns this Link's Registry lookup key.
func (l Link) Key() LinkKey {
	return LinkKey{
		SourceID:     l.SourceID,
		WITNamespace: l.WITNamespace,
		WITPackage:   l.WITPackage,
		WITInterface: l.WITInterface,
		LinkName:     l.LinkName,
	}
}

// NamedConfig is an ordered list of layers merged left to right;
// rightmost layer wins on key collision.
type NamedConfig struct {
	Name   string
	Layers []map[string]string
}

// Merged flattens the config's layers into a single map.
func (c NamedConfig) Merged() map[string]string {
	out := make(map[string]string, 8)
	for _, layer := range c.Layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// SecretRef is an opaque handle resolved just-in-time by an external
// secrets collaborator. It is never logged, and never persisted to disk
// by the host itself.
type SecretRef struct {
	Name string
	Ref  string
}

// TraceContext is the W3C-traceparent-shaped context propagated with
// every Invocation. See pkg/tracecontext for encode/decode helpers.
type TraceContext struct {
	TraceID [16]byte
	SpanID  [8]byte
	Sampled bool
}

// Invocation is one ephemeral request travelling the RPC plane between a
// source and a target, addressed by WIT interface and operation name.
type Invocation struct {
	InvocationID string
	Source       string
	Target       string
	WITInterface string
	Operation    string
	Payload      []byte
	ChunkRef     string
	TraceContext TraceContext
	Deadline     time.Time

	// Idempotent marks a call safe to retry once on a transient
	// transport failure.
	Idempotent bool
}

// InvocationResponse mirrors Invocation for the return leg.
type InvocationResponse struct {
	InvocationID string
	Payload      []byte
	ChunkRef     string
	Error        *InvocationError
	TraceContext TraceContext
}

// InvocationError is the structured error surfaced to a caller across
// the wire; see pkg/types/errors.go for the Kind taxonomy.
type InvocationError struct {
	Kind    ErrorKind
	Message string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// ProviderIdentity describes a capability provider process known to the
// host: the artifact used to launch it, the link name it serves, and
// when it started.
type ProviderIdentity struct {
	ID                string
	LinkName          string
	ArtifactReference string
	Annotations       map[string]string
	StartedAt         time.Time
}

// StartedComponent describes one component the host currently hosts, for
// inventory purposes.
type StartedComponent struct {
	ID            string
	ArtifactRef   string
	MaxInstances  uint32
	InstanceCount uint32
	Annotations   map[string]string
}

// HostInventory is the point-in-time view of everything a host currently
// hosts, returned in response to a host inventory request
// (get.<host_id>.inv) or a host ping.
type HostInventory struct {
	HostID     string
	Labels     map[string]string
	Components []StartedComponent
	Providers  []ProviderIdentity
	Uptime     time.Duration
	Version    string
}

// HostData is the structured bootstrap document a host reads once at
// startup, as JSON from a file path.
type HostData struct {
	Lattice             string            `json:"lattice"`
	HostID              string            `json:"host_id,omitempty"`
	TransportURL        string            `json:"transport_url"`
	TransportCredsFile  string            `json:"transport_creds_file,omitempty"`
	CtlPrefix           string            `json:"ctl_prefix,omitempty"`
	Labels              map[string]string `json:"labels,omitempty"`
	Links               []HostDataLink    `json:"links,omitempty"`
	Config              []HostDataConfig  `json:"config,omitempty"`
	PolicySubject       string            `json:"policy_subject,omitempty"`
	DefaultRPCTimeoutMS int64             `json:"default_rpc_timeout_ms,omitempty"`
	HeartbeatIntervalS  int64             `json:"heartbeat_interval_s,omitempty"`
}

// HostDataLink pre-seeds a Link at boot.
type HostDataLink struct {
	SourceID         string   `json:"source_id"`
	WITNamespace     string   `json:"wit_namespace"`
	WITPackage       string   `json:"wit_package"`
	WITInterface     string   `json:"wit_interface"`
	LinkName         string   `json:"link_name,omitempty"`
	TargetID         string   `json:"target_id"`
	SourceConfigRefs []string `json:"source_config_refs,omitempty"`
	TargetConfigRefs []string `json:"target_config_refs,omitempty"`
}

// HostDataConfig pre-seeds a NamedConfig entry at boot.
type HostDataConfig struct {
	Name   string            `json:"name"`
	Values map[string]string `json:"values"`
}
