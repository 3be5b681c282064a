package control

import (
	"fmt"
	"strings"
)

// DefaultCtlPrefix is used when a host's bootstrap document does not
// override it.
const DefaultCtlPrefix = "wasmbus.ctl"

// QueueGroup is the NATS queue group every host-targeted command
// subscription joins, so exactly one process handles each command even
// if several hosts briefly share a lattice during a rolling restart.
func QueueGroup(hostID string) string {
	return "host-" + hostID
}

func ctlNamespace(prefix, lattice string) string {
	if prefix == "" {
		prefix = DefaultCtlPrefix
	}
	return fmt.Sprintf("%s.%s", prefix, lattice)
}

// AuctionComponentSubject is broadcast to every host able to bid on
// hosting a new component.
func AuctionComponentSubject(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".auction.component"
}

// AuctionProviderSubject is broadcast to every host able to bid on
// hosting a new capability provider process.
func AuctionProviderSubject(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".auction.provider"
}

// ScaleSubject addresses a Scale command at exactly one host.
func ScaleSubject(prefix, lattice, hostID string) string {
	return fmt.Sprintf("%s.cmd.%s.scale", ctlNamespace(prefix, lattice), hostID)
}

// StartProviderSubject addresses a Start Provider ("lp") command at
// exactly one host.
func StartProviderSubject(prefix, lattice, hostID string) string {
	return fmt.Sprintf("%s.cmd.%s.lp", ctlNamespace(prefix, lattice), hostID)
}

// StopProviderSubject addresses a Stop Provider ("sp") command at
// exactly one host.
func StopProviderSubject(prefix, lattice, hostID string) string {
	return fmt.Sprintf("%s.cmd.%s.sp", ctlNamespace(prefix, lattice), hostID)
}

// UpdateComponentSubject addresses an Update Component command at
// exactly one host.
func UpdateComponentSubject(prefix, lattice, hostID string) string {
	return fmt.Sprintf("%s.cmd.%s.upd", ctlNamespace(prefix, lattice), hostID)
}

// StopHostSubject addresses a Stop Host command at exactly one host.
func StopHostSubject(prefix, lattice, hostID string) string {
	return fmt.Sprintf("%s.cmd.%s.stop", ctlNamespace(prefix, lattice), hostID)
}

// PutLinkSubject is broadcast to every host in the lattice on a link put.
func PutLinkSubject(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".linkdefs.put"
}

// DelLinkSubject is broadcast to every host in the lattice on a link delete.
func DelLinkSubject(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".linkdefs.del"
}

// PutConfigSubject is broadcast on a named-config key write.
func PutConfigSubject(prefix, lattice, entity, key string) string {
	return fmt.Sprintf("%s.config.put.%s.%s", ctlNamespace(prefix, lattice), entity, key)
}

// DelConfigKeySubject is broadcast on a single named-config key delete.
func DelConfigKeySubject(prefix, lattice, entity, key string) string {
	return fmt.Sprintf("%s.config.del.%s.%s", ctlNamespace(prefix, lattice), entity, key)
}

// DelConfigAllSubject is broadcast when an entire named-config entry is
// cleared.
func DelConfigAllSubject(prefix, lattice, entity string) string {
	return fmt.Sprintf("%s.config.del.%s", ctlNamespace(prefix, lattice), entity)
}

// GetLinksSubject is the fleet-wide request subject for the current
// link set.
func GetLinksSubject(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".get.links"
}

// HostInventorySubject addresses an inventory request at exactly one
// host.
func HostInventorySubject(prefix, lattice, hostID string) string {
	return fmt.Sprintf("%s.get.%s.inv", ctlNamespace(prefix, lattice), hostID)
}

// PingHostsSubject is broadcast to every host in the lattice; each
// replies with its own heartbeat.
func PingHostsSubject(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".ping.hosts"
}

// EventSubject is where a typed lifecycle/link/config/host event for
// eventName is published.
func EventSubject(lattice, eventName string) string {
	return fmt.Sprintf("wasmbus.evt.%s.%s", lattice, eventName)
}

// ConfigPutPattern is the wildcarded subscription pattern a host uses to
// receive every per-key config put, regardless of entity or key.
func ConfigPutPattern(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".config.put.*.*"
}

// ConfigDelKeyPattern is the wildcarded subscription pattern for a
// single config key delete.
func ConfigDelKeyPattern(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".config.del.*.*"
}

// ConfigDelAllPattern is the wildcarded subscription pattern for a
// whole-entity config clear (one token shorter than the key-scoped
// delete, so the two subscriptions never collide).
func ConfigDelAllPattern(prefix, lattice string) string {
	return ctlNamespace(prefix, lattice) + ".config.del.*"
}

// splitConfigSubject extracts the dynamic trailing tokens from a config
// put/del subject matched by one of the patterns above.
func splitConfigSubject(subject string) []string {
	parts := strings.Split(subject, ".")
	if len(parts) < 2 {
		return nil
	}
	// config.put/del always precede the dynamic entity[.key] tail; the
	// tail is whatever trails the literal "put"/"del" token.
	for i, p := range parts {
		if p == "put" || p == "del" {
			return parts[i+1:]
		}
	}
	return nil
}
