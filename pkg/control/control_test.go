package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasmbus-host/pkg/events"
	"github.com/cuemby/wasmbus-host/pkg/registry"
	"github.com/cuemby/wasmbus-host/pkg/transport"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

func TestSubjectsMatchExternalInterfaceTable(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"auction.component", AuctionComponentSubject("wasmbus.ctl", "default"), "wasmbus.ctl.default.auction.component"},
		{"auction.provider", AuctionProviderSubject("wasmbus.ctl", "default"), "wasmbus.ctl.default.auction.provider"},
		{"scale", ScaleSubject("wasmbus.ctl", "default", "host1"), "wasmbus.ctl.default.cmd.host1.scale"},
		{"lp", StartProviderSubject("wasmbus.ctl", "default", "host1"), "wasmbus.ctl.default.cmd.host1.lp"},
		{"sp", StopProviderSubject("wasmbus.ctl", "default", "host1"), "wasmbus.ctl.default.cmd.host1.sp"},
		{"upd", UpdateComponentSubject("wasmbus.ctl", "default", "host1"), "wasmbus.ctl.default.cmd.host1.upd"},
		{"stop", StopHostSubject("wasmbus.ctl", "default", "host1"), "wasmbus.ctl.default.cmd.host1.stop"},
		{"linkdefs.put", PutLinkSubject("wasmbus.ctl", "default"), "wasmbus.ctl.default.linkdefs.put"},
		{"linkdefs.del", DelLinkSubject("wasmbus.ctl", "default"), "wasmbus.ctl.default.linkdefs.del"},
		{"config.put", PutConfigSubject("wasmbus.ctl", "default", "comp-1", "region"), "wasmbus.ctl.default.config.put.comp-1.region"},
		{"config.del.key", DelConfigKeySubject("wasmbus.ctl", "default", "comp-1", "region"), "wasmbus.ctl.default.config.del.comp-1.region"},
		{"config.del.all", DelConfigAllSubject("wasmbus.ctl", "default", "comp-1"), "wasmbus.ctl.default.config.del.comp-1"},
		{"get.links", GetLinksSubject("wasmbus.ctl", "default"), "wasmbus.ctl.default.get.links"},
		{"get.inv", HostInventorySubject("wasmbus.ctl", "default", "host1"), "wasmbus.ctl.default.get.host1.inv"},
		{"ping.hosts", PingHostsSubject("wasmbus.ctl", "default"), "wasmbus.ctl.default.ping.hosts"},
		{"evt", EventSubject("default", "component_scaled"), "wasmbus.evt.default.component_scaled"},
		{"default ctl_prefix", ScaleSubject("", "default", "host1"), "wasmbus.ctl.default.cmd.host1.scale"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.got)
		})
	}
}

func TestSplitConfigSubjectExtractsDynamicTail(t *testing.T) {
	assert.Equal(t, []string{"comp-1", "region"}, splitConfigSubject("wasmbus.ctl.default.config.put.comp-1.region"))
	assert.Equal(t, []string{"comp-1"}, splitConfigSubject("wasmbus.ctl.default.config.del.comp-1"))
}

type fakeManager struct {
	scaled      bool
	updated     bool
	providerUp  bool
	providerErr error
}

func (f *fakeManager) Scale(context.Context, string, string, uint32, map[string]string, []string) error {
	f.scaled = true
	return nil
}
func (f *fakeManager) Update(context.Context, string, string) error {
	f.updated = true
	return nil
}
func (f *fakeManager) Stop(context.Context, string) error { return nil }
func (f *fakeManager) StartProvider(context.Context, types.ProviderIdentity) error {
	if f.providerErr != nil {
		return f.providerErr
	}
	f.providerUp = true
	return nil
}
func (f *fakeManager) StopProvider(context.Context, string) error { return nil }
func (f *fakeManager) StartedComponents() []types.StartedComponent { return nil }
func (f *fakeManager) RunningProviders() []types.ProviderIdentity  { return nil }

func newTestPlane(t *testing.T, mgr ComponentManager) *Plane {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(Config{
		Registry:  registry.New(nil),
		Lifecycle: mgr,
		Events:    broker,
		Lattice:   "default",
		HostID:    "host1",
	})
}

func TestHandleScaleDecodesAndCallsManager(t *testing.T) {
	mgr := &fakeManager{}
	p := newTestPlane(t, mgr)

	body, err := json.Marshal(scaleCommand{ComponentID: "comp-1", ArtifactRef: "mem://v1", MaxInstances: 2})
	require.NoError(t, err)

	ack := p.handleScale(context.Background(), &transport.Message{Data: body})
	assert.True(t, ack.Success)
	assert.True(t, mgr.scaled)
}

func TestHandleScaleWithMalformedJSONFails(t *testing.T) {
	p := newTestPlane(t, &fakeManager{})

	ack := p.handleScale(context.Background(), &transport.Message{Data: []byte("not json")})
	assert.False(t, ack.Success)
	assert.NotEmpty(t, ack.Message)
}

func TestHandleUpdateComponentCallsManager(t *testing.T) {
	mgr := &fakeManager{}
	p := newTestPlane(t, mgr)

	body, _ := json.Marshal(updateCommand{ComponentID: "comp-1", NewArtifactRef: "mem://v2"})
	ack := p.handleUpdateComponent(context.Background(), &transport.Message{Data: body})
	assert.True(t, ack.Success)
	assert.True(t, mgr.updated)
}

func TestHandleStartProviderSurfacesManagerError(t *testing.T) {
	mgr := &fakeManager{providerErr: errors.New("containerd unavailable")}
	p := newTestPlane(t, mgr)

	body, _ := json.Marshal(startProviderCommand{ProviderID: "redis-provider", LinkName: "default"})
	ack := p.handleStartProvider(context.Background(), &transport.Message{Data: body})
	assert.False(t, ack.Success)
	assert.False(t, mgr.providerUp)
}

func TestHandleStopHostInvokesCallbackAsynchronously(t *testing.T) {
	p := newTestPlane(t, &fakeManager{})
	called := make(chan struct{})
	p.OnStopHost = func(context.Context) { close(called) }

	ack := p.handleStopHost(context.Background(), &transport.Message{})
	assert.True(t, ack.Success)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("OnStopHost was not invoked")
	}
}

func TestHandlePutLinkAndGetLinksRoundTrip(t *testing.T) {
	p := newTestPlane(t, &fakeManager{})

	link := types.Link{SourceID: "app", WITNamespace: "wasi", WITPackage: "keyvalue", WITInterface: "store", LinkName: "default", TargetID: "redis"}
	body, err := json.Marshal(link)
	require.NoError(t, err)

	ack := p.handlePutLink(context.Background(), &transport.Message{Data: body})
	assert.True(t, ack.Success)

	links := p.registry.AllLinks()
	require.Len(t, links, 1)
	assert.Equal(t, "redis", links[0].TargetID)
}

func TestHandleDelLinkRemovesLink(t *testing.T) {
	p := newTestPlane(t, &fakeManager{})
	link := types.Link{SourceID: "app", WITNamespace: "wasi", WITPackage: "keyvalue", WITInterface: "store", LinkName: "default", TargetID: "redis"}
	p.registry.PutLink(link)

	keyBody, err := json.Marshal(link.Key())
	require.NoError(t, err)

	ack := p.handleDelLink(context.Background(), &transport.Message{Data: keyBody})
	assert.True(t, ack.Success)
	assert.Empty(t, p.registry.AllLinks())
}

func TestHandlePutConfigMergesKeysUnderEntity(t *testing.T) {
	p := newTestPlane(t, &fakeManager{})

	body, _ := json.Marshal(configValue{Value: "us-east"})
	ack := p.handlePutConfig(context.Background(), &transport.Message{
		Subject: "wasmbus.ctl.default.config.put.comp-1.region",
		Data:    body,
	})
	require.True(t, ack.Success)

	values, ok := p.registry.GetConfig("comp-1")
	require.True(t, ok)
	assert.Equal(t, "us-east", values["region"])
}

func TestHandleDelConfigKeyRemovesOnlyThatKey(t *testing.T) {
	p := newTestPlane(t, &fakeManager{})
	p.registry.PutConfig("comp-1", map[string]string{"region": "us-east", "tier": "gold"})

	ack := p.handleDelConfigKey(context.Background(), &transport.Message{
		Subject: "wasmbus.ctl.default.config.del.comp-1.region",
	})
	require.True(t, ack.Success)

	values, ok := p.registry.GetConfig("comp-1")
	require.True(t, ok)
	_, hasRegion := values["region"]
	assert.False(t, hasRegion)
	assert.Equal(t, "gold", values["tier"])
}

func TestHandleDelConfigAllClearsEntity(t *testing.T) {
	p := newTestPlane(t, &fakeManager{})
	p.registry.PutConfig("comp-1", map[string]string{"region": "us-east"})

	ack := p.handleDelConfigAll(context.Background(), &transport.Message{
		Subject: "wasmbus.ctl.default.config.del.comp-1",
	})
	require.True(t, ack.Success)

	_, ok := p.registry.GetConfig("comp-1")
	assert.False(t, ok)
}

func TestInventoryReflectsManagerState(t *testing.T) {
	p := newTestPlane(t, &fakeManager{})
	inv := p.inventory()
	assert.Equal(t, "host1", inv.HostID)
	assert.GreaterOrEqual(t, inv.Uptime, time.Duration(0))
}
