// Package device is the embeddable client-side façade of the lwm2m
// module: it wires together the Registration, Bootstrap, and
// Observe/Notify engines behind a small API for application code that
// exposes Objects and reports resource changes, mirroring the teacher's
// mobile package's ConnectionParams/connection-cache shape.
package device

import (
	"context"

	"github.com/lwm2m-go/lwm2m"
)

// Device is one embedded LWM2M client endpoint.
type Device struct {
	EndpointName string
	Registry     *lwm2m.Registry
	ACL          *lwm2m.ACLEngine
	Registration *lwm2m.RegistrationClient
	Observers    *lwm2m.ObserveEngine
	Bootstrap    *lwm2m.BootstrapClient
	Log          lwm2m.Logger
}

// New builds a Device ready to have Objects registered on it before Start.
func New(endpointName string, regTransport lwm2m.RegistrationTransport, notifyTransport lwm2m.ClientNotifyTransport, bootstrapTransport lwm2m.BootstrapRequestTransport) *Device {
	registry := lwm2m.NewRegistry()
	acl := lwm2m.NewACLEngine()
	return &Device{
		EndpointName: endpointName,
		Registry:     registry,
		ACL:          acl,
		Registration: lwm2m.NewRegistrationClient(endpointName, regTransport, registry),
		Observers:    lwm2m.NewClientObserveEngine(registry, notifyTransport),
		Bootstrap: &lwm2m.BootstrapClient{
			EndpointName: endpointName,
			Transport:    bootstrapTransport,
			Registry:     registry,
			ACL:          acl,
		},
	}
}

// AddObject registers one Object descriptor with the device, per
// spec.md §3. Call this before Start.
func (d *Device) AddObject(obj *lwm2m.Object) {
	d.Registry.Add(obj)
}

// Handler builds the RequestHandler this device uses to answer incoming
// management requests, wired to the device's own Registry, ACL table,
// and Observe engine, per spec.md §4.4.
func (d *Device) Handler(numServers int) *lwm2m.RequestHandler {
	return &lwm2m.RequestHandler{
		Registry:   d.Registry,
		ACL:        d.ACL,
		Log:        d.Log,
		NumServers: numServers,
		Observers:  d.Observers,
		Bootstrap:  d.Bootstrap,
	}
}

// Start registers with every pre-configured server, per spec.md §4.2.
// Devices that must bootstrap first should call StartBootstrap instead
// and invoke Start once the BootstrapFinished event fires.
func (d *Device) Start(ctx context.Context, servers []lwm2m.ServerConnection) error {
	return d.Registration.RegisterAll(ctx, servers)
}

// StartBootstrap kicks off the Bootstrap interface's hold-off timer and
// Bootstrap-Request, per spec.md §4.6.
func (d *Device) StartBootstrap(ctx context.Context) {
	d.Bootstrap.Start(ctx)
}

// Stop deregisters from every server, per spec.md §4.2.
func (d *Device) Stop(ctx context.Context) error {
	return d.Registration.Stop(ctx)
}

// ValuesChanged pushes Notify messages to every server observing any of
// the given paths, per spec.md §4.6. Call this after a local write to
// resource state, not after a Create/Delete (use ObjectsChanged for that).
func (d *Device) ValuesChanged(paths ...lwm2m.Path) {
	d.Observers.NotifyChanged(paths)
}

// ObjectsChanged re-advertises the current Object/Instance list to every
// registered server, per spec.md §4.2/§4.5 — call this after a local
// Create or Delete.
func (d *Device) ObjectsChanged(ctx context.Context) error {
	return d.Registration.SendUpdateAll(ctx)
}
