package session

import "context"

// Descriptor is what the hub learns about a device on registration.
type Descriptor struct {
	ID          string
	Title       string
	Address     string
	Description string
	Properties  map[Property]any
}

// Hub is the smart-home side of the bridge.
type Hub interface {
	RegisterDevice(ctx context.Context, d Descriptor) error
	RemoveDevice(ctx context.Context, id string) error
	PropertyChanged(ctx context.Context, id string, p Property, value any) error
	SetReachable(ctx context.Context, id string, reachable bool) error
}
