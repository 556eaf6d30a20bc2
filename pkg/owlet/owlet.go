// Package owlet provides a public facade re-exporting core types
// for external consumers of this module.
package owlet

import (
	"log/slog"
	"net/http"

	"github.com/trymwestin/owletd/internal/core/api"
	"github.com/trymwestin/owletd/internal/core/sock"
	"github.com/trymwestin/owletd/internal/core/state"
)

// Re-export core types for external use.
type (
	// Client owns one Owlet cloud session.
	Client = api.Client
	// Tokens is a snapshot of the session token triple.
	Tokens = api.Tokens
	// Region selects the vendor endpoint set and app credentials.
	Region = api.Region
	// Version is the hardware generation of a sock.
	Version = api.Version
	// Descriptor holds the static attributes of a registered device.
	Descriptor = api.Descriptor
	// Device is a discovered descriptor with its detected version.
	Device = api.Device
	// Properties maps vendor property name to its raw entry.
	Properties = api.Properties
	// Sock models a single Owlet sock device.
	Sock = sock.Sock
	// Update is the result of one property refresh.
	Update = sock.Update
	// DeviceState is the last-known state of one sock.
	DeviceState = state.DeviceState
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
)

// Region constants.
const (
	RegionWorld  = api.RegionWorld
	RegionEurope = api.RegionEurope
)

// Version constants.
const (
	VersionUnknown = api.VersionUnknown
	Version2       = api.Version2
	Version3       = api.Version3
)

// Error kinds, matched with errors.Is.
var (
	ErrAuth            = api.ErrAuth
	ErrCredentials     = api.ErrCredentials
	ErrConnection      = api.ErrConnection
	ErrNoDevices       = api.ErrNoDevices
	ErrUnknownProperty = sock.ErrUnknownProperty
)

// NewClient creates a session client for the given region. See
// api.NewClient.
func NewClient(region Region, user, password string, prior *Tokens, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	return api.NewClient(region, user, password, prior, httpClient, log)
}

// NewSock wraps a discovered device in a sock model.
func NewSock(client *Client, dev Device, log *slog.Logger) *Sock {
	return sock.New(client, dev, log)
}
