package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// probeLimit bounds the concurrent per-device version probes during
// discovery.
const probeLimit = 4

// Version is the hardware generation of a sock, detected from the raw
// property key set.
type Version int

const (
	VersionUnknown Version = 0
	Version2       Version = 2
	Version3       Version = 3
)

// DetectVersion classifies a raw property set. Third-generation socks report
// the REAL_TIME_VITALS blob, second-generation socks report flat properties
// such as CHARGE_STATUS.
func DetectVersion(props Properties) Version {
	if _, ok := props["REAL_TIME_VITALS"]; ok {
		return Version3
	}
	if _, ok := props["CHARGE_STATUS"]; ok {
		return Version2
	}
	return VersionUnknown
}

// Descriptor holds the static attributes of a registered device, fetched
// once at discovery time.
type Descriptor struct {
	Name             string `json:"product_name"`
	Model            string `json:"model"`
	DSN              string `json:"dsn"`
	OEMModel         string `json:"oem_model"`
	SWVersion        string `json:"sw_version"`
	MAC              string `json:"mac"`
	LanIP            string `json:"lan_ip"`
	ConnectionStatus string `json:"connection_status"`
	DeviceType       string `json:"device_type"`
	ManufModel       string `json:"manuf_model"`
}

// Device is a discovered descriptor together with its detected version.
type Device struct {
	Descriptor
	Version Version
}

type deviceEntry struct {
	Device Descriptor `json:"device"`
}

// Property is one raw vendor property entry.
type Property struct {
	Name          string `json:"name"`
	Value         any    `json:"value"`
	DataUpdatedAt string `json:"data_updated_at"`
}

// Properties maps vendor property name to its raw entry.
type Properties map[string]Property

type propertyEntry struct {
	Property Property `json:"property"`
}

// Devices fetches the registered device list, probes each device's
// properties concurrently to detect its version, and filters to the allowed
// set. A failed probe excludes that device rather than aborting discovery.
// An empty filtered result is ErrNoDevices.
func (c *Client) Devices(ctx context.Context, allowed ...Version) ([]Device, *Tokens, error) {
	raw, err := c.Request(ctx, http.MethodGet, "/devices.json", nil)
	if err != nil {
		return nil, nil, err
	}

	var entries []deviceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("api: decode device list: %w", err)
	}

	versions := make([]Version, len(entries))
	g := new(errgroup.Group)
	g.SetLimit(probeLimit)
	for i, entry := range entries {
		g.Go(func() error {
			props, err := c.properties(ctx, entry.Device.DSN)
			if err != nil {
				c.log.Warn("version probe failed, excluding device", "dsn", entry.Device.DSN, "error", err)
				return nil
			}
			versions[i] = DetectVersion(props)
			return nil
		})
	}
	g.Wait()

	var devices []Device
	for i, entry := range entries {
		if !versionAllowed(versions[i], allowed) {
			continue
		}
		devices = append(devices, Device{Descriptor: entry.Device, Version: versions[i]})
	}
	if len(devices) == 0 {
		return nil, nil, fmt.Errorf("api: %w for versions %v", ErrNoDevices, allowed)
	}
	return devices, c.snapshot(), nil
}

func versionAllowed(v Version, allowed []Version) bool {
	if len(allowed) == 0 {
		return v != VersionUnknown
	}
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// GetProperties activates the device and fetches its current raw property
// set keyed by property name, together with a token snapshot when the
// session tokens changed underneath.
func (c *Client) GetProperties(ctx context.Context, dsn string) (Properties, *Tokens, error) {
	props, err := c.properties(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return props, c.snapshot(), nil
}

func (c *Client) properties(ctx context.Context, dsn string) (Properties, error) {
	// The vendor only reports live data for a device that was recently
	// marked active, so re-activate before every fetch.
	if err := c.activate(ctx, dsn); err != nil {
		return nil, err
	}

	raw, err := c.Request(ctx, http.MethodGet, "/dsns/"+dsn+"/properties.json", nil)
	if err != nil {
		return nil, err
	}

	var entries []propertyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("api: decode properties for %s: %w", dsn, err)
	}

	props := make(Properties, len(entries))
	for _, e := range entries {
		props[e.Property.Name] = e.Property
	}
	return props, nil
}

// activate writes APP_ACTIVE=1 for the device.
func (c *Client) activate(ctx context.Context, dsn string) error {
	_, err := c.Request(ctx, http.MethodPost, "/dsns/"+dsn+"/properties/APP_ACTIVE/datapoints.json", datapoint(1))
	return err
}

// PostCommand activates the device and writes a datapoint to the named
// command property. The raw vendor response is returned for the caller to
// inspect.
func (c *Client) PostCommand(ctx context.Context, dsn, property string, value any) (json.RawMessage, *Tokens, error) {
	if err := c.activate(ctx, dsn); err != nil {
		return nil, nil, err
	}

	raw, err := c.Request(ctx, http.MethodPost, "/dsns/"+dsn+"/properties/"+property+"/datapoints.json", datapoint(value))
	if err != nil {
		return nil, nil, err
	}
	return raw, c.snapshot(), nil
}

func datapoint(value any) map[string]any {
	return map[string]any{
		"datapoint": map[string]any{
			"metadata": map[string]any{},
			"value":    value,
		},
	}
}
