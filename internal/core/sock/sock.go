// Package sock models a single Owlet sock: its static descriptor, the
// last-known raw and normalised property sets, and the commands it accepts.
// Vendor property blobs are version-specific and loosely typed; this
// package maps them into a stable schema via declarative field tables.
package sock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/trymwestin/owletd/internal/core/api"
)

// ErrUnknownProperty is returned by Property for a key that was never
// populated, e.g. a v3-only field on a v2 sock.
var ErrUnknownProperty = errors.New("unknown property")

// baseStationProperty is the command property toggling the base station.
const baseStationProperty = "BASE_STATION_ON"

// chargingStatuses indexes the v3 "chg" value.
var chargingStatuses = []string{"NOT CHARGING", "CHARGING", "CHARGED"}

// vitalsTimeLayout is the vendor's timestamp format on property metadata;
// displayTimeLayout is what last_updated is reformatted to.
const (
	vitalsTimeLayout  = "2006-01-02T15:04:05Z"
	displayTimeLayout = "2006/01/02 15:04:05"
)

// Sock is one physical sock. It issues reads and commands through the
// session client and caches its hardware generation after the first
// property fetch. Not safe for concurrent use.
type Sock struct {
	api  *api.Client
	desc api.Descriptor
	log  *slog.Logger

	// version and revision are detected once and never re-derived; a
	// device's hardware generation cannot change at runtime.
	version  api.Version
	revision string

	raw        api.Properties
	properties map[string]any
}

// Update is the result of one property refresh.
type Update struct {
	Raw        api.Properties
	Properties map[string]any
	Version    api.Version
	Revision   string
	Tokens     *api.Tokens
}

// New wraps a discovered device descriptor. When the descriptor carries a
// version from discovery it is adopted as-is.
func New(client *api.Client, dev api.Device, log *slog.Logger) *Sock {
	return &Sock{
		api:     client,
		desc:    dev.Descriptor,
		version: dev.Version,
		log:     log,
	}
}

func (s *Sock) Name() string             { return s.desc.Name }
func (s *Sock) Model() string            { return s.desc.Model }
func (s *Sock) Serial() string           { return s.desc.DSN }
func (s *Sock) OEMModel() string         { return s.desc.OEMModel }
func (s *Sock) SWVersion() string        { return s.desc.SWVersion }
func (s *Sock) MAC() string              { return s.desc.MAC }
func (s *Sock) LanIP() string            { return s.desc.LanIP }
func (s *Sock) ConnectionStatus() string { return s.desc.ConnectionStatus }
func (s *Sock) DeviceType() string       { return s.desc.DeviceType }
func (s *Sock) ManufModel() string       { return s.desc.ManufModel }

// Version returns the cached hardware generation.
func (s *Sock) Version() api.Version { return s.version }

// Revision returns the v3 hardware revision, empty until the first v3
// property fetch.
func (s *Sock) Revision() string { return s.revision }

// UpdateProperties fetches the current raw property set, classifies the
// sock on first sight, and re-derives the normalised properties.
func (s *Sock) UpdateProperties(ctx context.Context) (*Update, error) {
	raw, tokens, err := s.api.GetProperties(ctx, s.desc.DSN)
	if err != nil {
		return nil, fmt.Errorf("sock %s: update properties: %w", s.desc.DSN, err)
	}
	s.raw = raw

	if s.version == api.VersionUnknown {
		s.version = api.DetectVersion(raw)
		s.log.Debug("sock version detected", "dsn", s.desc.DSN, "version", int(s.version))
	}
	if s.version == api.Version3 && s.revision == "" {
		s.revision = revisionFromRaw(raw)
	}

	s.properties = normalise(raw, s.version)
	return &Update{
		Raw:        raw,
		Properties: s.properties,
		Version:    s.version,
		Revision:   s.revision,
		Tokens:     tokens,
	}, nil
}

// RawProperties returns the raw property set from the last update.
func (s *Sock) RawProperties() api.Properties { return s.raw }

// Properties returns a copy of the normalised properties from the last
// update.
func (s *Sock) Properties() map[string]any {
	cp := make(map[string]any, len(s.properties))
	for k, v := range s.properties {
		cp[k] = v
	}
	return cp
}

// Property looks up a single normalised field.
func (s *Sock) Property(key string) (any, error) {
	v, ok := s.properties[key]
	if !ok {
		return nil, fmt.Errorf("sock %s: %w: %q", s.desc.DSN, ErrUnknownProperty, key)
	}
	return v, nil
}

// ControlBaseStation toggles the base station. The vendor expects the
// boolean as a string plus a request timestamp inside the datapoint value.
// It reports whether the vendor acknowledged with a non-empty response.
func (s *Sock) ControlBaseStation(ctx context.Context, on bool) (bool, error) {
	value := map[string]any{
		"base_station_on": strconv.FormatBool(on),
		"time":            time.Now().Unix(),
	}
	raw, _, err := s.api.PostCommand(ctx, s.desc.DSN, baseStationProperty, value)
	if err != nil {
		return false, fmt.Errorf("sock %s: control base station: %w", s.desc.DSN, err)
	}
	s.log.Info("base station toggled", "dsn", s.desc.DSN, "on", on)
	return len(raw) > 0 && string(raw) != "null", nil
}

// normalise maps a raw property set into the stable schema for the given
// version. It is a pure function of the raw state and the version; fields
// missing from the payload are silently skipped.
func normalise(raw api.Properties, ver api.Version) map[string]any {
	out := make(map[string]any)

	for _, f := range alertFields {
		entry, ok := raw[f.vendor]
		if !ok {
			continue
		}
		if v, ok := coerce(entry.Value, f.kind); ok {
			out[f.key] = v
		}
	}

	switch ver {
	case api.Version3:
		normaliseVitals(raw, out)
	case api.Version2:
		for _, f := range v2Fields {
			entry, ok := raw[f.vendor]
			if !ok {
				continue
			}
			if v, ok := coerce(entry.Value, f.kind); ok {
				out[f.key] = v
			}
		}
	}
	return out
}

// normaliseVitals decodes the JSON-encoded REAL_TIME_VITALS value of a v3
// sock into out.
func normaliseVitals(raw api.Properties, out map[string]any) {
	entry, ok := raw["REAL_TIME_VITALS"]
	if !ok {
		return
	}
	vitals, ok := decodeVitals(entry.Value)
	if !ok {
		return
	}

	for _, f := range vitalsFields {
		v, ok := vitals[f.vendor]
		if !ok {
			continue
		}
		if c, ok := coerce(v, f.kind); ok {
			out[f.key] = c
		}
	}

	// The base station reads as on while a sock is charging on it, even
	// when the bso flag itself is clear.
	bso, haveBSO := asBool(vitals["bso"])
	chg, haveCHG := asBool(vitals["chg"])
	if haveBSO || haveCHG {
		out["base_station_on"] = bso || chg
	}
	if n, ok := asFloat(vitals["chg"]); ok {
		if i := int(n); i >= 0 && i < len(chargingStatuses) {
			out["charging"] = chargingStatuses[i]
		}
	}

	if entry.DataUpdatedAt != "" {
		if t, err := time.Parse(vitalsTimeLayout, entry.DataUpdatedAt); err == nil {
			out["last_updated"] = t.Format(displayTimeLayout)
		}
	}
}

// revisionFromRaw decodes the hardware revision embedded in the vitals
// blob.
func revisionFromRaw(raw api.Properties) string {
	entry, ok := raw["REAL_TIME_VITALS"]
	if !ok {
		return ""
	}
	vitals, ok := decodeVitals(entry.Value)
	if !ok {
		return ""
	}
	hw, _ := vitals["hw"].(string)
	return hw
}

func decodeVitals(value any) (map[string]any, bool) {
	s, ok := value.(string)
	if !ok {
		return nil, false
	}
	var vitals map[string]any
	if err := json.Unmarshal([]byte(s), &vitals); err != nil {
		return nil, false
	}
	return vitals, true
}
