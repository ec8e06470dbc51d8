// Package normalize turns a RawMsg into a NormMsg: field aliasing per kind,
// numeric/timestamp parsing, EntityKey resolution, and a source weight
// lookup. Alias tables are static Go maps (Open Question decision recorded
// in DESIGN.md — not inferred at runtime).
package normalize

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

// ProviderWeights gives the composite-score weight for each known upstream
// provider, keyed by the `source`/`provider` tag carried inside the raw
// payload itself — not the adapter that happened to deliver it. A provider
// missing from the table scores as "unknown" (§4.4).
var ProviderWeights = map[string]float64{
	"marine_traffic": 0.90,
	"adsb_exchange":  0.90,
	"opensky":        0.85,
	"vessel_finder":  0.85,
	"aisstream":      0.88,
	"signalr":        0.82,
	"china_port":     0.80,
	"ais":            0.75,
	"custom":         0.70,
	"unknown":        0.50,
}

// unknownProvider is both the fallback key into ProviderWeights and the
// NormMsg.Source value used when the payload carries no source/provider tag.
const unknownProvider = "unknown"

// Normalizer converts RawMsg to NormMsg, tracking which sources it has
// already logged a default-unit notice for (Open Question decision:
// unit-table-absent sources default to knots, logged once per source).
type Normalizer struct {
	loggedUnitDefault map[string]bool
	weights           map[string]float64
}

func New() *Normalizer {
	return &Normalizer{loggedUnitDefault: make(map[string]bool), weights: ProviderWeights}
}

// NewWithWeights builds a Normalizer using overrides on top of
// ProviderWeights — e.g. config.Config.SourceWeights, which the operator can
// tune per upstream provider via SOURCE_WEIGHT_<name> env vars.
func NewWithWeights(overrides map[string]float64) *Normalizer {
	weights := make(map[string]float64, len(ProviderWeights)+len(overrides))
	for k, v := range ProviderWeights {
		weights[k] = v
	}
	for k, v := range overrides {
		weights[k] = v
	}
	return &Normalizer{loggedUnitDefault: make(map[string]bool), weights: weights}
}

const knotToMPS = 0.514444
const footToMeter = 0.3048

// aisFieldAliases and adsbFieldAliases are the authoritative, source-specific
// alias tables spec §4.1 requires: every upstream key spelling accepted for
// a canonical field, enumerated explicitly rather than inferred. Several
// pack upstreams disagree on casing/naming for the same concept (`callsign`
// vs `callSign`, `heading` vs `bearing`) — both spellings are listed.
var aisFieldAliases = map[string][]string{
	"mmsi":       {"mmsi", "MMSI"},
	"imo":        {"imo", "IMO"},
	"callsign":   {"callsign", "callSign", "call_sign"},
	"name":       {"name", "shipName", "vesselName"},
	"lat":        {"lat", "Lat", "latitude", "Latitude"},
	"lon":        {"lon", "Lon", "lng", "longitude", "Longitude"},
	"speed":      {"sog", "speed", "Speed"},
	"speed_unit": {"sog_unit", "speed_unit", "unit"},
	"course":     {"cog", "course", "Course"},
	"heading":    {"heading", "bearing", "Heading"},
	"status":     {"status", "navStatus", "nav_status"},
	"ts":         {"ts", "timestamp", "updatetime", "Unixtime", "event_ts"},
	"source":     {"source", "provider"},
}

var adsbFieldAliases = map[string][]string{
	"icao24":        {"icao", "icao24", "Hexident", "hexident"},
	"registration":  {"registration", "reg", "Registration"},
	"callsign":      {"callsign", "Callsign", "flight"},
	"lat":           {"lat", "Lat", "latitude", "Latitude"},
	"lon":           {"lon", "Lon", "longitude", "Longitude"},
	"speed":         {"gs", "groundSpeed", "speed", "Speed"},
	"speed_unit":    {"gs_unit", "speed_unit", "unit"},
	"course":        {"track", "course", "Track"},
	"heading":       {"heading", "bearing", "Heading"},
	"altitude":      {"alt_baro", "altitude", "Altitude"},
	"vertical_rate": {"vertical_rate", "verticalRate", "baro_rate"},
	"status":        {"status"},
	"ts":            {"timestamp", "Unixtime", "ts", "event_ts"},
	"source":        {"source", "provider"},
}

// Normalize converts one RawMsg into a NormMsg. Returns
// models.ErrUnknownSource for a RawMsg.Kind this system doesn't support, and
// models.ErrMalformedPayload if the payload doesn't decode or is missing a
// required field (primary identifier, lat, lon, event_ts — spec §4.1).
func (n *Normalizer) Normalize(raw models.RawMsg) (models.NormMsg, error) {
	switch raw.Kind {
	case models.KindAIS:
		return n.normalize(raw, aisFieldAliases, "mmsi", "imo", "callsign")
	case models.KindADSB:
		return n.normalize(raw, adsbFieldAliases, "icao24", "registration", "callsign")
	default:
		return models.NormMsg{}, models.NewIngestError(models.EntityKey{}, "normalize", models.ErrUnknownSource)
	}
}

// normalize decodes raw.Payload generically, resolves aliases, builds the
// EntityKey by the priority-fallback chain named in idPriority, and produces
// a NormMsg. The first identifier present is used verbatim. For AIS only,
// when none is present, a "name:<v>" label built from the reported name is
// the last fallback (mmsi → imo → callsign → name:<v>); ADSB has no name
// fallback.
func (n *Normalizer) normalize(raw models.RawMsg, aliases map[string][]string, idPriority ...string) (models.NormMsg, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw.Payload, &generic); err != nil {
		return models.NormMsg{}, models.NewIngestError(models.EntityKey{}, "normalize", wrapMalformed(err))
	}

	lat, latOK := lookupFloat(generic, aliases["lat"])
	lon, lonOK := lookupFloat(generic, aliases["lon"])
	ts, tsOK := lookupTimestamp(generic, aliases["ts"])
	if !latOK || !lonOK || !tsOK {
		return models.NormMsg{}, models.NewIngestError(models.EntityKey{}, "normalize", wrapMalformed(nil))
	}

	id, idField := n.resolveEntityID(raw.Kind, generic, aliases, idPriority)
	if id == "" {
		return models.NormMsg{}, models.NewIngestError(models.EntityKey{}, "normalize", wrapMalformed(nil))
	}
	key := models.EntityKey{Kind: raw.Kind, ID: id}

	provider := strings.ToLower(lookupString(generic, aliases["source"]))
	if provider == "" {
		provider = unknownProvider
	}
	weight, known := n.weights[provider]
	if !known {
		weight = n.weights[unknownProvider]
	}

	speed, hasSpeed := lookupFloat(generic, aliases["speed"])
	unit := lookupString(generic, aliases["speed_unit"])
	if unit == "" {
		n.noteDefaultUnit(provider)
		unit = "kn"
	}
	course, hasCourse := lookupFloat(generic, aliases["course"])
	heading, _ := lookupFloat(generic, aliases["heading"])
	altitudeRaw, hasAltitude := lookupFloat(generic, aliases["altitude"])
	altitude := 0.0
	if hasAltitude {
		altitude = altitudeRaw * footToMeter
	}

	msg := models.NormMsg{
		Key:          key,
		Source:       provider,
		EventTime:    ts,
		ReceivedAt:   raw.ReceivedAt,
		Lat:          lat,
		Lon:          lon,
		SOG:          speed,
		SOGUnit:      unit,
		HasSOG:       hasSpeed,
		COG:          course,
		HasCOG:       hasCourse,
		Heading:      heading,
		Altitude:     altitude,
		SourceWeight: weight,
		Fields:       map[string]any{},
	}

	// Mirror identifiers and dynamic fields into Fields for the merger's
	// generic per-field static/dynamic selection (§4.4); only fields the
	// source actually reported are present.
	for _, f := range []string{"mmsi", "imo", "callsign", "name", "registration", "icao24"} {
		if als, ok := aliases[f]; ok {
			if v := lookupString(generic, als); v != "" {
				msg.Fields[f] = v
			}
		}
	}
	if hasSpeed {
		msg.Fields["speed"] = speed
	}
	if hasCourse {
		msg.Fields["course"] = course
	}
	if v, ok := lookupFloat(generic, aliases["heading"]); ok {
		msg.Fields["heading"] = v
	}
	if hasAltitude {
		msg.Fields["altitude"] = altitude
	}
	if v, ok := lookupFloat(generic, aliases["vertical_rate"]); ok {
		msg.Fields["vertical_rate"] = v
	}
	if v := lookupString(generic, aliases["status"]); v != "" {
		msg.Fields["status"] = v
	}
	_ = idField

	return msg, nil
}

// resolveEntityID walks idPriority in order, returning the first non-empty
// identifier found. For the vessel chain's final fallback ("callsign"
// already consulted), spec §3 additionally allows a synthetic `name:<v>`
// label when even callsign is absent and a name was reported.
func (n *Normalizer) resolveEntityID(kind models.Kind, generic map[string]any, aliases map[string][]string, idPriority []string) (string, string) {
	for _, field := range idPriority {
		if v := lookupString(generic, aliases[field]); v != "" {
			return v, field
		}
	}
	if kind == models.KindAIS {
		if v := lookupString(generic, aliases["name"]); v != "" {
			return "name:" + v, "name"
		}
	}
	return "", ""
}

func (n *Normalizer) noteDefaultUnit(provider string) {
	if n.loggedUnitDefault == nil {
		n.loggedUnitDefault = make(map[string]bool)
	}
	if n.loggedUnitDefault[provider] {
		return
	}
	n.loggedUnitDefault[provider] = true
	slog.Info("speed unit missing, defaulting to knots", "source", provider)
}

// LoggedDefaultUnit reports whether the knots-default-unit notice has
// already been logged for provider.
func (n *Normalizer) LoggedDefaultUnit(provider string) bool {
	return n.loggedUnitDefault[strings.ToLower(provider)]
}

func wrapMalformed(cause error) error {
	if cause == nil {
		return models.ErrMalformedPayload
	}
	return &wrappedError{msg: models.ErrMalformedPayload.Error() + ": " + cause.Error(), base: models.ErrMalformedPayload}
}

type wrappedError struct {
	msg  string
	base error
}

func (e *wrappedError) Error() string { return e.msg }
func (e *wrappedError) Unwrap() error { return e.base }

// lookupString returns the first present, non-empty string value among
// aliases, converting numeric JSON values to their string form.
func lookupString(generic map[string]any, aliases []string) string {
	for _, a := range aliases {
		v, ok := generic[a]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

// lookupFloat accepts numbers or numeric strings, per spec §4.1.
func lookupFloat(generic map[string]any, aliases []string) (float64, bool) {
	for _, a := range aliases {
		v, ok := generic[a]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// lookupTimestamp accepts seconds-since-epoch (numeric or numeric string,
// multiplied by 1000 per spec §4.1) or an ISO-8601 string parsed as UTC.
func lookupTimestamp(generic map[string]any, aliases []string) (time.Time, bool) {
	for _, a := range aliases {
		v, ok := generic[a]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return time.Unix(int64(t), 0).UTC(), true
		case string:
			if secs, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return time.Unix(secs, 0).UTC(), true
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return time.Unix(int64(f), 0).UTC(), true
			}
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
