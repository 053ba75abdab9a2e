// Package ais provides AIS message types and the payload normalizer.
package ais

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// MsgType identifies which extension row accompanies a message.
type MsgType string

const (
	TypeStaticData     MsgType = "static_data"
	TypePositionReport MsgType = "position_report"
)

// TimeLayout is the fixed-width text form of timestamps in the embedded
// store, at microsecond resolution.
const TimeLayout = "2006-01-02 15:04:05.000000"

// ErrMalformedPayload is returned when an ingestion payload cannot be normalized.
var ErrMalformedPayload = errors.New("malformed AIS payload")

// Message is one normalized AIS report. Exactly one of Static or Position
// is set, matching Type.
type Message struct {
	Timestamp time.Time
	Class     string
	MMSI      int64
	Type      MsgType

	Static   *StaticData
	Position *PositionReport
}

// StaticData holds the optional vessel metadata of a static_data message.
type StaticData struct {
	IMO         *int64
	CallSign    *string
	Destination *string
	Name        *string
	VesselType  *string
}

// PositionReport holds the kinematic fix of a position_report message.
// The MapView keys are filled in by a tile resolver before persistence.
type PositionReport struct {
	Latitude  float64
	Longitude float64
	Status    string
	RoT       float64
	SoG       float64
	CoG       float64
	Heading   float64

	MapView1 *int64
	MapView2 *int64
	MapView3 *int64
}

// FlexInt64 handles JSON fields that can be either string or number.
// Unlike a lenient decoder it rejects strings that are not integers.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*f = FlexInt64(i)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected integer or numeric string, got %s", data)
	}
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("expected numeric string, got %q", s)
	}
	*f = FlexInt64(i)
	return nil
}

// wireMessage mirrors the feed's JSON field names. Optional fields are kept
// raw so a wrong type degrades to "absent" instead of failing the object.
type wireMessage struct {
	Timestamp *string    `json:"Timestamp"`
	Class     *string    `json:"Class"`
	MMSI      *FlexInt64 `json:"MMSI"`
	MsgType   *string    `json:"MsgType"`

	IMO         json.RawMessage `json:"IMO"`
	CallSign    json.RawMessage `json:"CallSign"`
	Destination json.RawMessage `json:"Destination"`
	Name        json.RawMessage `json:"Name"`
	VesselType  json.RawMessage `json:"VesselType"`

	Position *wirePosition `json:"Position"`
	Status   *string       `json:"Status"`
	RoT      *float64      `json:"RoT"`
	SoG      *float64      `json:"SoG"`
	CoG      *float64      `json:"CoG"`
	Heading  *float64      `json:"Heading"`
}

type wirePosition struct {
	Type        string    `json:"type"`
	Coordinates []*float64 `json:"coordinates"`
}

// ConvertTime rewrites an ISO-8601 UTC timestamp into the space separated,
// zone stripped form used by the store. It is a plain string rewrite.
func ConvertTime(ts string) string {
	return strings.ReplaceAll(strings.ReplaceAll(ts, "T", " "), "Z", "")
}

// ParseTimestamp converts and parses a feed timestamp as a UTC instant.
func ParseTimestamp(ts string) (time.Time, error) {
	// Fractional seconds are accepted even though the layout omits them.
	t, err := time.ParseInLocation("2006-01-02 15:04:05", ConvertTime(ts), time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Normalize decodes a payload holding a single message object or an array
// of them. Output order follows input order. Any invalid element rejects
// the whole payload with ErrMalformedPayload.
func Normalize(payload []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	var raws []json.RawMessage
	switch trimmed[0] {
	case '{':
		raws = []json.RawMessage{trimmed}
	case '[':
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: top-level value must be an object or array", ErrMalformedPayload)
	}

	msgs := make([]Message, 0, len(raws))
	for i, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrMalformedPayload, i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeMessage(raw json.RawMessage) (Message, error) {
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '{' {
		return Message{}, errors.New("not a JSON object")
	}

	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, err
	}

	switch {
	case w.Timestamp == nil:
		return Message{}, errors.New("missing Timestamp")
	case w.Class == nil:
		return Message{}, errors.New("missing Class")
	case w.MMSI == nil:
		return Message{}, errors.New("missing MMSI")
	case w.MsgType == nil:
		return Message{}, errors.New("missing MsgType")
	}

	if *w.MMSI <= 0 {
		return Message{}, fmt.Errorf("MMSI must be positive, got %d", *w.MMSI)
	}

	ts, err := ParseTimestamp(*w.Timestamp)
	if err != nil {
		return Message{}, fmt.Errorf("invalid Timestamp %q", *w.Timestamp)
	}

	msg := Message{
		Timestamp: ts,
		Class:     *w.Class,
		MMSI:      int64(*w.MMSI),
		Type:      MsgType(*w.MsgType),
	}

	switch msg.Type {
	case TypeStaticData:
		sd, err := w.staticData()
		if err != nil {
			return Message{}, err
		}
		msg.Static = sd
	case TypePositionReport:
		pr, err := w.positionReport()
		if err != nil {
			return Message{}, err
		}
		msg.Position = pr
	default:
		return Message{}, fmt.Errorf("unknown MsgType %q", *w.MsgType)
	}
	return msg, nil
}

func (w *wireMessage) staticData() (*StaticData, error) {
	if len(w.IMO) == 0 {
		return nil, errors.New("missing IMO")
	}
	imo, err := parseIMO(w.IMO)
	if err != nil {
		return nil, err
	}
	return &StaticData{
		IMO:         imo,
		CallSign:    optionalString(w.CallSign),
		Destination: optionalString(w.Destination),
		Name:        optionalString(w.Name),
		VesselType:  optionalString(w.VesselType),
	}, nil
}

func (w *wireMessage) positionReport() (*PositionReport, error) {
	switch {
	case w.Position == nil:
		return nil, errors.New("missing Position")
	case len(w.Position.Coordinates) != 2:
		return nil, fmt.Errorf("Position.coordinates must hold 2 values, got %d", len(w.Position.Coordinates))
	case w.Position.Coordinates[0] == nil || w.Position.Coordinates[1] == nil:
		return nil, errors.New("Position.coordinates holds a null value")
	case w.Status == nil:
		return nil, errors.New("missing Status")
	case w.RoT == nil:
		return nil, errors.New("missing RoT")
	case w.SoG == nil:
		return nil, errors.New("missing SoG")
	case w.CoG == nil:
		return nil, errors.New("missing CoG")
	case w.Heading == nil:
		return nil, errors.New("missing Heading")
	}
	return &PositionReport{
		Latitude:  *w.Position.Coordinates[0],
		Longitude: *w.Position.Coordinates[1],
		Status:    *w.Status,
		RoT:       *w.RoT,
		SoG:       *w.SoG,
		CoG:       *w.CoG,
		Heading:   *w.Heading,
	}, nil
}

// parseIMO maps "Unknown", null and 0 to absent.
func parseIMO(raw json.RawMessage) (*int64, error) {
	if string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.EqualFold(strings.TrimSpace(s), "unknown") {
		return nil, nil
	}
	var imo FlexInt64
	if err := json.Unmarshal(raw, &imo); err != nil {
		return nil, fmt.Errorf("invalid IMO: %v", err)
	}
	if imo == 0 {
		return nil, nil
	}
	v := int64(imo)
	return &v, nil
}

// optionalString returns nil for a missing, null or non-string value.
func optionalString(raw json.RawMessage) *string {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || t[0] != '"' {
		return nil
	}
	var s string
	if err := json.Unmarshal(t, &s); err != nil {
		return nil
	}
	return &s
}
