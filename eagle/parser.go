// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package eagle parses telemetry uploads pushed by Rainforest Eagle energy
// gateways and decodes them into calibrated readings.
//
// # Upload Format
//
// A gateway POSTs one XML document per upload. The document root is either
// a single telemetry element or a wrapper (typically <rainforest>) whose
// direct children are telemetry elements:
//
//	<rainforest macId="0xffffffffffff" timestamp="1355292588s">
//	  <InstantaneousDemand>
//	    <DeviceMacId>0xd8d5b90000001219</DeviceMacId>
//	    <MeterMacId>0x00078100005a499d</MeterMacId>
//	    <TimeStamp>0x185adc1d</TimeStamp>
//	    <Demand>0x00037a</Demand>
//	    <Multiplier>0x00000001</Multiplier>
//	    <Divisor>0x000003e8</Divisor>
//	  </InstantaneousDemand>
//	</rainforest>
//
// Numeric fields are hex strings. Element TimeStamp values count seconds
// since 2000-01-01T00:00:00Z; the wrapper timestamp attribute counts Unix
// seconds with a trailing "s".
//
// # Failure Policy
//
// Firmware variants add and rename elements freely, so unrecognized
// elements are skipped rather than rejected. A recognized element with a
// missing or undecodable field is dropped individually with a warning so
// that one bad element cannot mask valid siblings. Only a document that is
// not well-formed XML fails as a whole.
package eagle

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
	"github.com/soothill/eagle-energy-bridge/pkg/logger"
	"github.com/soothill/eagle-energy-bridge/pkg/metrics"
)

// utc2000Offset converts the gateway's year-2000 epoch to Unix seconds.
const utc2000Offset = 946684800

// Parser turns raw upload bytes into Readings.
type Parser struct {
	dec *Decoder
}

// NewParser creates a parser using the given decoder for numeric fields.
func NewParser(dec *Decoder) *Parser {
	if dec == nil {
		dec = NewDecoder(0, 0)
	}
	return &Parser{dec: dec}
}

// fallback carries document-level defaults applied to elements that lack
// their own time or device identity.
type fallback struct {
	at       time.Time
	deviceID string
}

// Raw message shapes as transmitted. All numeric fields stay strings here;
// decoding happens after the XML layer so a bad value fails one field, not
// the token stream.

type demandMessage struct {
	DeviceMacID string `xml:"DeviceMacId"`
	MeterMacID  string `xml:"MeterMacId"`
	TimeStamp   string `xml:"TimeStamp"`
	Demand      string `xml:"Demand"`
	Multiplier  string `xml:"Multiplier"`
	Divisor     string `xml:"Divisor"`
	DigitsRight string `xml:"DigitsRight"`
}

type summationMessage struct {
	DeviceMacID         string `xml:"DeviceMacId"`
	MeterMacID          string `xml:"MeterMacId"`
	TimeStamp           string `xml:"TimeStamp"`
	SummationDelivered  string `xml:"SummationDelivered"`
	SummationReceived   string `xml:"SummationReceived"`
	Multiplier          string `xml:"Multiplier"`
	Divisor             string `xml:"Divisor"`
	DigitsRight         string `xml:"DigitsRight"`
	SuppressLeadingZero string `xml:"SuppressLeadingZero"`
}

type networkInfoMessage struct {
	DeviceMacID  string `xml:"DeviceMacId"`
	TimeStamp    string `xml:"TimeStamp"`
	LinkStrength string `xml:"LinkStrength"`
	Channel      string `xml:"Channel"`
	Status       string `xml:"Status"`
}

type deviceInfoMessage struct {
	DeviceMacID  string `xml:"DeviceMacId"`
	TimeStamp    string `xml:"TimeStamp"`
	FWVersion    string `xml:"FWVersion"`
	HWVersion    string `xml:"HWVersion"`
	Manufacturer string `xml:"Manufacturer"`
	ModelID      string `xml:"ModelId"`
}

// Parse extracts all recognized telemetry elements from one upload.
// receivedAt is the final observation-time fallback when neither the
// element nor the wrapper carries a usable timestamp. The returned slice
// may be empty for a well-formed document with no decodable telemetry.
func (p *Parser) Parse(doc []byte, receivedAt time.Time) ([]Reading, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))

	root, err := nextStartElement(dec)
	if err != nil {
		metrics.ParseFailures.Inc()
		return nil, apperrors.NewParseError("read document", err)
	}

	fb := fallback{at: receivedAt}
	for _, attr := range root.Attr {
		switch attr.Name.Local {
		case "timestamp":
			if t, ok := parseWrapperTimestamp(attr.Value); ok {
				fb.at = t
			}
		case "macId":
			fb.deviceID = NormalizeMAC(attr.Value)
		}
	}

	// Bare fragment: the root itself is a telemetry element.
	if recognized(root.Name.Local) {
		readings, decodeErr := p.decodeElement(dec, root, fb)
		if decodeErr != nil {
			if isSyntaxError(decodeErr) {
				metrics.ParseFailures.Inc()
				return nil, apperrors.NewParseError("decode element", decodeErr)
			}
			p.dropElement(root.Name.Local, decodeErr)
			return nil, nil
		}
		return readings, nil
	}

	// Wrapper document: match direct children only.
	var readings []Reading
	for {
		tok, tokErr := dec.Token()
		if tokErr == io.EOF {
			break
		}
		if tokErr != nil {
			metrics.ParseFailures.Inc()
			return nil, apperrors.NewParseError("read document", tokErr)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if !recognized(start.Name.Local) {
			metrics.UnknownElements.Inc()
			logger.Debug().Str("element", start.Name.Local).Msg("Skipping unrecognized element")
			if skipErr := dec.Skip(); skipErr != nil {
				metrics.ParseFailures.Inc()
				return nil, apperrors.NewParseError("skip element", skipErr)
			}
			continue
		}

		decoded, decodeErr := p.decodeElement(dec, start, fb)
		if decodeErr != nil {
			if isSyntaxError(decodeErr) {
				metrics.ParseFailures.Inc()
				return nil, apperrors.NewParseError("decode element", decodeErr)
			}
			p.dropElement(start.Name.Local, decodeErr)
			continue
		}
		readings = append(readings, decoded...)
	}

	return readings, nil
}

// recognized reports whether the tag names a telemetry element this bridge
// handles.
func recognized(tag string) bool {
	switch tag {
	case "InstantaneousDemand", "CurrentSummationDelivered", "CurrentSummation", "NetworkInfo", "DeviceInfo":
		return true
	}
	return false
}

// decodeElement consumes one recognized element from the token stream and
// converts it into readings. Errors from the XML layer pass through so the
// caller can tell syntax failures from per-element decode failures.
func (p *Parser) decodeElement(dec *xml.Decoder, start xml.StartElement, fb fallback) ([]Reading, error) {
	switch start.Name.Local {
	case "InstantaneousDemand":
		return p.decodeDemand(dec, start, fb)
	case "CurrentSummationDelivered", "CurrentSummation":
		return p.decodeSummation(dec, start, fb)
	case "NetworkInfo":
		return p.decodeNetworkInfo(dec, start, fb)
	case "DeviceInfo":
		return p.decodeDeviceInfo(dec, start, fb)
	}
	return nil, nil
}

func (p *Parser) decodeDemand(dec *xml.Decoder, start xml.StartElement, fb fallback) ([]Reading, error) {
	var msg demandMessage
	if err := dec.DecodeElement(&msg, &start); err != nil {
		return nil, err
	}

	deviceID, err := deviceIdentity(msg.DeviceMacID, fb)
	if err != nil {
		return nil, err
	}

	field, err := scalingField("Demand", msg.Demand, msg.Multiplier, msg.Divisor)
	if err != nil {
		return nil, err
	}

	kw, err := p.dec.Demand(field)
	if err != nil {
		return nil, err
	}

	reading := Reading{
		Type:       ReadingInstantaneousDemand,
		DeviceID:   deviceID,
		MeterID:    meterIdentity(msg.MeterMacID),
		ObservedAt: elementTime(msg.TimeStamp, fb),
		Value:      kw,
	}
	metrics.ReadingsParsed.WithLabelValues(reading.Type.String()).Inc()
	return []Reading{reading}, nil
}

func (p *Parser) decodeSummation(dec *xml.Decoder, start xml.StartElement, fb fallback) ([]Reading, error) {
	var msg summationMessage
	if err := dec.DecodeElement(&msg, &start); err != nil {
		return nil, err
	}

	deviceID, err := deviceIdentity(msg.DeviceMacID, fb)
	if err != nil {
		return nil, err
	}

	delivered, err := scalingField("SummationDelivered", msg.SummationDelivered, msg.Multiplier, msg.Divisor)
	if err != nil {
		return nil, err
	}
	received, err := scalingField("SummationReceived", msg.SummationReceived, msg.Multiplier, msg.Divisor)
	if err != nil {
		return nil, err
	}

	deliveredKWH, err := p.dec.Summation(delivered)
	if err != nil {
		return nil, err
	}
	receivedKWH, err := p.dec.Summation(received)
	if err != nil {
		return nil, err
	}

	meterID := meterIdentity(msg.MeterMacID)
	observedAt := elementTime(msg.TimeStamp, fb)

	readings := []Reading{
		{
			Type:       ReadingSummationDelivered,
			DeviceID:   deviceID,
			MeterID:    meterID,
			ObservedAt: observedAt,
			Value:      deliveredKWH,
		},
		{
			Type:       ReadingSummationReceived,
			DeviceID:   deviceID,
			MeterID:    meterID,
			ObservedAt: observedAt,
			Value:      receivedKWH,
		},
	}
	for _, r := range readings {
		metrics.ReadingsParsed.WithLabelValues(r.Type.String()).Inc()
	}
	return readings, nil
}

func (p *Parser) decodeNetworkInfo(dec *xml.Decoder, start xml.StartElement, fb fallback) ([]Reading, error) {
	var msg networkInfoMessage
	if err := dec.DecodeElement(&msg, &start); err != nil {
		return nil, err
	}

	deviceID, err := deviceIdentity(msg.DeviceMacID, fb)
	if err != nil {
		return nil, err
	}

	strength, err := parseHex("LinkStrength", msg.LinkStrength)
	if err != nil {
		return nil, err
	}

	reading := Reading{
		Type:       ReadingNetworkInfo,
		DeviceID:   deviceID,
		ObservedAt: elementTime(msg.TimeStamp, fb),
		Value:      float64(strength),
		Channel:    strings.TrimSpace(msg.Channel),
	}
	metrics.ReadingsParsed.WithLabelValues(reading.Type.String()).Inc()
	return []Reading{reading}, nil
}

func (p *Parser) decodeDeviceInfo(dec *xml.Decoder, start xml.StartElement, fb fallback) ([]Reading, error) {
	var msg deviceInfoMessage
	if err := dec.DecodeElement(&msg, &start); err != nil {
		return nil, err
	}

	deviceID, err := deviceIdentity(msg.DeviceMacID, fb)
	if err != nil {
		return nil, err
	}

	reading := Reading{
		Type:         ReadingDeviceInfo,
		DeviceID:     deviceID,
		ObservedAt:   elementTime(msg.TimeStamp, fb),
		Value:        1,
		FWVersion:    strings.TrimSpace(msg.FWVersion),
		HWVersion:    strings.TrimSpace(msg.HWVersion),
		Manufacturer: strings.TrimSpace(msg.Manufacturer),
		ModelID:      strings.TrimSpace(msg.ModelID),
	}
	metrics.ReadingsParsed.WithLabelValues(reading.Type.String()).Inc()
	return []Reading{reading}, nil
}

// dropElement logs and counts a per-element decode failure.
func (p *Parser) dropElement(element string, err error) {
	logger.Warn().Err(err).Str("element", element).Msg("Dropping undecodable telemetry element")
	metrics.ElementsDropped.Inc()
}

// deviceIdentity resolves the element's device MAC, falling back to the
// wrapper macId attribute. An upload with neither cannot be attributed and
// is dropped.
func deviceIdentity(elementMAC string, fb fallback) (string, error) {
	if id := NormalizeMAC(elementMAC); id != "" {
		return id, nil
	}
	if fb.deviceID != "" {
		return fb.deviceID, nil
	}
	return "", apperrors.NewDecodeError("DeviceMacId", "", apperrors.ErrMissingField)
}

// meterIdentity normalizes the meter MAC, suppressing the all-zero
// placeholder reported before a meter is joined.
func meterIdentity(raw string) string {
	if raw == "" || isPlaceholderMAC(raw) {
		return ""
	}
	return NormalizeMAC(raw)
}

// elementTime converts the element's own TimeStamp field, falling back to
// the document-level time when it is absent or unparseable.
func elementTime(raw string, fb fallback) time.Time {
	if strings.TrimSpace(raw) == "" {
		return fb.at
	}
	seconds, err := parseHex("TimeStamp", raw)
	if err != nil {
		return fb.at
	}
	return time.Unix(int64(seconds)+utc2000Offset, 0).UTC()
}

// scalingField assembles a RawField from the element's hex strings. The
// value and multiplier/divisor pair are all required; missing scaling
// factors would silently miscalibrate the quantity.
func scalingField(name, raw, multiplier, divisor string) (RawField, error) {
	rawValue, err := parseHex(name, raw)
	if err != nil {
		return RawField{}, err
	}
	mult, err := parseHex("Multiplier", multiplier)
	if err != nil {
		return RawField{}, err
	}
	div, err := parseHex("Divisor", divisor)
	if err != nil {
		return RawField{}, err
	}
	return RawField{Raw: rawValue, Multiplier: mult, Divisor: div}, nil
}

// parseHex decodes a gateway hex string ("0x1a3f", prefix optional) into an
// unsigned integer.
func parseHex(field, s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, apperrors.NewDecodeError(field, "", apperrors.ErrMissingField)
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, apperrors.NewDecodeError(field, s, apperrors.ErrInvalidHex)
	}
	return v, nil
}

// parseWrapperTimestamp parses the wrapper's timestamp attribute, Unix
// seconds with a trailing "s" (e.g. "1355292588s"). A zero value means the
// gateway clock was unset.
func parseWrapperTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "s")
	if s == "" {
		return time.Time{}, false
	}
	seconds, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}

// nextStartElement advances the token stream past the prolog to the root
// element.
func nextStartElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// isSyntaxError reports whether the error came from the XML tokenizer
// rather than field decoding, which fails the whole document.
func isSyntaxError(err error) bool {
	var syn *xml.SyntaxError
	return errors.As(err, &syn) || errors.Is(err, io.ErrUnexpectedEOF)
}
