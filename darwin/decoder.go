package darwin

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

// A cancellation observed in the push port feed.
type DecodedEvent struct {
	RID              string
	TrainServiceCode string
	ReasonCode       string
	ReasonText       string
	ReceivedAt       time.Time
}

// Push port v16 payload subset. Only uR (update response) content is
// of interest; within it, schedule elements carrying a cancel reason
// or cancelled locations, and deactivated elements.
type pport struct {
	XMLName xml.Name       `xml:"Pport"`
	UR      updateResponse `xml:"uR"`
}

type updateResponse struct {
	Schedules   []scheduleElem    `xml:"schedule"`
	Deactivated []deactivatedElem `xml:"deactivated"`

	// Anything else inside uR (TS, association, etc) is counted
	// and dropped.
	Other []anyElem `xml:",any"`
}

type anyElem struct {
	XMLName xml.Name
}

type scheduleElem struct {
	RID     string `xml:"rid,attr"`
	UID     string `xml:"uid,attr"`
	TrainID string `xml:"trainId,attr"`
	SSD     string `xml:"ssd,attr"`
	TOC     string `xml:"toc,attr"`

	// The feed has carried the cancel reason both as an attribute
	// and as a child element across versions. Accept either.
	CancelReasonAttr string `xml:"cancelReason,attr"`
	CancelReasonElem string `xml:"cancelReason"`

	Origins       []locationElem `xml:"OR"`
	Intermediates []locationElem `xml:"IP"`
	Passes        []locationElem `xml:"PP"`
	Destinations  []locationElem `xml:"DT"`
}

func (s *scheduleElem) cancelReason() string {
	if s.CancelReasonAttr != "" {
		return s.CancelReasonAttr
	}
	return s.CancelReasonElem
}

func (s *scheduleElem) cancelledLocations() int {
	n := 0
	for _, group := range [][]locationElem{s.Origins, s.Intermediates, s.Passes, s.Destinations} {
		for _, loc := range group {
			if loc.Cancelled == "true" {
				n++
			}
		}
	}
	return n
}

type locationElem struct {
	Tiploc    string `xml:"tpl,attr"`
	Platform  string `xml:"plat,attr"`
	PTA       string `xml:"pta,attr"`
	PTD       string `xml:"ptd,attr"`
	WTA       string `xml:"wta,attr"`
	WTD       string `xml:"wtd,attr"`
	WTP       string `xml:"wtp,attr"`
	Cancelled string `xml:"isCancelled,attr"`
}

type deactivatedElem struct {
	RID string `xml:"rid,attr"`
}

var gzipMagic = []byte{0x1f, 0x8b}

// Decodes one push port frame body. Returns the cancellation events
// it carries and the number of non-cancellation elements that were
// recognized and dropped. Bodies are gzip compressed on the wire;
// uncompressed payloads are accepted too.
func Decode(body []byte, receivedAt time.Time) ([]DecodedEvent, int, error) {
	if bytes.HasPrefix(body, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, 0, fmt.Errorf("opening gzip body: %w", err)
		}
		body, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("decompressing body: %w", err)
		}
	}

	var doc pport
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, 0, fmt.Errorf("unmarshaling push port payload: %w", err)
	}

	var events []DecodedEvent
	dropped := len(doc.UR.Other)

	for _, sched := range doc.UR.Schedules {
		reason := sched.cancelReason()
		cancelled := sched.cancelledLocations()
		if reason == "" && cancelled == 0 {
			dropped++
			continue
		}

		kind := "Full"
		if cancelled > 0 && reason == "" {
			kind = "Partial"
		}

		serviceCode := sched.TrainID
		if serviceCode == "" {
			serviceCode = sched.UID
		}

		events = append(events, DecodedEvent{
			RID:              sched.RID,
			TrainServiceCode: serviceCode,
			ReasonCode:       reason,
			ReasonText:       reasonText(kind, reason),
			ReceivedAt:       receivedAt,
		})
	}

	for _, deact := range doc.UR.Deactivated {
		events = append(events, DecodedEvent{
			RID:        deact.RID,
			ReasonText: reasonText("Deactivated", ""),
			ReceivedAt: receivedAt,
		})
	}

	return events, dropped, nil
}

func reasonText(kind, code string) string {
	if code != "" {
		return fmt.Sprintf("%s cancellation - reason code %s", kind, code)
	}
	if kind == "Deactivated" {
		return "Schedule deactivated"
	}
	return fmt.Sprintf("%s cancellation detected", kind)
}
