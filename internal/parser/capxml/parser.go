// Package capxml classifies fetched payloads as CAP alert documents or
// RSS/ATOM feed indices and extracts normalized attributes from alerts.
package capxml

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/geo"
)

// ErrUnrecognized is returned when a payload is neither a CAP alert nor a
// supported feed index format.
var ErrUnrecognized = errors.New("unrecognized document type")

// Parser is a lenient parser: it tolerates missing optional elements and
// namespace prefixes, rejecting only payloads with no usable structure.
type Parser struct {
	// MaxIndexEntries bounds how many URLs one index may contribute.
	MaxIndexEntries int
}

// New constructs a Parser with a sane entry bound.
func New() *Parser {
	return &Parser{MaxIndexEntries: 1000}
}

// Parse implements alert.Parser.
func (p *Parser) Parse(raw []byte) (alert.Parsed, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(raw))
	if err != nil {
		return alert.Parsed{}, fmt.Errorf("not XML: %w", err)
	}

	if node := xmlquery.FindOne(doc, "//*[local-name()='alert']"); node != nil {
		payload, err := p.parseAlert(node)
		if err != nil {
			return alert.Parsed{}, err
		}
		return alert.Parsed{Kind: alert.ParsedAlert, Alert: payload}, nil
	}

	if entries, ok := p.parseIndex(doc); ok {
		return alert.Parsed{Kind: alert.ParsedIndex, Index: &alert.IndexPayload{Entries: entries}}, nil
	}

	return alert.Parsed{}, ErrUnrecognized
}

func (p *Parser) parseAlert(node *xmlquery.Node) (*alert.AlertPayload, error) {
	identifier := childText(node, "identifier")
	if identifier == "" {
		return nil, errors.New("alert missing identifier")
	}

	attrs := make(alert.Attributes)
	attrs.Add(alert.AttrSender, childText(node, "sender"))
	attrs.Add(alert.AttrStatus, childText(node, "status"))
	attrs.Add(alert.AttrMsgType, childText(node, "msgType"))
	attrs.Add(alert.AttrScope, childText(node, "scope"))

	sent := parseCapTime(childText(node, "sent"))
	var expires *time.Time

	for _, info := range childNodes(node, "info") {
		for _, cat := range childNodes(info, "category") {
			attrs.Add(alert.AttrCategory, text(cat))
		}
		attrs.Add(alert.AttrEvent, childText(info, "event"))
		attrs.Add(alert.AttrUrgency, childText(info, "urgency"))
		attrs.Add(alert.AttrSeverity, childText(info, "severity"))
		attrs.Add(alert.AttrCertainty, childText(info, "certainty"))

		if exp := parseCapTime(childText(info, "expires")); !exp.IsZero() {
			if expires == nil || exp.After(*expires) {
				e := exp
				expires = &e
			}
		}

		for _, area := range childNodes(info, "area") {
			attrs.Add(alert.AttrAreaDesc, childText(area, "areaDesc"))
			for _, centroid := range areaCentroids(area) {
				attrs.Add(alert.AttrAreaPoint, geo.FormatPoint(centroid.lat, centroid.lon))
				for _, prefix := range geo.PointPrefixes(centroid.lat, centroid.lon) {
					attrs.Add(alert.AttrAreaGeohash, prefix)
				}
			}
		}
	}

	return &alert.AlertPayload{
		Identifier: identifier,
		Sent:       sent,
		Expires:    expires,
		Attributes: attrs,
	}, nil
}

// parseIndex recognizes RSS (item/link text) and ATOM (entry/link href)
// indices, namespace prefixes included.
func (p *Parser) parseIndex(doc *xmlquery.Node) ([]string, bool) {
	if rss := xmlquery.FindOne(doc, "//*[local-name()='rss']"); rss != nil {
		var urls []string
		for _, item := range xmlquery.Find(rss, ".//*[local-name()='item']") {
			if link := childText(item, "link"); link != "" {
				urls = p.appendEntry(urls, link)
			}
		}
		return urls, true
	}

	if feed := xmlquery.FindOne(doc, "//*[local-name()='feed']"); feed != nil {
		var urls []string
		for _, entry := range xmlquery.Find(feed, ".//*[local-name()='entry']") {
			for _, link := range childNodes(entry, "link") {
				if href := link.SelectAttr("href"); href != "" {
					urls = p.appendEntry(urls, href)
					break
				}
			}
		}
		return urls, true
	}

	return nil, false
}

func (p *Parser) appendEntry(urls []string, url string) []string {
	if p.MaxIndexEntries > 0 && len(urls) >= p.MaxIndexEntries {
		return urls
	}
	return append(urls, strings.TrimSpace(url))
}

type point struct {
	lat float64
	lon float64
}

// areaCentroids derives one representative point per polygon or circle in a
// CAP area block. Polygons average their vertices; circles use the center.
func areaCentroids(area *xmlquery.Node) []point {
	var points []point
	for _, poly := range childNodes(area, "polygon") {
		if c, ok := polygonCentroid(text(poly)); ok {
			points = append(points, c)
		}
	}
	for _, circle := range childNodes(area, "circle") {
		if c, ok := circleCenter(text(circle)); ok {
			points = append(points, c)
		}
	}
	return points
}

func polygonCentroid(s string) (point, bool) {
	var sumLat, sumLon float64
	var n int
	for _, pair := range strings.Fields(s) {
		lat, lon, err := geo.ParsePoint(pair)
		if err != nil {
			return point{}, false
		}
		sumLat += lat
		sumLon += lon
		n++
	}
	if n == 0 {
		return point{}, false
	}
	return point{lat: sumLat / float64(n), lon: sumLon / float64(n)}, true
}

func circleCenter(s string) (point, bool) {
	// CAP circle is "lat,lon radius-in-km".
	fields := strings.Fields(s)
	if len(fields) < 1 {
		return point{}, false
	}
	lat, lon, err := geo.ParsePoint(fields[0])
	if err != nil {
		return point{}, false
	}
	if len(fields) > 1 {
		if _, err := strconv.ParseFloat(fields[1], 64); err != nil {
			return point{}, false
		}
	}
	return point{lat: lat, lon: lon}, true
}

// capTimeLayouts covers RFC3339 plus the offset-without-colon variant seen
// in the wild.
var capTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
}

func parseCapTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range capTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func childNodes(node *xmlquery.Node, localName string) []*xmlquery.Node {
	return xmlquery.Find(node, "./*[local-name()='"+localName+"']")
}

func childText(node *xmlquery.Node, localName string) string {
	child := xmlquery.FindOne(node, "./*[local-name()='"+localName+"']")
	if child == nil {
		return ""
	}
	return text(child)
}

func text(node *xmlquery.Node) string {
	return strings.TrimSpace(node.InnerText())
}
