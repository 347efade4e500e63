// Package visitor derives the device and location descriptors stored on a
// session. The analytics side stores the resulting strings verbatim and never
// re-parses them.
package visitor

import (
	"github.com/mssola/useragent"

	"github.com/arloop/arlink/internal/geo"
)

// Descriptor is the visitor context captured once, at session open.
type Descriptor struct {
	Fingerprint string
	IP          string
	UserAgent   string
	Browser     string
	OS          string
	DeviceType  string
	Country     string
	City        string
}

// Describe enriches the raw request attributes with parsed user-agent fields
// and a coarse geo lookup.
func Describe(fingerprint, ip, rawUA string, geoReader *geo.Reader) Descriptor {
	d := Descriptor{
		Fingerprint: fingerprint,
		IP:          ip,
		UserAgent:   rawUA,
	}

	if rawUA != "" {
		ua := useragent.New(rawUA)
		browser, version := ua.Browser()
		if version != "" {
			browser = browser + " " + version
		}
		d.Browser = browser
		d.OS = ua.OS()

		switch {
		case ua.Bot():
			d.DeviceType = "bot"
		case ua.Mobile():
			d.DeviceType = "mobile"
		default:
			d.DeviceType = "desktop"
		}
	}

	loc := geoReader.Lookup(ip)
	d.Country = loc.Country
	d.City = loc.City
	return d
}
