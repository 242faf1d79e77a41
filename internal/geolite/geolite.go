// Package geolite resolves probe egress addresses to a country using local
// MaxMind GeoLite2 databases. Both databases are optional.
package geolite

import (
	"net"
	"os"
	"strings"
	"sync"

	"proxyfleet/internal/support"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const (
	countryPathEnv = "GEOLITE_COUNTRY_DB"
	asnPathEnv     = "GEOLITE_ASN_DB"
)

type Location struct {
	CountryCode  string `json:"country_code,omitempty"`
	Organization string `json:"organization,omitempty"`
}

type Resolver struct {
	country *geoip2.Reader
	asn     *geoip2.Reader
}

var (
	defaultResolver *Resolver
	defaultOnce     sync.Once
)

// Default opens the databases named by GEOLITE_COUNTRY_DB and GEOLITE_ASN_DB once.
// A missing or unreadable file leaves that lookup disabled.
func Default() *Resolver {
	defaultOnce.Do(func() {
		defaultResolver = &Resolver{
			country: openReader(support.GetEnv(countryPathEnv, "")),
			asn:     openReader(support.GetEnv(asnPathEnv, "")),
		}
	})
	return defaultResolver
}

func openReader(path string) *geoip2.Reader {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("GeoLite database unavailable", "path", path, "error", err)
		return nil
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		log.Warn("GeoLite database could not be parsed", "path", path, "error", err)
		return nil
	}
	log.Debug("GeoLite database loaded", "path", path)
	return reader
}

// FromBytes builds a resolver from in-memory databases; either may be nil.
func FromBytes(countryDB, asnDB []byte) (*Resolver, error) {
	r := &Resolver{}
	var err error
	if len(countryDB) > 0 {
		if r.country, err = geoip2.FromBytes(countryDB); err != nil {
			return nil, err
		}
	}
	if len(asnDB) > 0 {
		if r.asn, err = geoip2.FromBytes(asnDB); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Resolver) Available() bool {
	return r != nil && r.country != nil
}

// Lookup never fails; unknown addresses yield an empty Location.
func (r *Resolver) Lookup(address string) Location {
	var loc Location
	if r == nil {
		return loc
	}
	ip := net.ParseIP(strings.TrimSpace(address))
	if ip == nil {
		return loc
	}

	if r.country != nil {
		if record, err := r.country.Country(ip); err == nil {
			loc.CountryCode = record.Country.IsoCode
		}
	}
	if r.asn != nil {
		if record, err := r.asn.ASN(ip); err == nil {
			loc.Organization = record.AutonomousSystemOrganization
		}
	}
	return loc
}

func (r *Resolver) Close() {
	if r == nil {
		return
	}
	if r.country != nil {
		_ = r.country.Close()
	}
	if r.asn != nil {
		_ = r.asn.Close()
	}
}
