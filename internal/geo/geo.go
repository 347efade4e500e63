package geo

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Result carries the coarse location strings stored on a session. Nothing
// finer-grained than city is resolved.
type Result struct {
	Country string
	City    string
}

type Reader struct {
	db *maxminddb.Reader
}

// Open opens a MaxMind .mmdb file. Returns a no-op Reader if path is empty.
func Open(path string) (*Reader, error) {
	if path == "" {
		return &Reader{}, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() {
	if r != nil && r.db != nil {
		r.db.Close()
	}
}

// Lookup resolves an IP to country/city. Returns an empty Result when the
// reader has no database or the IP does not parse.
func (r *Reader) Lookup(ipStr string) Result {
	if r == nil || r.db == nil {
		return Result{}
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Result{}
	}

	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
		City struct {
			Names map[string]string `maxminddb:"names"`
		} `maxminddb:"city"`
	}

	if err := r.db.Lookup(ip, &record); err != nil {
		return Result{}
	}

	return Result{
		Country: record.Country.ISOCode,
		City:    record.City.Names["en"],
	}
}
