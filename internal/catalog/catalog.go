// Package catalog reads the vessel and port registries from CSV files.
//
// Columns are matched by header name, case-insensitively, so extra
// columns are ignored and the order is free. Empty cells become NULL.
//
//	vessels: imo, mmsi, name, call_sign, vessel_type, flag, length, breadth
//	ports:   id, locode, name, country, longitude, latitude[, mapview1_id, mapview2_id, mapview3_id]
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"ais_store/internal/storage"
	"ais_store/internal/tiles"
)

var (
	vesselRequired = []string{"imo", "mmsi"}
	portRequired   = []string{"id", "name", "country", "longitude", "latitude"}
)

type row struct {
	line   int
	cols   map[string]int
	record []string
}

func (r row) get(name string) string {
	i, ok := r.cols[name]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

func (r row) str(name string) *string {
	if v := r.get(name); v != "" {
		return &v
	}
	return nil
}

func (r row) integer(name string) (*int64, error) {
	v := r.get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("line %d: %s: %w", r.line, name, err)
	}
	return &n, nil
}

func (r row) float(name string) (*float64, error) {
	v := r.get(name)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("line %d: %s: %w", r.line, name, err)
	}
	return &f, nil
}

func (r row) requiredInt(name string) (int64, error) {
	n, err := r.integer(name)
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, fmt.Errorf("line %d: %s is empty", r.line, name)
	}
	return *n, nil
}

func (r row) requiredFloat(name string) (float64, error) {
	f, err := r.float(name)
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, fmt.Errorf("line %d: %s is empty", r.line, name)
	}
	return *f, nil
}

// readRows calls fn for every data row after checking the header.
func readRows(in io.Reader, required []string, fn func(row) error) error {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("missing header row")
		}
		return fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return fmt.Errorf("missing column %q", name)
		}
	}

	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(row{line: line, cols: cols, record: record}); err != nil {
			return err
		}
	}
}

// ReadVessels parses a vessel registry.
func ReadVessels(in io.Reader) ([]storage.Vessel, error) {
	var vessels []storage.Vessel
	err := readRows(in, vesselRequired, func(r row) error {
		v := storage.Vessel{
			Name:       r.str("name"),
			CallSign:   r.str("call_sign"),
			VesselType: r.str("vessel_type"),
			Flag:       r.str("flag"),
		}
		var err error
		if v.IMO, err = r.requiredInt("imo"); err != nil {
			return err
		}
		if v.MMSI, err = r.requiredInt("mmsi"); err != nil {
			return err
		}
		if v.Length, err = r.float("length"); err != nil {
			return err
		}
		if v.Breadth, err = r.float("breadth"); err != nil {
			return err
		}
		vessels = append(vessels, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read vessels: %w", err)
	}
	return vessels, nil
}

// ReadPorts parses a port registry. Tile keys missing from the file are
// computed with resolver when one is given.
func ReadPorts(in io.Reader, resolver tiles.Resolver) ([]storage.PortRecord, error) {
	var ports []storage.PortRecord
	err := readRows(in, portRequired, func(r row) error {
		p := storage.PortRecord{
			LoCode:  r.str("locode"),
			Name:    r.get("name"),
			Country: r.get("country"),
		}
		var err error
		if p.ID, err = r.requiredInt("id"); err != nil {
			return err
		}
		if p.Longitude, err = r.requiredFloat("longitude"); err != nil {
			return err
		}
		if p.Latitude, err = r.requiredFloat("latitude"); err != nil {
			return err
		}
		for i, dst := range []**int64{&p.MapView1, &p.MapView2, &p.MapView3} {
			if *dst, err = r.integer(fmt.Sprintf("mapview%d_id", i+1)); err != nil {
				return err
			}
		}
		if resolver != nil && p.MapView1 == nil && p.MapView2 == nil && p.MapView3 == nil {
			keys := resolver.Resolve(p.Latitude, p.Longitude)
			p.MapView1, p.MapView2, p.MapView3 = keys[0], keys[1], keys[2]
		}
		ports = append(ports, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read ports: %w", err)
	}
	return ports, nil
}
