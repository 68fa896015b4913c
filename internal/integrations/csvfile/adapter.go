// Package csvfile reads shipments from CSV exports dropped into a directory.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"medroute/internal/integrations"
	"medroute/internal/model"
)

// Adapter serves every *.csv file in Dir, in file name order. The cursor is
// the number of records already returned.
type Adapter struct {
	Dir string

	mu    sync.Mutex
	acked map[string]bool
}

var _ integrations.ShipmentSource = (*Adapter)(nil)

func New(dir string) *Adapter { return &Adapter{Dir: dir, acked: map[string]bool{}} }

func (a *Adapter) Name() string { return "csv-file" }

func (a *Adapter) FetchShipments(ctx context.Context, cursor string, limit int) (integrations.ShipmentBatch, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return integrations.ShipmentBatch{}, fmt.Errorf("csvfile: bad cursor %q", cursor)
		}
		offset = n
	}
	if limit <= 0 {
		limit = 500
	}
	files, err := filepath.Glob(filepath.Join(a.Dir, "*.csv"))
	if err != nil {
		return integrations.ShipmentBatch{}, err
	}
	sort.Strings(files)

	batch := integrations.ShipmentBatch{Rejected: map[string]error{}}
	pos := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		f, err := os.Open(path)
		if err != nil {
			return batch, err
		}
		shipments, rejected, err := Parse(f)
		_ = f.Close()
		if err != nil {
			return batch, fmt.Errorf("csvfile: %s: %w", filepath.Base(path), err)
		}
		for line, rerr := range rejected {
			batch.Rejected[fmt.Sprintf("%s:%d", filepath.Base(path), line)] = rerr
		}
		for _, s := range shipments {
			if a.isAcked(s.ID) {
				continue
			}
			if pos >= offset {
				if len(batch.Shipments) == limit {
					batch.NextCursor = strconv.Itoa(pos)
					return batch, nil
				}
				batch.Shipments = append(batch.Shipments, s)
			}
			pos++
		}
	}
	return batch, nil
}

func (a *Adapter) Ack(_ context.Context, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.acked[id] = true
	}
	return nil
}

func (a *Adapter) MapStatus(ext integrations.ExternalStatus) string {
	return integrations.MapStatusCode(ext.Code)
}

func (a *Adapter) isAcked(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked[id]
}

// Parse reads a header-led CSV of shipments. Malformed records are skipped
// and reported by 1-based line number; only unreadable input is an error.
//
// Recognised columns: id, order_number, customer_name, address, city,
// country, lat, lng, weight_kg, volume_m3, cold_chain, temp_min, temp_max,
// priority, window_start, window_end, service_minutes. Window bounds are
// "HH:MM" or minutes from midnight.
func Parse(r io.Reader) ([]model.Shipment, map[int]error, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := cols["id"]; !ok {
		return nil, nil, fmt.Errorf("%w: missing id column", integrations.ErrMalformedRow)
	}

	var out []model.Shipment
	rejected := map[int]error{}
	line := 1
	for {
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rejected[line] = fmt.Errorf("%w: %v", integrations.ErrMalformedRow, err)
			continue
		}
		s, err := parseRecord(rec, cols)
		if err != nil {
			log.Debug().Int("line", line).Err(err).Msg("skipping shipment record")
			rejected[line] = err
			continue
		}
		out = append(out, s)
	}
	return out, rejected, nil
}

type row struct {
	rec  []string
	cols map[string]int
	err  error
}

func (r *row) str(name string) string {
	i, ok := r.cols[name]
	if !ok || i >= len(r.rec) {
		return ""
	}
	return strings.TrimSpace(r.rec[i])
}

func (r *row) float(name string) *float64 {
	v := r.str(name)
	if v == "" || r.err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.err = fmt.Errorf("%w: %s=%q", integrations.ErrMalformedRow, name, v)
		return nil
	}
	return &f
}

func (r *row) int(name string) *int {
	v := r.str(name)
	if v == "" || r.err != nil {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("%w: %s=%q", integrations.ErrMalformedRow, name, v)
		return nil
	}
	return &n
}

func (r *row) minute(name string) *int {
	v := r.str(name)
	if v == "" || r.err != nil {
		return nil
	}
	if h, m, ok := strings.Cut(v, ":"); ok {
		hh, err1 := strconv.Atoi(h)
		mm, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || mm < 0 || mm > 59 {
			r.err = fmt.Errorf("%w: %s=%q", integrations.ErrMalformedRow, name, v)
			return nil
		}
		n := hh*60 + mm
		return &n
	}
	return r.int(name)
}

func parseRecord(rec []string, cols map[string]int) (model.Shipment, error) {
	r := &row{rec: rec, cols: cols}
	s := model.Shipment{
		ID:           r.str("id"),
		OrderNumber:  r.str("order_number"),
		CustomerName: r.str("customer_name"),
		Address:      r.str("address"),
		City:         r.str("city"),
		Country:      r.str("country"),
	}
	if s.ID == "" {
		return s, fmt.Errorf("%w: empty id", integrations.ErrMalformedRow)
	}
	lat, lng := r.float("lat"), r.float("lng")
	if lat != nil && lng != nil {
		s.Location = &model.GeoPoint{Lat: *lat, Lng: *lng}
	}
	if w := r.float("weight_kg"); w != nil {
		s.WeightKg = *w
	}
	if v := r.float("volume_m3"); v != nil {
		s.VolumeM3 = *v
	}
	if cc := r.str("cold_chain"); cc != "" {
		b, err := strconv.ParseBool(cc)
		if err != nil && r.err == nil {
			r.err = fmt.Errorf("%w: cold_chain=%q", integrations.ErrMalformedRow, cc)
		}
		s.RequiresColdChain = b
	}
	s.TemperatureMin = r.float("temp_min")
	s.TemperatureMax = r.float("temp_max")
	if p := r.int("priority"); p != nil {
		s.ClinicalPriority = *p
	}
	start, end := r.minute("window_start"), r.minute("window_end")
	if start != nil && end != nil {
		s.TimeWindow = &model.MinuteWindow{Start: *start, End: *end}
	}
	s.ServiceTimeMinutes = r.int("service_minutes")
	if r.err != nil {
		return model.Shipment{}, r.err
	}
	if s.Location == nil && s.Address == "" {
		return model.Shipment{}, fmt.Errorf("%w: %s has neither coordinates nor address", integrations.ErrMalformedRow, s.ID)
	}
	return s, nil
}
