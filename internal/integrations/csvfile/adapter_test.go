package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medroute/internal/integrations"
	"medroute/internal/model"
)

const sample = `id,customer_name,lat,lng,weight_kg,volume_m3,cold_chain,temp_min,temp_max,priority,window_start,window_end,service_minutes
S1,Clinic A,52.53,13.41,4.5,0.2,true,2,8,1,08:30,10:00,10
S2,Clinic B,52.51,13.42,1,0.05,,,,,,,
S3,Clinic C,abc,13.42,1,0.05,,,,,,,
,Nobody,52.5,13.4,1,0.1,,,,,,,
`

func TestParse(t *testing.T) {
	got, rejected, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, got, 2)

	s1 := got[0]
	assert.Equal(t, "S1", s1.ID)
	assert.Equal(t, &model.GeoPoint{Lat: 52.53, Lng: 13.41}, s1.Location)
	assert.True(t, s1.RequiresColdChain)
	require.NotNil(t, s1.TemperatureMax)
	assert.Equal(t, 8.0, *s1.TemperatureMax)
	assert.Equal(t, 1, s1.Priority())
	assert.Equal(t, &model.MinuteWindow{Start: 510, End: 600}, s1.TimeWindow)
	require.NotNil(t, s1.ServiceTimeMinutes)
	assert.Equal(t, 10, *s1.ServiceTimeMinutes)

	s2 := got[1]
	assert.Nil(t, s2.TimeWindow)
	assert.Nil(t, s2.ServiceTimeMinutes)
	assert.Equal(t, 3, s2.Priority())

	require.Len(t, rejected, 2)
	assert.ErrorIs(t, rejected[4], integrations.ErrMalformedRow)
	assert.ErrorIs(t, rejected[5], integrations.ErrMalformedRow)
}

func TestParseRequiresIDColumn(t *testing.T) {
	_, _, err := Parse(strings.NewReader("name,lat\nx,1\n"))
	assert.ErrorIs(t, err, integrations.ErrMalformedRow)

	got, _, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAdapterPagingAndAck(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("id,address\nA1,Main St 1\nA2,Main St 2\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("id,address\nB1,Side St 1\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	a := New(dir)
	ctx := context.Background()
	assert.Equal(t, "csv-file", a.Name())

	b, err := a.FetchShipments(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2"}, ids(b.Shipments))
	assert.Equal(t, "2", b.NextCursor)

	b, err = a.FetchShipments(ctx, b.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, ids(b.Shipments))
	assert.Empty(t, b.NextCursor)

	require.NoError(t, a.Ack(ctx, []string{"A1", "B1"}))
	b, err = a.FetchShipments(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, ids(b.Shipments))

	_, err = a.FetchShipments(ctx, "x", 10)
	assert.Error(t, err)
}

func TestMapStatus(t *testing.T) {
	a := New(t.TempDir())
	assert.Equal(t, model.RouteCompleted, a.MapStatus(integrations.ExternalStatus{Code: "delivered"}))
	assert.Equal(t, model.RouteInProgress, a.MapStatus(integrations.ExternalStatus{Code: "OUT_FOR_DELIVERY"}))
	assert.Equal(t, model.RouteDraft, a.MapStatus(integrations.ExternalStatus{Code: "???"}))
}

func ids(ss []model.Shipment) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}
