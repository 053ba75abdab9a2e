package dao

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ais_store/internal/ais"
	"ais_store/internal/storage"
	"ais_store/internal/tiles"
)

// fakeConn records calls. Methods not overridden panic through the nil
// embedded interface.
type fakeConn struct {
	storage.Conn
	inserted  []ais.Message
	cutoff    time.Time
	insertErr error
	closed    int
}

func (c *fakeConn) InsertMessages(_ context.Context, msgs []ais.Message) ([]ais.Message, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	c.inserted = append(c.inserted, msgs...)
	return msgs, nil
}

func (c *fakeConn) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	c.cutoff = cutoff
	return 3, nil
}

func (c *fakeConn) RecentPositions(context.Context) ([]storage.VesselPosition, error) {
	return []storage.VesselPosition{}, nil
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

type fakeConnector struct {
	conn     *fakeConn
	err      error
	connects int
}

func (f *fakeConnector) Connect(context.Context) (storage.Conn, error) {
	f.connects++
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

type fakeArchive struct {
	batches map[uuid.UUID][]ais.Message
	err     error
}

func (a *fakeArchive) ArchiveMessages(_ context.Context, id uuid.UUID, msgs []ais.Message) error {
	if a.err != nil {
		return a.err
	}
	if a.batches == nil {
		a.batches = map[uuid.UUID][]ais.Message{}
	}
	a.batches[id] = msgs
	return nil
}

const payload = `[
	{"Timestamp":"2020-11-18T00:00:00.000Z","Class":"AtoN","MMSI":992111840,"MsgType":"static_data","IMO":"Unknown","Name":"WIND FARM BALTIC1NW","VesselType":"Undefined"},
	{"Timestamp":"2020-11-18T00:00:00.000Z","Class":"Class A","MMSI":219005465,"MsgType":"position_report","Position":{"type":"Point","coordinates":[54.572602,11.929218]},"Status":"Under way using engine","RoT":0,"SoG":0,"CoG":298.7,"Heading":203},
	{"Timestamp":"2020-11-18T00:00:00.000Z","Class":"Class A","MMSI":257961000,"MsgType":"position_report","Position":{"type":"Point","coordinates":[55.00316,12.809015]},"Status":"Under way using engine","RoT":0,"SoG":0.2,"CoG":225.6,"Heading":240},
	{"Timestamp":"2020-11-18T00:00:00.000Z","Class":"AtoN","MMSI":992111923,"MsgType":"static_data","IMO":"Unknown","Name":"BALTIC2 WINDFARM SW","VesselType":"Undefined"},
	{"Timestamp":"2020-11-18T00:00:00.000Z","Class":"Class A","MMSI":257385000,"MsgType":"position_report","Position":{"type":"Point","coordinates":[55.219403,13.127725]},"Status":"Under way using engine","RoT":25.7,"SoG":12.3,"CoG":96.5,"Heading":101},
	{"Timestamp":"2020-11-18T00:00:00.000Z","Class":"Class A","MMSI":376503000,"MsgType":"position_report","Position":{"type":"Point","coordinates":[54.519373,11.47914]},"Status":"Under way using engine","RoT":0,"SoG":7.6,"CoG":294.4,"Heading":290}
]`

func TestInsertMessagesReleasesConnection(t *testing.T) {
	conn := &fakeConn{}
	c := &fakeConnector{conn: conn}
	d := New(c)

	n, err := d.InsertMessages(context.Background(), []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, 1, c.connects)
	assert.Equal(t, 1, conn.closed)
	assert.Len(t, conn.inserted, 6)
}

func TestInsertMessagesMalformedSkipsStore(t *testing.T) {
	c := &fakeConnector{conn: &fakeConn{}}
	d := New(c)

	for _, p := range []string{``, `not json`, `42`, `[{"MMSI":1}]`} {
		n, err := d.InsertMessages(context.Background(), []byte(p))
		require.ErrorIs(t, err, ais.ErrMalformedPayload, p)
		assert.Zero(t, n)
	}
	assert.Zero(t, c.connects)
}

func TestInsertMessagesPersistenceFailure(t *testing.T) {
	conn := &fakeConn{insertErr: fmt.Errorf("%w: boom", storage.ErrPersistenceFailure)}
	d := New(&fakeConnector{conn: conn})

	n, err := d.InsertMessages(context.Background(), []byte(payload))
	require.ErrorIs(t, err, storage.ErrPersistenceFailure)
	assert.Zero(t, n)
	assert.Equal(t, 1, conn.closed)
}

func TestInsertMessagesConnectionFailure(t *testing.T) {
	d := New(&fakeConnector{err: storage.ErrAuthenticationFailed})

	_, err := d.InsertMessages(context.Background(), []byte(payload))
	require.ErrorIs(t, err, storage.ErrAuthenticationFailed)
	assert.True(t, storage.IsConnectionError(err))
}

func TestInsertMessagesResolvesTiles(t *testing.T) {
	conn := &fakeConn{}
	r, err := tiles.NewMapTileResolver(tiles.DefaultZooms)
	require.NoError(t, err)
	d := New(&fakeConnector{conn: conn}, WithTiles(r))

	_, err = d.InsertMessages(context.Background(), []byte(payload))
	require.NoError(t, err)

	for _, m := range conn.inserted {
		if m.Type != ais.TypePositionReport {
			continue
		}
		require.NotNil(t, m.Position.MapView1)
		require.NotNil(t, m.Position.MapView2)
		require.NotNil(t, m.Position.MapView3)
	}
}

func TestInsertMessagesArchives(t *testing.T) {
	archive := &fakeArchive{}
	d := New(&fakeConnector{conn: &fakeConn{}}, WithArchive(archive))

	_, err := d.InsertMessages(context.Background(), []byte(payload))
	require.NoError(t, err)
	require.Len(t, archive.batches, 1)
	for _, msgs := range archive.batches {
		assert.Len(t, msgs, 6)
	}
}

func TestInsertMessagesArchiveFailureIsNotFatal(t *testing.T) {
	archive := &fakeArchive{err: errors.New("clickhouse down")}
	d := New(&fakeConnector{conn: &fakeConn{}}, WithArchive(archive))

	n, err := d.InsertMessages(context.Background(), []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestDeleteExpiredUsesClockAndWindow(t *testing.T) {
	now := time.Date(2020, 11, 18, 12, 0, 0, 0, time.UTC)
	conn := &fakeConn{}
	d := New(&fakeConnector{conn: conn}, WithClock(func() time.Time { return now }), WithWindow(10*time.Minute))

	n, err := d.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, now.Add(-10*time.Minute), conn.cutoff)
	assert.Equal(t, 1, conn.closed)
}

func TestQueriesRejectNonPositiveArguments(t *testing.T) {
	c := &fakeConnector{conn: &fakeConn{}}
	d := New(c)
	ctx := context.Background()

	_, err := d.RecentPositionByMMSI(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	_, err = d.PermanentInfo(ctx, 219005465, -1)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	_, err = d.PermanentInfo(ctx, -5, 9231535)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	_, err = d.RecentPositionsInTile(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	_, err = d.LastFivePositions(ctx, -219005465)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	assert.Zero(t, c.connects)
}

func TestQueryReleasesConnection(t *testing.T) {
	conn := &fakeConn{}
	d := New(&fakeConnector{conn: conn})

	got, err := d.RecentPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, conn.closed)
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"219005465", 219005465, false},
		{" 9231535 ", 9231535, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
		{"1.5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			for _, parse := range []func(string) (int64, error){ParseMMSI, ParseIMO, ParseTileID} {
				got, err := parse(tt.in)
				if tt.wantErr {
					assert.ErrorIs(t, err, storage.ErrInvalidArgument)
					continue
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestLegacyCount(t *testing.T) {
	n, err := LegacyCount(0, fmt.Errorf("%w: bad", ais.ErrMalformedPayload))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	n, err = LegacyCount(4, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	_, err = LegacyCount(0, storage.ErrConnectionFailed)
	assert.ErrorIs(t, err, storage.ErrConnectionFailed)
}

func newSQLiteDAO(t *testing.T, opts ...Option) *MessageDAO {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ais.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, opts...)
}

func TestSQLiteIngestAndSweep(t *testing.T) {
	ctx := context.Background()
	stored := time.Date(2020, 11, 18, 0, 0, 0, 0, time.UTC)
	now := stored.Add(3 * time.Minute)
	d := newSQLiteDAO(t, WithClock(func() time.Time { return now }))

	n, err := d.InsertMessages(ctx, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	// Same payload again adds nothing.
	n, err = d.InsertMessages(ctx, []byte(payload))
	require.NoError(t, err)
	assert.Zero(t, n)

	deleted, err := d.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	now = stored.Add(6 * time.Minute)
	deleted, err = d.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), deleted)

	deleted, err = d.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	st, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Messages)
	assert.Zero(t, st.OrphanedStatic)
	assert.Zero(t, st.OrphanedReports)
}

func TestSQLiteTileQuery(t *testing.T) {
	ctx := context.Background()
	r, err := tiles.NewMapTileResolver(tiles.DefaultZooms)
	require.NoError(t, err)
	d := newSQLiteDAO(t, WithTiles(r))

	_, err = d.InsertMessages(ctx, []byte(payload))
	require.NoError(t, err)

	keys := r.Resolve(54.572602, 11.929218)
	require.NotNil(t, keys[2])

	fixes, err := d.RecentPositionsInTile(ctx, *keys[2])
	require.NoError(t, err)
	require.NotEmpty(t, fixes)
	var found bool
	for _, f := range fixes {
		if f.MMSI == 219005465 {
			found = true
			assert.Equal(t, 54.572602, f.Latitude)
			assert.Equal(t, 11.929218, f.Longitude)
		}
	}
	assert.True(t, found)

	track, err := d.LastFivePositions(ctx, 219005465)
	require.NoError(t, err)
	assert.Len(t, track.Positions, 1)

	track, err = d.LastFivePositions(ctx, 111111111)
	require.NoError(t, err)
	assert.Empty(t, track.Positions)
}

func TestSQLiteRetryArchivesOnlyNewRows(t *testing.T) {
	ctx := context.Background()
	archive := &fakeArchive{}
	d := newSQLiteDAO(t, WithArchive(archive))

	n, err := d.InsertMessages(ctx, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	n, err = d.InsertMessages(ctx, []byte(payload))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, archive.batches, 1)
	var archived int
	for _, msgs := range archive.batches {
		archived += len(msgs)
	}
	assert.Equal(t, 6, archived)

	// One new report alongside a resent one archives just the new report.
	mixed := `[
		{"Timestamp":"2020-11-18T00:00:00.000Z","Class":"Class A","MMSI":219005465,"MsgType":"position_report","Position":{"type":"Point","coordinates":[54.572602,11.929218]},"Status":"Under way using engine","RoT":0,"SoG":0,"CoG":298.7,"Heading":203},
		{"Timestamp":"2020-11-18T00:01:00.000Z","Class":"Class A","MMSI":219005465,"MsgType":"position_report","Position":{"type":"Point","coordinates":[54.58,11.93]},"Status":"Under way using engine","RoT":0,"SoG":0,"CoG":298.7,"Heading":203}
	]`
	n, err = d.InsertMessages(ctx, []byte(mixed))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.Len(t, archive.batches, 2)
	archived = 0
	for _, msgs := range archive.batches {
		archived += len(msgs)
	}
	assert.Equal(t, 7, archived)
}

func TestSQLiteObjectAndSingletonArrayStoreTheSame(t *testing.T) {
	ctx := context.Background()
	object := `{"Timestamp":"2020-11-18T00:00:00.000Z","Class":"Class A","MMSI":219005465,"MsgType":"position_report","Position":{"type":"Point","coordinates":[54.572602,11.929218]},"Status":"Under way using engine","RoT":0,"SoG":0,"CoG":298.7,"Heading":203}`
	r, err := tiles.NewMapTileResolver(tiles.DefaultZooms)
	require.NoError(t, err)

	fromObject := newSQLiteDAO(t, WithTiles(r))
	fromArray := newSQLiteDAO(t, WithTiles(r))

	n, err := fromObject.InsertMessages(ctx, []byte(object))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = fromArray.InsertMessages(ctx, []byte("["+object+"]"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	objStats, err := fromObject.Stats(ctx)
	require.NoError(t, err)
	arrStats, err := fromArray.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, objStats, arrStats)

	objPositions, err := fromObject.RecentPositions(ctx)
	require.NoError(t, err)
	arrPositions, err := fromArray.RecentPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, objPositions, arrPositions)
	assert.Len(t, arrPositions, 1)

	objTrack, err := fromObject.LastFivePositions(ctx, 219005465)
	require.NoError(t, err)
	arrTrack, err := fromArray.LastFivePositions(ctx, 219005465)
	require.NoError(t, err)
	assert.Equal(t, objTrack, arrTrack)

	keys := r.Resolve(54.572602, 11.929218)
	require.NotNil(t, keys[2])
	objTile, err := fromObject.RecentPositionsInTile(ctx, *keys[2])
	require.NoError(t, err)
	arrTile, err := fromArray.RecentPositionsInTile(ctx, *keys[2])
	require.NoError(t, err)
	assert.Equal(t, objTile, arrTile)
	assert.Len(t, arrTile, 1)
}
