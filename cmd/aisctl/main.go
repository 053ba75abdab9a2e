// Command-line tool for one-shot operations on the AIS store.
//
// Every command reads the same configuration as aisd (-config, AIS_CONFIG,
// ./config.yaml and AIS_* environment variables). Payloads and registries
// are read from a file or stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"ais_store/internal/ais"
	"ais_store/internal/catalog"
	"ais_store/internal/config"
	"ais_store/internal/dao"
	"ais_store/internal/export"
	"ais_store/internal/logging"
	"ais_store/internal/storage"
	"ais_store/internal/tiles"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "aisctl - commands:")
	fmt.Fprintln(w, "  ingest        - store AIS payloads from a JSONL file (one payload per line)")
	fmt.Fprintln(w, "  sweep         - delete messages older than the retention window")
	fmt.Fprintln(w, "  schema        - create the database schema")
	fmt.Fprintln(w, "  load-vessels  - upsert the vessel registry from CSV")
	fmt.Fprintln(w, "  load-ports    - upsert the port registry from CSV")
	fmt.Fprintln(w, "  stats         - print row counts")
	fmt.Fprintln(w, "  export        - export latest vessel positions as KML or GeoJSON")
	fmt.Fprintln(w, "  track         - print the five newest positions of a vessel")
	fmt.Fprintln(w, "  history       - print archived positions of a vessel from ClickHouse")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  aisctl ingest [-config file] [-input messages.jsonl]")
	fmt.Fprintln(w, "  aisctl sweep [-config file] [-window 5m]")
	fmt.Fprintln(w, "  aisctl load-vessels -input vessels.csv")
	fmt.Fprintln(w, "  aisctl load-ports -input ports.csv")
	fmt.Fprintln(w, "  aisctl export [-format kml|geojson] [-output positions.kml]")
	fmt.Fprintln(w, "  aisctl track -mmsi 219005465 [-format json|geojson]")
	fmt.Fprintln(w, "  aisctl history -mmsi 219005465 [-since 24h] [-limit 100]")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	cmd := strings.ToLower(os.Args[1])
	args := os.Args[2:]
	switch cmd {
	case "ingest":
		err = runIngest(ctx, args)
	case "sweep":
		err = runSweep(ctx, args)
	case "schema":
		err = runSchema(ctx, args)
	case "load-vessels":
		err = runLoadVessels(ctx, args)
	case "load-ports":
		err = runLoadPorts(ctx, args)
	case "stats":
		err = runStats(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "track":
		err = runTrack(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// env is what every command needs: the loaded config and an open store.
type env struct {
	cfg   *config.Config
	store storage.Store
}

func (e *env) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default: $AIS_CONFIG or ./config.yaml)")
	return fs, configPath
}

func setup(ctx context.Context, configPath string) (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging())

	store, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, store: store}, nil
}

func (e *env) resolver() (tiles.Resolver, error) {
	if !e.cfg.Tiles.Enabled {
		return nil, nil
	}
	return tiles.NewMapTileResolver(e.cfg.TileZooms())
}

func (e *env) dao(opts ...dao.Option) (*dao.MessageDAO, error) {
	r, err := e.resolver()
	if err != nil {
		return nil, err
	}
	base := []dao.Option{dao.WithSource("cli"), dao.WithWindow(e.cfg.Retention.Window)}
	if r != nil {
		base = append(base, dao.WithTiles(r))
	}
	return dao.New(e.store, append(base, opts...)...), nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runIngest(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("ingest")
	inPath := fs.String("input", "", "Input JSONL file (default: stdin)")
	_ = fs.Parse(args)

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.dao()
	if err != nil {
		return err
	}

	in, err := openInput(*inPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	scanner := bufio.NewScanner(in)
	// Payload lines can be long; bump buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	var lines, malformed int
	var inserted int64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines++

		n, err := d.InsertMessages(ctx, []byte(line))
		if errors.Is(err, ais.ErrMalformedPayload) {
			malformed++
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lines, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lines, err)
		}
		inserted += n
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	fmt.Fprintf(os.Stderr, "stats: payloads=%d inserted=%d malformed=%d\n", lines, inserted, malformed)
	return nil
}

func runSweep(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("sweep")
	window := fs.Duration("window", 0, "Retention window (default: retention.window from config)")
	_ = fs.Parse(args)

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	var opts []dao.Option
	if *window > 0 {
		opts = append(opts, dao.WithWindow(*window))
	}
	d, err := e.dao(opts...)
	if err != nil {
		return err
	}

	n, err := d.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d messages older than %s\n", n, d.Window())
	return nil
}

func runSchema(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("schema")
	_ = fs.Parse(args)

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.store.CreateSchema(ctx); err != nil {
		return err
	}
	if e.cfg.ClickHouse.Enabled {
		ch, err := storage.OpenClickHouse(ctx, e.cfg.Storage().ClickHouse)
		if err != nil {
			return err
		}
		defer ch.Close()
		if err := ch.CreateSchema(ctx); err != nil {
			return err
		}
	}
	fmt.Println("schema ready")
	return nil
}

func runLoadVessels(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("load-vessels")
	inPath := fs.String("input", "", "Vessel CSV file (default: stdin)")
	_ = fs.Parse(args)

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	in, err := openInput(*inPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	vessels, err := catalog.ReadVessels(in)
	if err != nil {
		return err
	}
	d, err := e.dao()
	if err != nil {
		return err
	}
	n, err := d.UpsertVessels(ctx, vessels)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d vessels (%d rows written)\n", len(vessels), n)
	return nil
}

func runLoadPorts(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("load-ports")
	inPath := fs.String("input", "", "Port CSV file (default: stdin)")
	_ = fs.Parse(args)

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	in, err := openInput(*inPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	r, err := e.resolver()
	if err != nil {
		return err
	}
	ports, err := catalog.ReadPorts(in, r)
	if err != nil {
		return err
	}
	d, err := e.dao()
	if err != nil {
		return err
	}
	n, err := d.UpsertPorts(ctx, ports)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d ports (%d rows written)\n", len(ports), n)
	return nil
}

func runStats(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("stats")
	_ = fs.Parse(args)

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.dao()
	if err != nil {
		return err
	}
	st, err := d.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("AIS Store Statistics")
	fmt.Println("────────────────────")
	fmt.Printf("Messages:            %d\n", st.Messages)
	fmt.Printf("Static data:         %d\n", st.StaticData)
	fmt.Printf("Position reports:    %d\n", st.PositionReports)
	fmt.Printf("Orphaned rows:       %d\n", st.OrphanedStatic+st.OrphanedReports)
	fmt.Printf("Vessels:             %d\n", st.Vessels)
	fmt.Printf("Ports:               %d\n", st.Ports)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("export")
	format := fs.String("format", "kml", "Output format: kml or geojson")
	outPath := fs.String("output", "", "Output file (default: stdout)")
	_ = fs.Parse(args)

	if *format != "kml" && *format != "geojson" {
		return fmt.Errorf("unknown format %q", *format)
	}

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.dao()
	if err != nil {
		return err
	}
	positions, err := d.RecentPositions(ctx)
	if err != nil {
		return err
	}

	out, err := openOutput(*outPath)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer out.Close()

	if *format == "geojson" {
		err = export.WriteGeoJSON(out, positions)
	} else {
		err = export.WriteKML(out, positions, time.Now())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d vessels\n", len(positions))
	return nil
}

func runTrack(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("track")
	mmsiStr := fs.String("mmsi", "", "Vessel MMSI")
	format := fs.String("format", "json", "Output format: json or geojson")
	_ = fs.Parse(args)

	mmsi, err := dao.ParseMMSI(*mmsiStr)
	if err != nil {
		return err
	}

	e, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.dao()
	if err != nil {
		return err
	}
	track, err := d.LastFivePositions(ctx, mmsi)
	if err != nil {
		return err
	}
	if *format == "geojson" {
		return writeJSON(os.Stdout, export.TrackGeoJSON(track))
	}
	return writeJSON(os.Stdout, track)
}

func runHistory(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("history")
	mmsiStr := fs.String("mmsi", "", "Vessel MMSI")
	since := fs.Duration("since", 24*time.Hour, "How far back to look")
	limit := fs.Int("limit", 100, "Maximum number of positions")
	_ = fs.Parse(args)

	mmsi, err := dao.ParseMMSI(*mmsiStr)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if !cfg.ClickHouse.Enabled {
		return errors.New("clickhouse is not enabled (set clickhouse.enabled or AIS_CLICKHOUSE_ENABLED)")
	}
	logging.Init(cfg.Logging())

	ch, err := storage.OpenClickHouse(ctx, cfg.Storage().ClickHouse)
	if err != nil {
		return err
	}
	defer ch.Close()

	points, err := ch.PositionHistory(ctx, mmsi, time.Now().Add(-*since), *limit)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, points)
}
