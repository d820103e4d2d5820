// Command wbctl is the ingest/inspect companion CLI for the engine
// (SPEC_FULL.md §10.1), grounded on mtlprog-stat/cmd/stat/main.go's
// signal-aware main and service wiring, with urfave/cli/v2 providing
// command/flag parsing and bisibesi-spec-recon's ui.Pipeline providing
// ingest progress reporting.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"github.com/xuri/excelize/v2"

	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/config"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/notifier"
	"github.com/cellforge/engine/internal/snapshot"
	"github.com/cellforge/engine/internal/snapshot/boltstore"
	"github.com/cellforge/engine/internal/snapshot/pgstore"
	"github.com/cellforge/engine/internal/workbook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "wbctl",
		Usage: "ingest, inspect, and serve cellforge workbooks",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to wbctl.yaml", Value: ""},
		},
		Commands: []*cli.Command{
			ingestCommand(),
			setCommand(),
			evalCommand(),
			undoCommand(),
			redoCommand(),
			serveCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadTuning(c *cli.Context) (*config.EngineTuning, error) {
	return config.Load(c.String("config"))
}

func newLogger(c *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if c.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "load an XLSX workbook and save a snapshot",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Required: true, Usage: "XLSX file to read"},
			&cli.StringFlag{Name: "sheet", Usage: "sheet name (defaults to the first sheet)"},
			&cli.StringFlag{Name: "snapshot", Value: "workbook.db", Usage: "bolt snapshot file to write"},
			&cli.StringFlag{Name: "workbook-id", Value: "default", Usage: "snapshot key"},
			&cli.BoolFlag{Name: "verbose"},
		},
		Action: func(c *cli.Context) error {
			tuning, err := loadTuning(c)
			if err != nil {
				return err
			}
			logger := newLogger(c)

			f, err := excelize.OpenFile(c.String("file"))
			if err != nil {
				return fmt.Errorf("open xlsx: %w", err)
			}
			defer f.Close()

			sheetName := c.String("sheet")
			if sheetName == "" {
				sheetName = f.GetSheetList()[0]
			}
			rows, err := f.GetRows(sheetName)
			if err != nil {
				return fmt.Errorf("read sheet %s: %w", sheetName, err)
			}

			wb := workbook.New(
				workbook.WithLogger(logger),
				workbook.WithCompactionPolicy(tuning.CompactionPolicy()),
				workbook.WithEngineConfig(tuning.EngineConfig()),
			)
			sheetID, err := wb.AddSheet(sheetName)
			if err != nil {
				return err
			}

			values := make(map[coord.CellAddr]cellvalue.Value)
			bar := progressbar.NewOptions(len(rows),
				progressbar.OptionSetDescription("[ingest]"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			maxCol := uint32(0)
			for r, row := range rows {
				for col, raw := range row {
					if raw == "" {
						continue
					}
					addr := coord.CellAddr{Sheet: sheetID, Row: uint32(r), Col: uint32(col)}
					values[addr] = inferValue(raw)
					if uint32(col) > maxCol {
						maxCol = uint32(col)
					}
				}
				_ = bar.Add(1)
			}

			rowSpan := coord.RowSpan{Start: 0, End: uint32(len(rows))}
			colSpan := coord.RowSpan{Start: 0, End: maxCol + 1}
			info, err := wb.BulkIngest(sheetID, rowSpan, colSpan, values)
			if err != nil {
				return fmt.Errorf("bulk ingest: %w", err)
			}
			logger.Info().
				Int("cells_written", info.Summary.CellsWritten).
				Int("vertices_evaluated", recalcVertices(info)).
				Msg("ingest committed")

			store, err := openSnapshotStore(c.Context, tuning, c.String("snapshot"))
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Save(c.Context, c.String("workbook-id"), 1, wb.Snapshot())
		},
	}
}

// openSnapshotStore picks the snapshot.Store backend named by
// tuning.Snapshot.Backend ("bolt", the default, or "postgres"). flagPath is
// the --snapshot flag's value: for bolt it is the database file path; for
// postgres it is used only as a fallback when the config file leaves
// snapshot.dsn unset, since a bolt-shaped default ("workbook.db") is not a
// valid postgres connection string on its own.
func openSnapshotStore(ctx context.Context, tuning *config.EngineTuning, flagPath string) (snapshot.Store, error) {
	switch tuning.Snapshot.Backend {
	case "postgres":
		dsn := tuning.Snapshot.DSN
		if dsn == "" {
			dsn = flagPath
		}
		return pgstore.Open(ctx, dsn)
	default:
		return boltstore.Open(flagPath)
	}
}

func recalcVertices(info workbook.CommitInfo) int {
	if info.Recalc == nil {
		return 0
	}
	return info.Recalc.VerticesEvaluated
}

// inferValue guesses a plain cell type from excelize's string cell
// representation: bool, then number, falling back to text. Formula cells
// are read by their cached display value, not their formula text — no
// formula parser is in scope (SPEC_FULL.md §1 Non-goals).
func inferValue(raw string) cellvalue.Value {
	if b, err := strconv.ParseBool(raw); err == nil {
		return cellvalue.Boolean(b)
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return cellvalue.Number(n)
	}
	return cellvalue.Text(raw)
}

func cellAddrFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Required: true, Usage: "http address of a running wbctl serve instance"},
		&cli.Uint64Flag{Name: "sheet", Value: 1, Usage: "sheet id"},
		&cli.Uint64Flag{Name: "row", Required: true},
		&cli.Uint64Flag{Name: "col", Required: true},
	}
}

func setCommand() *cli.Command {
	flags := append(cellAddrFlags(), &cli.StringFlag{Name: "value", Required: true})
	return &cli.Command{
		Name:  "set",
		Usage: "write a plain value to a cell on a running serve instance",
		Flags: flags,
		Action: func(c *cli.Context) error {
			return postCell(c, "/cell", inferValue(c.String("value")))
		},
	}
}

func evalCommand() *cli.Command {
	return &cli.Command{
		Name:  "eval",
		Usage: "trigger a recalculation on a running serve instance",
		Flags: []cli.Flag{&cli.StringFlag{Name: "addr", Required: true}},
		Action: func(c *cli.Context) error {
			return postEmpty(c, "/recalculate")
		},
	}
}

func undoCommand() *cli.Command {
	return &cli.Command{
		Name:  "undo",
		Usage: "undo the last committed transaction on a running serve instance",
		Flags: []cli.Flag{&cli.StringFlag{Name: "addr", Required: true}},
		Action: func(c *cli.Context) error { return postEmpty(c, "/undo") },
	}
}

func redoCommand() *cli.Command {
	return &cli.Command{
		Name:  "redo",
		Usage: "redo the last undone transaction on a running serve instance",
		Flags: []cli.Flag{&cli.StringFlag{Name: "addr", Required: true}},
		Action: func(c *cli.Context) error { return postEmpty(c, "/redo") },
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "host a workbook over HTTP/websocket for set/eval/undo/redo and commit telemetry",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":8080"},
			&cli.StringFlag{Name: "snapshot", Value: "workbook.db"},
			&cli.StringFlag{Name: "workbook-id", Value: "default"},
			&cli.BoolFlag{Name: "verbose"},
		},
		Action: func(c *cli.Context) error {
			tuning, err := loadTuning(c)
			if err != nil {
				return err
			}
			logger := newLogger(c)
			notify := notifier.NewServer(logger)

			wb := workbook.New(
				workbook.WithLogger(logger),
				workbook.WithCompactionPolicy(tuning.CompactionPolicy()),
				workbook.WithEngineConfig(tuning.EngineConfig()),
				workbook.WithSpillPolicy(tuning.SpillPolicy()),
				workbook.WithCommitHook(notify.Hook()),
			)

			store, err := openSnapshotStore(c.Context, tuning, c.String("snapshot"))
			if err != nil {
				return err
			}
			defer store.Close()

			if snap, _, err := store.Latest(c.Context, c.String("workbook-id")); err == nil {
				if err := wb.Restore(c.Context, snap); err != nil {
					return fmt.Errorf("restore snapshot: %w", err)
				}
			} else if err != snapshot.ErrNotFound {
				return fmt.Errorf("load snapshot: %w", err)
			}

			srv := newHTTPServer(wb, notify)
			logger.Info().Str("addr", c.String("listen")).Msg("wbctl serve listening")
			return srv.ListenAndServeContext(c.Context, c.String("listen"))
		},
	}
}
