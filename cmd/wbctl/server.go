package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/notifier"
	"github.com/cellforge/engine/internal/workbook"
	"github.com/urfave/cli/v2"
)

// httpServer hosts one Workbook over plain HTTP endpoints plus the
// notifier's websocket telemetry feed; set/eval/undo/redo subcommands are
// thin clients against it since WorkbookEditor's undo/redo history only
// exists in this process, never in a snapshot.
type httpServer struct {
	wb  *workbook.Workbook
	mux *http.ServeMux
}

func newHTTPServer(wb *workbook.Workbook, notify *notifier.Server) *httpServer {
	mux := http.NewServeMux()
	s := &httpServer{wb: wb, mux: mux}
	notify.ServeMux(mux, "/ws")
	mux.HandleFunc("/cell", s.handleCell)
	mux.HandleFunc("/recalculate", s.handleRecalculate)
	mux.HandleFunc("/undo", s.handleUndo)
	mux.HandleFunc("/redo", s.handleRedo)
	return s
}

func (s *httpServer) ListenAndServeContext(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type cellRequest struct {
	Sheet uint32 `json:"sheet"`
	Row   uint32 `json:"row"`
	Col   uint32 `json:"col"`
	Value string `json:"value"`
}

func (s *httpServer) handleCell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req cellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	addr := coord.CellAddr{Sheet: coord.SheetID(req.Sheet), Row: req.Row, Col: req.Col}
	info, err := s.wb.SetValue(addr, inferValue(req.Value))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, info)
}

func (s *httpServer) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	report, err := s.wb.Recalculate(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, report)
}

func (s *httpServer) handleUndo(w http.ResponseWriter, r *http.Request) {
	ok, err := s.wb.Undo(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]bool{"undone": ok})
}

func (s *httpServer) handleRedo(w http.ResponseWriter, r *http.Request) {
	ok, err := s.wb.Redo(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]bool{"redone": ok})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// postCell sends a set request to a running serve instance.
func postCell(c *cli.Context, path string, value cellvalue.Value) error {
	raw := ""
	switch value.Kind {
	case cellvalue.KindNumber:
		raw = strconv.FormatFloat(value.Num, 'g', -1, 64)
	case cellvalue.KindBool:
		raw = strconv.FormatBool(value.Bool)
	default:
		raw = value.Str
	}
	req := cellRequest{
		Sheet: uint32(c.Uint64("sheet")),
		Row:   uint32(c.Uint64("row")),
		Col:   uint32(c.Uint64("col")),
		Value: raw,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return doPost(c.Context, c.String("addr")+path, payload)
}

// postEmpty sends a bodiless POST to a running serve instance.
func postEmpty(c *cli.Context, path string) error {
	return doPost(c.Context, c.String("addr")+path, nil)
}

func doPost(ctx context.Context, url string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("wbctl: request failed: " + resp.Status)
	}
	return nil
}
