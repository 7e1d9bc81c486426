package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/engine"
	"lodcraft.ai/internal/transport/observer"
)

type muxOptions struct {
	Admin bool
	Pprof bool
}

func newMux(eng *engine.Engine, obs *observer.Server, opts muxOptions, logger *log.Logger) *http.ServeMux {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, eng.Metrics(), obs.Stats())
	})
	mux.HandleFunc("/metrics.json", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, struct {
			engine.Metrics
			Observer observer.Stats `json:"observer"`
		}{eng.Metrics(), obs.Stats()})
	})
	mux.HandleFunc("/v1/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/v1/ws", obs.WSHandler())

	if opts.Admin {
		mux.HandleFunc("/admin/v1/state", adminOnly(http.MethodGet, func(rw http.ResponseWriter, r *http.Request) {
			writeJSON(rw, http.StatusOK, eng.Bootstrap())
		}))
		mux.HandleFunc("/admin/v1/player", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
			x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
			z, errZ := strconv.ParseFloat(r.URL.Query().Get("z"), 64)
			if errX != nil || errZ != nil {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "x and z must be numbers"})
				return
			}
			eng.SetPlayer(x, z)
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "player": [2]float64{x, z}})
		}))
		mux.HandleFunc("/admin/v1/render_distance", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
			blocks, err := strconv.Atoi(r.URL.Query().Get("blocks"))
			if err != nil {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "blocks must be an integer"})
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			if err := eng.SetRenderDistance(ctx, blocks); err != nil {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "width": eng.Dimension().Width()})
		}))
		mux.HandleFunc("/admin/v1/mode", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
			m, err := column.ParseMode(r.URL.Query().Get("mode"))
			if err == nil {
				err = eng.SetMode(m)
			}
			if err != nil {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "mode": m.String()})
		}))
		mux.HandleFunc("/admin/v1/save", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			n, err := eng.Save(ctx)
			if err != nil {
				logger.Printf("admin save: %v", err)
				writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "levels": n, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "levels": n})
		}))
	} else {
		logger.Printf("admin endpoints disabled (LOD_ENABLE_ADMIN_HTTP=false)")
	}
	if opts.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// adminOnly restricts h to loopback callers using method.
func adminOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// writeMetrics emits a minimal Prometheus exposition.
func writeMetrics(rw http.ResponseWriter, m engine.Metrics, o observer.Stats) {
	dim := m.Dimension
	fmt.Fprintf(rw, "# HELP lod_tick Current engine tick.\n")
	fmt.Fprintf(rw, "# TYPE lod_tick gauge\n")
	fmt.Fprintf(rw, "lod_tick{dim=%q} %d\n", dim, m.Tick)

	fmt.Fprintf(rw, "# HELP lod_window_regions Regions held by the window.\n")
	fmt.Fprintf(rw, "# TYPE lod_window_regions gauge\n")
	fmt.Fprintf(rw, "lod_window_regions{dim=%q} %d\n", dim, m.Window.Regions)
	fmt.Fprintf(rw, "lod_window_dirty_regions{dim=%q} %d\n", dim, m.Window.Dirty)
	fmt.Fprintf(rw, "lod_window_evicted_total{dim=%q} %d\n", dim, m.Window.Evicted)
	fmt.Fprintf(rw, "lod_window_load_errors_total{dim=%q} %d\n", dim, m.Window.LoadErrors)

	fmt.Fprintf(rw, "# HELP lod_populated_cells Populated cells per detail level across the window.\n")
	fmt.Fprintf(rw, "# TYPE lod_populated_cells gauge\n")
	for d, n := range m.Populated {
		fmt.Fprintf(rw, "lod_populated_cells{dim=%q,detail=\"%d\"} %d\n", dim, d, n)
	}

	g := m.Generation
	fmt.Fprintf(rw, "# HELP lod_generation_units_total Finished generation units by outcome.\n")
	fmt.Fprintf(rw, "# TYPE lod_generation_units_total counter\n")
	for _, kv := range []struct {
		outcome string
		n       uint64
	}{
		{"generated", g.Generated},
		{"unchanged", g.Unchanged},
		{"skipped", g.Skipped},
		{"discarded", g.Discarded},
		{"failed", g.Failed},
	} {
		fmt.Fprintf(rw, "lod_generation_units_total{dim=%q,outcome=%q} %d\n", dim, kv.outcome, kv.n)
	}
	fmt.Fprintf(rw, "lod_generation_passes_total{dim=%q} %d\n", dim, g.Passes)
	fmt.Fprintf(rw, "lod_generation_dropped_ticks_total{dim=%q} %d\n", dim, g.DroppedTicks)
	fmt.Fprintf(rw, "lod_generation_in_flight{dim=%q} %d\n", dim, g.InFlight)
	fmt.Fprintf(rw, "lod_generation_max_in_flight{dim=%q} %d\n", dim, g.MaxInFlight)

	fmt.Fprintf(rw, "lod_levels_saved_total{dim=%q} %d\n", dim, m.LevelsSaved)
	fmt.Fprintf(rw, "lod_save_errors_total{dim=%q} %d\n", dim, m.SaveErrors)
	fmt.Fprintf(rw, "lod_observer_sessions %d\n", o.Sessions)
	fmt.Fprintf(rw, "lod_observer_tiles_sent_total %d\n", o.TilesSent)
	if m.SQLite != nil {
		fmt.Fprintf(rw, "lod_sqlite_queue_depth{dim=%q} %d\n", dim, m.SQLite.QueueDepth)
		fmt.Fprintf(rw, "lod_sqlite_dropped_events_total{dim=%q} %d\n", dim, m.SQLite.DropEventTotal)
	}
	if m.Mirror != nil {
		fmt.Fprintf(rw, "lod_mirror_queue_depth{dim=%q} %d\n", dim, m.Mirror.QueueDepth)
		fmt.Fprintf(rw, "lod_mirror_uploads_total{dim=%q,result=\"ok\"} %d\n", dim, m.Mirror.Uploaded)
		fmt.Fprintf(rw, "lod_mirror_uploads_total{dim=%q,result=\"fail\"} %d\n", dim, m.Mirror.UploadFailures)
		fmt.Fprintf(rw, "lod_mirror_dropped_total{dim=%q} %d\n", dim, m.Mirror.Dropped)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
