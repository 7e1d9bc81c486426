package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lodcraft.ai/internal/encoding"
	"lodcraft.ai/internal/lod/column"
	"lodcraft.ai/internal/lod/dimension"
	"lodcraft.ai/internal/lod/pos"
	"lodcraft.ai/internal/lod/region"
	"lodcraft.ai/internal/observerproto"
)

// MissingHeight is the tile height of a cell without data.
const MissingHeight = column.MinY - 1

// Source is what the observer streams from.
type Source interface {
	Bootstrap() observerproto.BootstrapResponse
	Status() observerproto.StatusMsg
	Dimension() *dimension.Dimension
}

type Server struct {
	src      Source
	log      *log.Logger
	interval time.Duration

	upgrader websocket.Upgrader
	sessions atomic.Int64
	tiles    atomic.Uint64
}

// NewServer streams a status message and changed tiles every interval.
func NewServer(src Source, interval time.Duration, logger *log.Logger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{
		src:      src,
		log:      logger,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type Stats struct {
	Sessions  int64  `json:"sessions"`
	TilesSent uint64 `json:"tiles_sent"`
}

func (s *Server) Stats() Stats {
	return Stats{Sessions: s.sessions.Load(), TilesSent: s.tiles.Load()}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.src.Bootstrap())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := uuid.NewString()
		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		s.logf("observer join session=%s remote=%s detail=%d", sid, r.RemoteAddr, sub.Detail)

		welcome := observerproto.WelcomeMsg{
			Type:            "WELCOME",
			ProtocolVersion: observerproto.Version,
			SessionID:       sid,
			Detail:          sub.Detail,
			MaxTiles:        sub.MaxTiles,
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(welcome); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		subs := make(chan observerproto.SubscribeMsg, 1)
		writeErr := make(chan error, 1)
		go func() {
			writeErr <- s.stream(ctx, conn, sub, subs)
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			next, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			// Keep only the newest pending update.
			select {
			case <-subs:
			default:
			}
			subs <- next
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.logf("observer leave session=%s", sid)
	}
}

// stream is the only writer on conn after the handshake.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub observerproto.SubscribeMsg, subs <-chan observerproto.SubscribeMsg) error {
	sent := map[pos.RegionPos]string{}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.push(conn, sub, sent); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-subs:
			if next.Detail != sub.Detail {
				clear(sent)
			}
			sub = next
		case <-ticker.C:
		}
	}
}

func (s *Server) push(conn *websocket.Conn, sub observerproto.SubscribeMsg, sent map[pos.RegionPos]string) error {
	if err := s.write(conn, s.src.Status()); err != nil {
		return err
	}

	dim := s.src.Dimension()
	center := dim.Center()
	regions := dim.Regions()
	sort.Slice(regions, func(i, j int) bool {
		di, dj := ringDistance(regions[i].Pos(), center), ringDistance(regions[j].Pos(), center)
		if di != dj {
			return di < dj
		}
		a, b := regions[i].Pos(), regions[j].Pos()
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Z < b.Z
	})

	live := make(map[pos.RegionPos]bool, len(regions))
	budget := sub.MaxTiles
	for _, r := range regions {
		live[r.Pos()] = true
		if budget == 0 {
			continue
		}
		tile, ok := BuildTile(r, sub.Detail)
		if !ok {
			continue
		}
		digest := tile.Heights + "|" + tile.Colors + "|" + tile.Modes
		if sent[r.Pos()] == digest {
			continue
		}
		if err := s.write(conn, tile); err != nil {
			return err
		}
		sent[r.Pos()] = digest
		s.tiles.Add(1)
		budget--
	}
	for rp := range sent {
		if !live[rp] {
			delete(sent, rp)
		}
	}
	return nil
}

func (s *Server) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

// BuildTile rasterizes the topmost run of every cell of r at detail. It reports false when the
// region has no level at that detail.
func BuildTile(r *region.Region, detail int) (observerproto.TileMsg, bool) {
	c := r.Level(detail)
	if c == nil {
		return observerproto.TileMsg{}, false
	}
	tops := c.Tops()
	heights := make([]int, len(tops))
	colors := make([]uint32, len(tops))
	modes := make([]int, len(tops))
	populated := 0
	for i, d := range tops {
		if !d.Exists() {
			heights[i] = MissingHeight
			continue
		}
		populated++
		heights[i] = d.Height()
		colors[i] = d.Color().ARGB()
		modes[i] = int(d.Mode())
	}
	rp := r.Pos()
	return observerproto.TileMsg{
		Type:            "TILE",
		ProtocolVersion: observerproto.Version,
		Region:          [2]int{rp.X, rp.Z},
		Detail:          detail,
		Size:            c.Size(),
		Populated:       populated,
		Heights:         encoding.EncodeHeights(heights),
		Colors:          encoding.EncodeColors(colors),
		Modes:           encoding.EncodeHeights(modes),
	}, true
}

func ringDistance(a, b pos.RegionPos) int {
	return max(abs(a.X-b.X), abs(a.Z-b.Z))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

// Detail 0 and 1 tiles are 512x512 and 256x256 per region, too large to resend every interval.
const minTileDetail = 2

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.Detail <= 0 {
		sub.Detail = pos.ChunkDetail
	}
	if sub.Detail < minTileDetail {
		sub.Detail = minTileDetail
	}
	if sub.Detail > pos.MaxDetail {
		sub.Detail = pos.MaxDetail
	}
	if sub.MaxTiles <= 0 {
		sub.MaxTiles = 64
	}
	if sub.MaxTiles > 1024 {
		sub.MaxTiles = 1024
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
