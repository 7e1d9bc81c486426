package observerproto

import (
	"lodcraft.ai/internal/lod/dimension"
	"lodcraft.ai/internal/lod/generate"
)

// Version is the observer protocol version.
const Version = "lod-0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Detail of the tiles to stream. One tile covers one region.
	Detail   int `json:"detail"`
	MaxTiles int `json:"max_tiles"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	InstanceID      string    `json:"instance_id"`
	Params          Params    `json:"params"`
	Status          StatusMsg `json:"status"`
}

type Params struct {
	Dimension      string `json:"dimension"`
	TickRateHz     int    `json:"tick_rate_hz"`
	RenderDistance int    `json:"render_distance"`
	RegionWidth    int    `json:"region_width"`
	DetailLevels   int    `json:"detail_levels"`
	Caps           []int  `json:"max_vertical_data"`
	MinY           int    `json:"min_y"`
	MaxY           int    `json:"max_y"`
	// MissingHeight marks tile cells that hold no data.
	MissingHeight int    `json:"missing_height"`
	Mode          string `json:"mode"`
}

// Server -> Client. Sent on every stream interval.
type StatusMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Tick            uint64          `json:"tick"`
	Player          [2]float64      `json:"player"`
	Window          dimension.Stats `json:"window"`
	Generation      generate.Stats  `json:"generation"`
}

// Server -> Client. One region at one detail. Rasters are indexed x*size+z and encoded with
// internal/encoding: Heights and Modes with EncodeHeights, Colors with EncodeColors.
type TileMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Region          [2]int `json:"region"`
	Detail          int    `json:"detail"`
	Size            int    `json:"size"`
	Populated       int    `json:"populated"`
	Heights         string `json:"heights"`
	Colors          string `json:"colors"`
	Modes           string `json:"modes"`
}

// Server -> Client. First message after a valid SUBSCRIBE.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Detail          int    `json:"detail"`
	MaxTiles        int    `json:"max_tiles"`
}
