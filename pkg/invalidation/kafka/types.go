package kafka

import (
	"fmt"
	"strings"
	"time"
)

const (
	OpReload     = "reload"
	OpResetLayer = "reset_layer"
)

// Event is one message on the invalidation topic. A reload names a tile key; a
// layer reset names the layer by name or id.
type Event struct {
	Op      string    `json:"op"`
	Key     string    `json:"key,omitempty"`
	Layer   string    `json:"layer,omitempty"`
	LayerID *int      `json:"layer_id,omitempty"`
	Version uint64    `json:"version"`
	TS      time.Time `json:"ts"`
}

func (e Event) Validate() error {
	switch e.Op {
	case OpReload:
		if strings.TrimSpace(e.Key) == "" {
			return fmt.Errorf("reload needs a key")
		}
	case OpResetLayer:
		if strings.TrimSpace(e.Layer) == "" && e.LayerID == nil {
			return fmt.Errorf("reset_layer needs layer or layer_id")
		}
		if e.LayerID != nil && *e.LayerID < 0 {
			return fmt.Errorf("layer_id must not be negative")
		}
	default:
		return fmt.Errorf("op must be reload|reset_layer, got %q", e.Op)
	}
	return nil
}
