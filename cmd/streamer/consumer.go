package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/tiledata"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

// logConsumer stands in for a renderer: it counts deliveries and logs them at
// debug level.
type logConsumer struct {
	log     *slog.Logger
	tiles   atomic.Int64
	strings atomic.Int64
	bitmaps atomic.Int64
	removed atomic.Int64
}

func (c *logConsumer) TileReady(t *tiledata.GeoTile) {
	c.tiles.Add(1)
	c.log.Debug("tile ready", "key", t.Key.String(), "features", len(t.Features))
}

func (c *logConsumer) StringsReady(t *tiledata.StringTile) {
	c.strings.Add(1)
	c.log.Debug("strings ready", "key", t.Key.String(), "strings", len(t.Strings))
}

func (c *logConsumer) BitmapReady(key tilekey.Key, data []byte) {
	c.bitmaps.Add(1)
	c.log.Debug("bitmap ready", "key", key.String(), "bytes", len(data))
}

func (c *logConsumer) DescriptorChanged(d format.Descriptor) {
	c.log.Info("descriptor changed", "crc", fmt.Sprintf("%08x", d.CRC()), "layers", len(d.Layers()))
}

func (c *logConsumer) TileRemoved(key tilekey.Key) {
	c.removed.Add(1)
	c.log.Debug("tile removed", "key", key.String())
}

func (c *logConsumer) summary() []any {
	return []any{
		"tiles", c.tiles.Load(),
		"strings", c.strings.Load(),
		"bitmaps", c.bitmaps.Load(),
		"removed", c.removed.Load(),
	}
}
