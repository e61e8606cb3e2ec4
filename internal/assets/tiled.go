// ============================================================================
// framejobs Assets - tiled map assets
// ============================================================================
//
// Package: internal/assets
// File: tiled.go
// Purpose: Concrete asset types and their wire format.
//
//   Raw      - archived bytes, no decoding
//   Tileset  - one tile sheet (protowire message inside an archive)
//   Tilemap  - grid layers referencing tilesets by path
//   Map      - composite: a tilemap plus every tileset it references, each resolved
//              through LoadAsset so shared tilesets are loaded once (LoadMap)
//
// Wire format (protobuf wire encoding, hand-assigned field numbers):
//
//   Tileset { 1: name string, 2: tile_width varint, 3: tile_height varint,
//             4: columns varint, 5: tile_count varint, 6: image bytes }
//   Tilemap { 1: width varint, 2: height varint, 3: tilesets repeated string,
//             4: layers repeated Layer }
//   Layer   { 1: name string, 2: tiles packed varint }
//
// Unknown fields are skipped.
//
// ============================================================================

package assets

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/frame-jobs/internal/jobs"
)

// Raw is an archive's decompressed content
type Raw struct {
	Data []byte
}

// Load reads the archive at path
func (r *Raw) Load(co *jobs.Co, path string) error {
	data, err := ReadArchive(co, path)
	if err != nil {
		return err
	}
	r.Data = data
	return nil
}

// Tileset is a tile sheet
type Tileset struct {
	Name       string `yaml:"name"`
	TileWidth  uint32 `yaml:"tile_width"`
	TileHeight uint32 `yaml:"tile_height"`
	Columns    uint32 `yaml:"columns"`
	TileCount  uint32 `yaml:"tile_count"`
	Image      []byte `yaml:"-"`
}

// Load reads and decodes the tileset archive at path
func (ts *Tileset) Load(co *jobs.Co, path string) error {
	raw, err := ReadArchive(co, path)
	if err != nil {
		return err
	}
	co.YieldNext()
	if err := ts.Unmarshal(raw); err != nil {
		return err
	}
	slog.Debug("tileset decoded", "path", path, "name", ts.Name,
		"tiles", ts.TileCount, "image", humanize.Bytes(uint64(len(ts.Image))))
	return nil
}

// Marshal encodes the tileset
func (ts *Tileset) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, ts.Name)
	b = appendVarint(b, 2, uint64(ts.TileWidth))
	b = appendVarint(b, 3, uint64(ts.TileHeight))
	b = appendVarint(b, 4, uint64(ts.Columns))
	b = appendVarint(b, 5, uint64(ts.TileCount))
	if len(ts.Image) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, ts.Image)
	}
	return b
}

// Unmarshal decodes a tileset
func (ts *Tileset) Unmarshal(b []byte) error {
	*ts = Tileset{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ts.Name = v
			return n, nil
		case num >= 2 && num <= 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 2:
				ts.TileWidth = uint32(v)
			case 3:
				ts.TileHeight = uint32(v)
			case 4:
				ts.Columns = uint32(v)
			case 5:
				ts.TileCount = uint32(v)
			}
			return n, nil
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			ts.Image = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Layer is one grid of tile ids, row-major
type Layer struct {
	Name  string   `yaml:"name"`
	Tiles []uint32 `yaml:"tiles"`
}

// Tilemap is a grid of layers drawing from tilesets
type Tilemap struct {
	Width    uint32   `yaml:"width"`
	Height   uint32   `yaml:"height"`
	Tilesets []string `yaml:"tilesets"` // archive paths
	Layers   []Layer  `yaml:"layers"`
}

// Load reads and decodes the tilemap archive at path
func (tm *Tilemap) Load(co *jobs.Co, path string) error {
	raw, err := ReadArchive(co, path)
	if err != nil {
		return err
	}
	co.YieldNext()
	return tm.Unmarshal(raw)
}

// Validate checks every layer covers the whole grid
func (tm *Tilemap) Validate() error {
	want := int(tm.Width) * int(tm.Height)
	for _, l := range tm.Layers {
		if len(l.Tiles) != want {
			return fmt.Errorf("layer %q has %d tiles, want %dx%d", l.Name, len(l.Tiles), tm.Width, tm.Height)
		}
	}
	return nil
}

// Marshal encodes the tilemap
func (tm *Tilemap) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(tm.Width))
	b = appendVarint(b, 2, uint64(tm.Height))
	for _, ts := range tm.Tilesets {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, ts)
	}
	for _, l := range tm.Layers {
		var lb []byte
		lb = appendString(lb, 1, l.Name)
		if len(l.Tiles) > 0 {
			var packed []byte
			for _, t := range l.Tiles {
				packed = protowire.AppendVarint(packed, uint64(t))
			}
			lb = protowire.AppendTag(lb, 2, protowire.BytesType)
			lb = protowire.AppendBytes(lb, packed)
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	return b
}

// Unmarshal decodes a tilemap
func (tm *Tilemap) Unmarshal(b []byte) error {
	*tm = Tilemap{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			tm.Width = uint32(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			tm.Height = uint32(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			tm.Tilesets = append(tm.Tilesets, v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var l Layer
			if err := l.unmarshal(v); err != nil {
				return 0, fmt.Errorf("layer %d: %w", len(tm.Layers), err)
			}
			tm.Layers = append(tm.Layers, l)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return err
	}
	return tm.Validate()
}

func (l *Layer) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			l.Name = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				l.Tiles = append(l.Tiles, uint32(v))
				packed = packed[m:]
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// ============================================================================
// Composite map
// ============================================================================

// Map is a tilemap with its tilesets resolved. Holding a Map keeps every part of it
// cached. A Map is assembled from cached parts and is not cached itself, since its
// path already names the tilemap.
type Map struct {
	Tilemap  *Tilemap
	Tilesets []*Tileset
}

// LoadMap resolves the tilemap at path and then each referenced tileset through the
// cache
func LoadMap(co *jobs.Co, path string) (*Map, error) {
	tm, err := LoadAsset[Tilemap](co, path)
	if err != nil {
		return nil, err
	}
	m := &Map{
		Tilemap:  tm,
		Tilesets: make([]*Tileset, 0, len(tm.Tilesets)),
	}
	for _, tsPath := range tm.Tilesets {
		ts, err := LoadAsset[Tileset](co, tsPath)
		if err != nil {
			return nil, err
		}
		m.Tilesets = append(m.Tilesets, ts)
	}
	return m, nil
}

// ============================================================================
// Wire helpers
// ============================================================================

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields iterates the fields of a message. field consumes one value and returns
// the number of bytes used, or a negative protowire error code.
func walkFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
