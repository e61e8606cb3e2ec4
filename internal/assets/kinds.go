package assets

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/frame-jobs/internal/jobs"
)

// ErrUnknownKind is returned for an asset kind with no loader
var ErrUnknownKind = errors.New("unknown asset kind")

// Summary describes a loaded asset for reporting. Asset holds the strong reference,
// so the asset stays cached for as long as the summary is kept.
type Summary struct {
	Kind   string
	Path   string
	Bytes  int
	Detail string
	Asset  any
}

type kindLoader func(co *jobs.Co, path string) (Summary, error)

var kinds = map[string]kindLoader{
	"raw": func(co *jobs.Co, path string) (Summary, error) {
		r, err := LoadAsset[Raw](co, path)
		if err != nil {
			return Summary{}, err
		}
		return Summary{Bytes: len(r.Data), Asset: r}, nil
	},
	"tileset": func(co *jobs.Co, path string) (Summary, error) {
		ts, err := LoadAsset[Tileset](co, path)
		if err != nil {
			return Summary{}, err
		}
		return Summary{
			Bytes:  len(ts.Image),
			Detail: fmt.Sprintf("%s %dx%d px tiles, %d tiles", ts.Name, ts.TileWidth, ts.TileHeight, ts.TileCount),
			Asset:  ts,
		}, nil
	},
	"tilemap": func(co *jobs.Co, path string) (Summary, error) {
		tm, err := LoadAsset[Tilemap](co, path)
		if err != nil {
			return Summary{}, err
		}
		return Summary{
			Bytes:  4 * int(tm.Width) * int(tm.Height) * len(tm.Layers),
			Detail: fmt.Sprintf("%dx%d, %d layers, %d tilesets", tm.Width, tm.Height, len(tm.Layers), len(tm.Tilesets)),
			Asset:  tm,
		}, nil
	},
	"map": func(co *jobs.Co, path string) (Summary, error) {
		m, err := LoadMap(co, path)
		if err != nil {
			return Summary{}, err
		}
		n := 0
		for _, ts := range m.Tilesets {
			n += len(ts.Image)
		}
		return Summary{
			Bytes:  n,
			Detail: fmt.Sprintf("%dx%d map with %d tilesets", m.Tilemap.Width, m.Tilemap.Height, len(m.Tilesets)),
			Asset:  m,
		}, nil
	},
}

// Kinds lists the asset kinds LoadKind accepts
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadKind stages a load job for an asset kind chosen at run time (CLI)
func LoadKind(s *jobs.Scheduler, priority int, kind, path string) (jobs.JobHandle[struct{}, Summary, error], error) {
	load, ok := kinds[kind]
	if !ok {
		return jobs.JobHandle[struct{}, Summary, error]{}, fmt.Errorf("%w: %q (want one of %v)", ErrUnknownKind, kind, Kinds())
	}
	return jobs.AddTask(s, priority, func(co *jobs.Co) (Summary, error) {
		sum, err := load(co, path)
		sum.Kind, sum.Path = kind, path
		return sum, err
	}), nil
}
