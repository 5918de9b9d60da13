package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"github.com/sushant-115/geoindex/core/indexing/spatial"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/indexmanager"
	"github.com/sushant-115/geoindex/pkg/logger"
	"go.uber.org/zap"
)

// errQuit is returned by processCommand when the session should end.
var errQuit = errors.New("quit")

const maxPrinted = 20

type session struct {
	m      *indexmanager.SpatialIndexManager
	out    io.Writer
	nextID uint64
	level  *zap.AtomicLevel
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", a)
		}
		out[i] = v
	}
	return out, nil
}

func parseExtent(args []string) (geom.Extent, error) {
	v, err := parseFloats(args)
	if err != nil {
		return geom.Extent{}, err
	}
	switch len(v) {
	case 4:
		return geom.NewExtent(v[0], v[1], v[2], v[3]), nil
	case 6:
		return geom.NewExtent3D(v[0], v[1], v[2], v[3], v[4], v[5]), nil
	default:
		return geom.Extent{}, fmt.Errorf("an extent needs 4 or 6 numbers, got %d", len(v))
	}
}

func (s *session) printFeatures(fs []geom.Feature) {
	fmt.Fprintf(s.out, "%d feature(s)\n", len(fs))
	for i, f := range fs {
		if i == maxPrinted {
			fmt.Fprintf(s.out, "  ... %d more\n", len(fs)-maxPrinted)
			break
		}
		fmt.Fprintf(s.out, "  %d %s\n", f.ID, f.P)
	}
}

// processCommand runs one command line against the index.
func (s *session) processCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	command := strings.ToLower(args[0])
	args = args[1:]

	switch command {
	case "add":
		if len(args) != 2 && len(args) != 3 {
			return fmt.Errorf("add requires <x> <y> [z]")
		}
		v, err := parseFloats(args)
		if err != nil {
			return err
		}
		p := geom.Point{X: v[0], Y: v[1]}
		if len(v) == 3 {
			p.Z = v[2]
		}
		s.nextID++
		if err := s.m.Insert(ctx, geom.Feature{ID: s.nextID, P: p}); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "added %d\n", s.nextID)
	case "gen":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("gen requires <n> [seed]")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("bad count %q", args[0])
		}
		seed := int64(1)
		if len(args) == 2 {
			if seed, err = strconv.ParseInt(args[1], 10, 64); err != nil {
				return fmt.Errorf("bad seed %q", args[1])
			}
		}
		rng := rand.New(rand.NewSource(seed))
		batch := make([]geom.Feature, n)
		for i := range batch {
			s.nextID++
			batch[i] = geom.Feature{ID: s.nextID, P: geom.Point{X: rng.Float64() * 1000, Y: rng.Float64() * 1000}}
		}
		if err := s.m.InsertBatch(ctx, batch); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "added %d features\n", n)
	case "search":
		e, err := parseExtent(args)
		if err != nil {
			return err
		}
		fs, err := s.m.Search(ctx, e)
		if err != nil {
			return err
		}
		s.printFeatures(fs)
	case "count":
		e, err := parseExtent(args)
		if err != nil {
			return err
		}
		n, err := s.m.Count(ctx, e)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d\n", n)
	case "level":
		if len(args) != 1 && len(args) != 5 && len(args) != 7 {
			return fmt.Errorf("level requires <n> [extent]")
		}
		level, err := strconv.Atoi(args[0])
		if err != nil || level < 0 {
			return fmt.Errorf("bad level %q", args[0])
		}
		var within *geom.Extent
		if len(args) > 1 {
			e, err := parseExtent(args[1:])
			if err != nil {
				return err
			}
			within = &e
		}
		fs, err := s.m.Level(ctx, level, within)
		if err != nil {
			return err
		}
		s.printFeatures(fs)
	case "decimate":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("decimate requires <every> [progressive|copy]")
		}
		every, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad step %q", args[0])
		}
		progressive := true
		if len(args) == 2 {
			switch strings.ToLower(args[1]) {
			case "progressive":
			case "copy":
				progressive = false
			default:
				return fmt.Errorf("unknown decimation mode %q", args[1])
			}
		}
		if err := s.m.Decimate(ctx, every, progressive); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "filtered")
	case "flush":
		if err := s.m.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "flushed")
	case "validate":
		if err := s.m.Validate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "ok")
	case "stats":
		st := s.m.Stats()
		ps := s.m.Pool().Stats()
		fmt.Fprintf(s.out, "depth=%d items=%d loaded=%d leaves=%d branches=%d unsplit=%d unspliteable=%d filter=%s\n",
			st.Depth, st.Items, st.NodesLoaded, st.Leaves, st.Branches, st.Unsplit, st.Unspliteable, st.FilterMode)
		fmt.Fprintf(s.out, "resident payloads=%d items=%d pool used=%d/%d evictions=%d failed=%d\n",
			st.ResidentPayloads, st.ResidentItems, s.m.Pool().Used(), s.m.Pool().Budget(), ps.Evictions, ps.FailedEvictions)
	case "budget":
		if len(args) != 1 {
			return fmt.Errorf("budget requires <items>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad budget %q", args[0])
		}
		if err := s.m.SetPoolBudget(ctx, n); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "pool budget %d, used %d\n", s.m.Pool().Budget(), s.m.Pool().Used())
	case "tree":
		maxLevel := 2
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad level %q", args[0])
			}
			maxLevel = n
		}
		return s.m.Index().Walk(ctx, func(n spatial.QueryNode[geom.Feature]) (bool, error) {
			fmt.Fprintf(s.out, "%s%s %s own=%d total=%d\n",
				strings.Repeat("  ", n.Level()), n.Kind(), n.NodeExtent(), n.OwnCount(), n.TotalCount())
			return n.Level() < maxLevel, nil
		})
	case "snapshot":
		if len(args) != 1 {
			return fmt.Errorf("snapshot requires <path>")
		}
		id, err := s.m.PrepareSnapshot(ctx)
		if err != nil {
			return err
		}
		if err := s.m.ExportSnapshot(ctx, id, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "snapshot %s written to %s\n", id, args[0])
	case "loglevel":
		if len(args) != 1 {
			return fmt.Errorf("loglevel requires <debug|info|warn|error>")
		}
		if s.level == nil {
			return fmt.Errorf("log level is fixed")
		}
		s.level.SetLevel(logger.ParseLevel(args[0]))
		fmt.Fprintf(s.out, "log level %s\n", s.level.Level())
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  add <x> <y> [z]")
		fmt.Fprintln(s.out, "  gen <n> [seed]")
		fmt.Fprintln(s.out, "  search <minx> <miny> <maxx> <maxy>")
		fmt.Fprintln(s.out, "  count <minx> <miny> <maxx> <maxy>")
		fmt.Fprintln(s.out, "  level <n> [<minx> <miny> <maxx> <maxy>]")
		fmt.Fprintln(s.out, "  decimate <every> [progressive|copy]")
		fmt.Fprintln(s.out, "  tree [max level]")
		fmt.Fprintln(s.out, "  flush | validate | stats")
		fmt.Fprintln(s.out, "  budget <items>")
		fmt.Fprintln(s.out, "  snapshot <path>")
		fmt.Fprintln(s.out, "  loglevel <debug|info|warn|error>")
		fmt.Fprintln(s.out, "  help")
		fmt.Fprintln(s.out, "  exit / quit")
	case "exit", "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}
	return nil
}
