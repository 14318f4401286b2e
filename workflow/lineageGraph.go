package workflow

import (
	"context"
	"errors"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LineageNode is one unit reached by a traversal.
//
// Consumption is recorded per shift, so an edge means "consumed in the shift
// that produced" rather than "went into this exact unit". Ancestors of one
// output include every source of its shift, and descendants of one source
// include every output of the shifts that consumed it.
type LineageNode struct {
	Unit *models.ProductionUnit `json:"unit"`
	// Depth is 1 for direct parents or children of the starting unit.
	Depth int `json:"depth"`
	// ViaShift is the shift linking this unit to the previous level.
	ViaShift string `json:"via_shift"`
	// FromSerial is a unit of the previous level that the shift belongs to.
	FromSerial string `json:"from_serial"`
}

// LineageGraph answers ancestor and descendant queries over consumption records.
// It is read-only and may observe a slightly stale snapshot.
type LineageGraph struct {
	units       repository.UnitStore
	consumption repository.ConsumptionStore
	logger      *logrus.Logger

	DefaultMaxDepth int
}

func NewLineageGraph(units repository.UnitStore, consumption repository.ConsumptionStore, logger *logrus.Logger) *LineageGraph {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &LineageGraph{
		units:           units,
		consumption:     consumption,
		logger:          logger,
		DefaultMaxDepth: config.LineageMaxDepth(),
	}
}

// AncestorsOf walks toward raw material. Raw material units are never expanded.
func (g *LineageGraph) AncestorsOf(ctx context.Context, serial string, maxDepth int) (*Traversal, error) {
	return g.Traverse(ctx, serial, models.LineageAncestors, maxDepth)
}

// DescendantsOf walks toward finished goods.
func (g *LineageGraph) DescendantsOf(ctx context.Context, serial string, maxDepth int) (*Traversal, error) {
	return g.Traverse(ctx, serial, models.LineageDescendants, maxDepth)
}

// Traverse resolves the starting unit and returns a lazy breadth-first
// traversal. A maxDepth of zero or less uses DefaultMaxDepth.
func (g *LineageGraph) Traverse(ctx context.Context, serial string, direction models.LineageDirection, maxDepth int) (*Traversal, error) {
	if maxDepth <= 0 {
		maxDepth = g.DefaultMaxDepth
	}
	if maxDepth <= 0 {
		maxDepth = 16
	}

	ctx, span := tracer.Start(ctx, "LineageGraph.Traverse")
	span.SetAttributes(
		attribute.String("lineage.serial", serial),
		attribute.String("lineage.direction", string(direction)),
		attribute.Int("lineage.max_depth", maxDepth),
	)

	root, err := g.units.UnitBySerial(ctx, serial)
	if errors.Is(err, repository.ErrNotFound) {
		err = &UnknownSerialError{Serial: serial}
	} else if err != nil {
		err = storageErr("load unit", err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorClass(err))
		span.End()
		return nil, err
	}

	return &Traversal{
		graph:     g,
		direction: direction,
		root:      root,
		maxDepth:  maxDepth,
		frontier:  []*models.ProductionUnit{root},
		visited:   map[string]bool{root.SerialNumber: true},
		loader:    newUnitLoader(g.units),
		span:      span,
	}, nil
}

// Traversal yields units level by level. Each level is fetched only when the
// previous one has been consumed. It is single pass and not safe for
// concurrent use.
//
//	t, err := graph.AncestorsOf(ctx, serial, 0)
//	defer t.Close()
//	for t.Next(ctx) {
//		node := t.Node()
//	}
//	if err := t.Err(); err != nil { ... }
type Traversal struct {
	graph     *LineageGraph
	direction models.LineageDirection
	root      *models.ProductionUnit
	maxDepth  int

	depth    int
	frontier []*models.ProductionUnit
	buffer   []LineageNode
	current  LineageNode
	visited  map[string]bool
	loader   *dataloader.Loader[string, *models.ProductionUnit]

	yielded   int
	truncated bool
	done      bool
	err       error
	span      trace.Span
}

func (t *Traversal) Root() *models.ProductionUnit { return t.root }
func (t *Traversal) Direction() models.LineageDirection { return t.direction }
func (t *Traversal) MaxDepth() int { return t.maxDepth }
func (t *Traversal) Node() LineageNode { return t.current }
func (t *Traversal) Err() error { return t.err }

// Truncated reports whether units beyond maxDepth were left unvisited.
// It is final once Next has returned false.
func (t *Traversal) Truncated() bool { return t.truncated }

func (t *Traversal) Next(ctx context.Context) bool {
	for {
		if len(t.buffer) > 0 {
			t.current = t.buffer[0]
			t.buffer = t.buffer[1:]
			t.yielded++
			return true
		}
		if t.done {
			return false
		}
		if len(t.frontier) == 0 {
			t.finish()
			return false
		}

		nodes, err := t.nextLevel(trace.ContextWithSpan(ctx, t.span))
		if err != nil {
			t.err = err
			t.finish()
			return false
		}
		if t.depth >= t.maxDepth {
			t.truncated = len(nodes) > 0
			t.frontier = nil
			continue
		}

		t.depth++
		t.frontier = make([]*models.ProductionUnit, 0, len(nodes))
		for _, n := range nodes {
			t.visited[n.Unit.SerialNumber] = true
			t.frontier = append(t.frontier, n.Unit)
		}
		t.buffer = nodes
	}
}

// Collect drains the traversal.
func (t *Traversal) Collect(ctx context.Context) ([]LineageNode, error) {
	var nodes []LineageNode
	for t.Next(ctx) {
		nodes = append(nodes, t.Node())
	}
	return nodes, t.Err()
}

// Close ends a traversal that was not read to the end. It is safe to call
// after Next has returned false, and Next returns false once it has run.
func (t *Traversal) Close() {
	t.buffer = nil
	t.frontier = nil
	t.finish()
}

func (t *Traversal) finish() {
	if t.done {
		return
	}
	t.done = true
	lineageNodes.WithLabelValues(string(t.direction)).Observe(float64(t.yielded))
	if t.truncated {
		lineageTruncated.WithLabelValues(string(t.direction)).Inc()
	}
	if t.span != nil {
		t.span.SetAttributes(attribute.Int("lineage.nodes", t.yielded), attribute.Bool("lineage.truncated", t.truncated))
		if t.err != nil {
			t.span.RecordError(t.err)
			t.span.SetStatus(codes.Error, errorClass(t.err))
		}
		t.span.End()
	}
}

// nextLevel computes the unvisited neighbours of the frontier without marking them.
func (t *Traversal) nextLevel(ctx context.Context) ([]LineageNode, error) {
	if t.direction == models.LineageDescendants {
		return t.descendantLevel(ctx)
	}
	return t.ancestorLevel(ctx)
}

func (t *Traversal) ancestorLevel(ctx context.Context) ([]LineageNode, error) {
	shiftFrom := map[string]string{}
	var shiftIds []string
	for _, u := range t.frontier {
		if u.Tier == models.TierRawMaterial || u.ShiftId == nil {
			continue
		}
		if _, ok := shiftFrom[*u.ShiftId]; !ok {
			shiftFrom[*u.ShiftId] = u.SerialNumber
			shiftIds = append(shiftIds, *u.ShiftId)
		}
	}
	if len(shiftIds) == 0 {
		return nil, nil
	}

	entries, err := t.graph.consumption.EntriesByShifts(ctx, shiftIds)
	if err != nil {
		return nil, storageErr("load consumption by shift", err)
	}
	via := map[string]string{}
	var serials []string
	for _, e := range entries {
		if t.visited[e.SourceSerial] {
			continue
		}
		if _, ok := via[e.SourceSerial]; ok {
			continue
		}
		via[e.SourceSerial] = e.ShiftId
		serials = append(serials, e.SourceSerial)
	}
	if len(serials) == 0 {
		return nil, nil
	}

	units, errs := t.loader.LoadMany(ctx, serials)()
	nodes := make([]LineageNode, 0, len(serials))
	for i, serial := range serials {
		if i < len(errs) && errs[i] != nil {
			if errors.Is(errs[i], ErrUnknownSerial) {
				t.graph.logger.WithFields(logrus.Fields{
					"field":    "LineageGraph",
					"serial":   serial,
					"shift_id": via[serial],
				}).Warn("consumption entry references a missing unit")
				continue
			}
			return nil, errs[i]
		}
		nodes = append(nodes, LineageNode{
			Unit:       units[i],
			Depth:      t.depth + 1,
			ViaShift:   via[serial],
			FromSerial: shiftFrom[via[serial]],
		})
	}
	return nodes, nil
}

func (t *Traversal) descendantLevel(ctx context.Context) ([]LineageNode, error) {
	serials := make([]string, len(t.frontier))
	for i, u := range t.frontier {
		serials[i] = u.SerialNumber
	}
	entries, err := t.graph.consumption.EntriesBySourceSerials(ctx, serials)
	if err != nil {
		return nil, storageErr("load consumption by source", err)
	}
	shiftFrom := map[string]string{}
	var shiftIds []string
	for _, e := range entries {
		if _, ok := shiftFrom[e.ShiftId]; !ok {
			shiftFrom[e.ShiftId] = e.SourceSerial
			shiftIds = append(shiftIds, e.ShiftId)
		}
	}
	if len(shiftIds) == 0 {
		return nil, nil
	}

	units, err := t.graph.units.UnitsByShifts(ctx, shiftIds)
	if err != nil {
		return nil, storageErr("load units by shift", err)
	}
	seen := map[string]bool{}
	nodes := make([]LineageNode, 0, len(units))
	for _, u := range units {
		if t.visited[u.SerialNumber] || seen[u.SerialNumber] {
			continue
		}
		seen[u.SerialNumber] = true
		t.loader.Prime(ctx, u.SerialNumber, u)
		shiftId := u.GetShiftId()
		nodes = append(nodes, LineageNode{
			Unit:       u,
			Depth:      t.depth + 1,
			ViaShift:   shiftId,
			FromSerial: shiftFrom[shiftId],
		})
	}
	return nodes, nil
}
