package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testDate = time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memory.Store
	allocator *CounterAllocator
	composer  SerialComposer
	minter    *UnitMinter
	recorder  *ConsumptionRecorder
	graph     *LineageGraph
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()
	store := memory.NewStore()
	allocator := NewCounterAllocator(store, logger)
	composer := NewSerialComposer("F01")
	recorder := NewConsumptionRecorder(store, store, store, nil, logger)
	recorder.StrictShiftLock = false
	graph := NewLineageGraph(store, store, logger)
	graph.DefaultMaxDepth = 16
	return &fixture{
		store:     store,
		allocator: allocator,
		composer:  composer,
		minter:    NewUnitMinter(store, store, allocator, composer, logger),
		recorder:  recorder,
		graph:     graph,
	}
}

func (f *fixture) item(code string, tier models.Tier) *models.Item {
	return f.store.AddItem(models.Item{ProductCode: code, Name: code, Tier: tier})
}

func (f *fixture) weighedItem(code string, tier models.Tier, expected, tolerancePct string) *models.Item {
	return f.store.AddItem(models.Item{
		ProductCode:    code,
		Name:           code,
		Tier:           tier,
		ExpectedWeight: decimal.NewNullDecimal(decimal.RequireFromString(expected)),
		TolerancePct:   decimal.NewNullDecimal(decimal.RequireFromString(tolerancePct)),
	})
}

// mint produces one unit of itemCode in shiftId (empty for none) by operator 7.
func (f *fixture) mint(t *testing.T, itemCode, shiftId string) *models.ProductionUnit {
	t.Helper()
	date := testDate
	unit, err := f.minter.Mint(context.Background(), MintRequest{
		ItemCode:       itemCode,
		OperatorId:     7,
		OperatorCode:   "OP7",
		ShiftId:        shiftId,
		ProductionDate: &date,
		Weight:         decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	return unit
}

// consume records that serials were consumed in shiftId to make quantity units of output.
func (f *fixture) consume(t *testing.T, shiftId string, output *models.Item, quantity int64, serials ...string) *ConsumptionResult {
	t.Helper()
	req := ConsumptionRequest{
		Shift:  ShiftContext{ShiftId: shiftId, OperatorId: 7},
		Output: OutputInput{ItemId: output.ID, Quantity: quantity},
	}
	for _, s := range serials {
		req.Entries = append(req.Entries, ProposedEntry{SourceSerial: s})
	}
	res, err := f.recorder.RecordConsumption(context.Background(), req)
	require.NoError(t, err)
	return res
}

func serialsOf(nodes []LineageNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Unit.SerialNumber
	}
	return out
}
