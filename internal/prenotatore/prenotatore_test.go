package prenotatore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ejlog/scheduler/pkg/entity"
	"ejlog/scheduler/pkg/errorutil"
	"ejlog/scheduler/pkg/logger"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func assertQty(t *testing.T, expected int64, actual decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.NewFromInt(expected).Equal(actual), "expected %d, got %s", expected, actual.String())
}

// pickingFixture 列表 1（拣货，需求 30）+ 物料 5 的库存单元
func pickingFixture(incrementale bool, units ...entity.UdcProdotto) *memStore {
	s := newMemStore()
	s.addLista(entity.Lista{
		ID:                          1,
		NumLista:                    "PK-0001",
		IDTipoLista:                 entity.TipoListaPicking,
		IDStatoControlloEvadibilita: entity.StatoNonControllata,
		PrenotazioneIncrementale:    incrementale,
		DataCreazione:               t0,
	})
	s.addRiga(entity.RigaLista{
		ID:           10,
		IDLista:      1,
		NumRigaLista: 1,
		IDArticolo:   int64p(5),
		QtaRichiesta: qty(30),
	})
	for _, u := range units {
		s.addUdc(u)
	}
	return s
}

func unitA() entity.UdcProdotto {
	return entity.UdcProdotto{ID: 1, IDUdc: 100, IDArticolo: 5, IDLocazione: 1, Qta: qty(20), DataIngresso: t0}
}

func unitB() entity.UdcProdotto {
	return entity.UdcProdotto{ID: 2, IDUdc: 200, IDArticolo: 5, IDLocazione: 2, Qta: qty(20), DataIngresso: t0.Add(time.Hour)}
}

func TestPrenotaListaSpansTwoUnits(t *testing.T) {
	store := pickingFixture(false, unitA(), unitB())
	p := NewPicking(store, logger.NewNop())

	res, err := p.PrenotaLista(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, res.PrenotazioniCreated)
	assert.Equal(t, 1, res.RigheProcessate)
	assert.Equal(t, 0, res.RigheNonEvadibili)
	assert.False(t, res.NonEvadibile)
	assert.Equal(t, entity.StatoPrenotata, res.Stato)
	assert.Equal(t, "PK-0001", res.NumLista)

	prenotazioni := store.reservationsOf(1)
	require.Len(t, prenotazioni, 2)
	assert.Equal(t, int64(1), prenotazioni[0].IDUdcProdotto)
	assertQty(t, 20, prenotazioni[0].QtaPrenotata)
	assert.Equal(t, int64(100), prenotazioni[0].IDUdc)
	assert.Equal(t, int64(1), prenotazioni[0].IDLocazione)
	assert.Equal(t, int64(2), prenotazioni[1].IDUdcProdotto)
	assertQty(t, 10, prenotazioni[1].QtaPrenotata)

	assertQty(t, 30, store.riga(10).QtaPrenotata)
	assertQty(t, 20, store.stock(1).QtaPrenotataOut)
	assertQty(t, 10, store.stock(2).QtaPrenotataOut)

	l := store.lista(1)
	assert.Equal(t, entity.StatoPrenotata, l.IDStatoControlloEvadibilita)
	assert.False(t, l.ListaNonEvadibile)
}

func TestPrenotaListaInsufficientStock(t *testing.T) {
	b := unitB()
	b.Qta = qty(10)
	store := pickingFixture(false, b)
	p := NewPicking(store, logger.NewNop())

	res, err := p.PrenotaLista(context.Background(), 1)
	require.NoError(t, err, "shortage is an outcome, not an error")

	assert.Equal(t, 1, res.PrenotazioniCreated)
	assert.Equal(t, 1, res.RigheNonEvadibili)
	assert.True(t, res.NonEvadibile)
	assert.Equal(t, entity.StatoParzialmentePrenotata, res.Stato)

	riga := store.riga(10)
	assertQty(t, 10, riga.QtaPrenotata)
	assert.True(t, riga.NonEvadibile)

	motivo, ok := store.inevadibili[10]
	require.True(t, ok)
	assert.Equal(t, "giacenza insufficiente: mancano 20", motivo.Messaggio)
	assertQty(t, 20, motivo.QtaMancante)

	l := store.lista(1)
	assert.Equal(t, entity.StatoParzialmentePrenotata, l.IDStatoControlloEvadibilita)
	assert.True(t, l.ListaNonEvadibile)
}

func TestPrenotaListaNoStockAtAll(t *testing.T) {
	store := pickingFixture(false)
	p := NewPicking(store, logger.NewNop())

	res, err := p.PrenotaLista(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.PrenotazioniCreated)
	assert.Equal(t, entity.StatoParzialmentePrenotata, res.Stato)
	assert.Equal(t, "giacenza insufficiente: mancano 30", store.inevadibili[10].Messaggio)
}

func TestPrenotaListaNonIncrementalIsIdempotent(t *testing.T) {
	store := pickingFixture(false, unitA(), unitB())
	p := NewPicking(store, logger.NewNop())
	ctx := context.Background()

	_, err := p.PrenotaLista(ctx, 1)
	require.NoError(t, err)

	res, err := p.PrenotaLista(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.PrenotazioniPurged)
	assert.Equal(t, 2, res.PrenotazioniCreated)

	assert.Len(t, store.reservationsOf(1), 2)
	assertQty(t, 30, store.riga(10).QtaPrenotata)
	assertQty(t, 20, store.stock(1).QtaPrenotataOut)
	assertQty(t, 10, store.stock(2).QtaPrenotataOut)
}

func TestPrenotaListaIncrementalKeepsExisting(t *testing.T) {
	store := pickingFixture(true, unitA(), unitB())
	p := NewPicking(store, logger.NewNop())
	ctx := context.Background()

	_, err := p.PrenotaLista(ctx, 1)
	require.NoError(t, err)

	res, err := p.PrenotaLista(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.PrenotazioniPurged)
	assert.Equal(t, 0, res.PrenotazioniCreated)
	assert.Equal(t, 0, res.RigheProcessate, "fully covered rows are skipped")
	assert.Len(t, store.reservationsOf(1), 2)
	assert.Equal(t, entity.StatoPrenotata, res.Stato)
}

func TestPrenotaListaIncrementalTopsUp(t *testing.T) {
	b := unitB()
	b.Qta = qty(5)
	store := pickingFixture(true, unitA(), b)
	p := NewPicking(store, logger.NewNop())
	ctx := context.Background()

	res, err := p.PrenotaLista(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatoParzialmentePrenotata, res.Stato)
	assertQty(t, 25, store.riga(10).QtaPrenotata)

	// 新库存入库后再次预留，只补缺口
	store.addUdc(entity.UdcProdotto{ID: 3, IDUdc: 300, IDArticolo: 5, IDLocazione: 3, Qta: qty(50), DataIngresso: t0})
	res, err = p.PrenotaLista(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PrenotazioniCreated)
	assert.Equal(t, entity.StatoPrenotata, res.Stato)
	assertQty(t, 30, store.riga(10).QtaPrenotata)
	assertQty(t, 5, store.stock(3).QtaPrenotataOut)

	riga := store.riga(10)
	assert.False(t, riga.NonEvadibile, "flag cleared once the row is covered")
	_, stillMarked := store.inevadibili[10]
	assert.False(t, stillMarked)
}

func TestPrenotaListaClearsFlagOnCoveredRow(t *testing.T) {
	store := pickingFixture(true)
	store.righe[10].QtaPrenotata = qty(30)
	store.righe[10].NonEvadibile = true
	store.inevadibili[10] = entity.RigaListaInevadibile{IDRigaLista: 10, IDLista: 1, Messaggio: "old"}
	p := NewPicking(store, logger.NewNop())

	res, err := p.PrenotaLista(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatoPrenotata, res.Stato)
	assert.False(t, store.riga(10).NonEvadibile)
	assert.Empty(t, store.inevadibili)
}

func TestPrenotaListaKeepsInvariants(t *testing.T) {
	store := pickingFixture(false,
		unitA(),
		entity.UdcProdotto{ID: 2, IDUdc: 200, IDArticolo: 5, IDLocazione: 2, Qta: qty(7), QtaPrenotataOut: qty(3), DataIngresso: t0},
		entity.UdcProdotto{ID: 3, IDUdc: 300, IDArticolo: 5, IDLocazione: 2, Qta: qty(9), DataIngresso: t0.Add(-time.Hour)},
	)
	store.addRiga(entity.RigaLista{ID: 11, IDLista: 1, NumRigaLista: 2, IDArticolo: int64p(5), QtaRichiesta: qty(12)})
	p := NewPicking(store, logger.NewNop())

	for i := 0; i < 3; i++ {
		_, err := p.PrenotaLista(context.Background(), 1)
		require.NoError(t, err)
	}

	for _, id := range []int64{10, 11} {
		r := store.riga(id)
		assert.True(t, r.QtaPrenotata.LessThanOrEqual(r.QtaRichiesta), "row %d over-reserved", id)
	}
	for _, id := range []int64{1, 2, 3} {
		u := store.stock(id)
		assert.True(t, u.QtaPrenotataOut.LessThanOrEqual(u.Qta), "unit %d over-committed", id)
	}

	// 20 + 4 + 9 = 33 可用，需求 42
	totale := decimal.Zero
	for _, pr := range store.reservationsOf(1) {
		totale = totale.Add(pr.QtaPrenotata)
	}
	assertQty(t, 33, totale)
	assertQty(t, 30, store.riga(10).QtaPrenotata)
	assertQty(t, 3, store.riga(11).QtaPrenotata)
}

func TestPrenotaListaNotFound(t *testing.T) {
	p := NewPicking(newMemStore(), logger.NewNop())

	_, err := p.PrenotaLista(context.Background(), 404)
	require.Error(t, err)
	assert.False(t, errorutil.IsRetryable(err))
	assert.ErrorIs(t, err, entity.ErrListNotFound)
}

func TestPrenotaListaTypeMismatch(t *testing.T) {
	store := pickingFixture(false, unitA())
	p := NewRefilling(store, logger.NewNop())

	_, err := p.PrenotaLista(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, errorutil.IsRetryable(err))
	assert.Empty(t, store.reservationsOf(1))
}

func TestPrenotaListaSkipsTerminated(t *testing.T) {
	store := pickingFixture(false, unitA())
	store.liste[1].Terminata = true
	p := NewPicking(store, logger.NewNop())

	res, err := p.PrenotaLista(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NotEmpty(t, res.SkipReason)
	assert.Empty(t, store.reservationsOf(1))
	assert.Equal(t, entity.StatoNonControllata, store.lista(1).IDStatoControlloEvadibilita)
}

func TestPrenotaListaRowWithoutStrategy(t *testing.T) {
	store := pickingFixture(false, unitA(), unitB())
	store.addRiga(entity.RigaLista{ID: 11, IDLista: 1, NumRigaLista: 2, QtaRichiesta: qty(4)})
	p := NewPicking(store, logger.NewNop())

	res, err := p.PrenotaLista(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RigheNonEvadibili)
	assert.Equal(t, entity.StatoParzialmentePrenotata, res.Stato)
	assert.Equal(t, MotivoNessunPrenotatoreRiga, store.inevadibili[11].Messaggio)
	assertQty(t, 4, store.inevadibili[11].QtaMancante)
	assertQty(t, 30, store.riga(10).QtaPrenotata)
}

func TestPrenotaListaRowErrorIsRetryable(t *testing.T) {
	store := pickingFixture(false, unitA(), unitB())
	store.addRiga(entity.RigaLista{ID: 11, IDLista: 1, NumRigaLista: 2, IDArticolo: int64p(5), QtaRichiesta: qty(2)})
	store.applyErrs[10] = errStockChanged
	p := NewPicking(store, logger.NewNop())

	res, err := p.PrenotaLista(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errorutil.IsRetryable(err))

	require.Len(t, res.Errors, 1)
	assert.Equal(t, int64(10), res.Errors[0].RigaID)
	assert.Equal(t, entity.StatoParzialmentePrenotata, store.lista(1).IDStatoControlloEvadibilita)
	// 其他行照常处理
	assertQty(t, 2, store.riga(11).QtaPrenotata)
}

func TestPrenotaListaBackendErrorIsRetryable(t *testing.T) {
	store := pickingFixture(false, unitA())
	store.getErr = assert.AnError
	p := NewPicking(store, logger.NewNop())

	_, err := p.PrenotaLista(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errorutil.IsRetryable(err))
}

func TestPrenotaListaCancelledContext(t *testing.T) {
	store := pickingFixture(false, unitA())
	p := NewPicking(store, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.PrenotaLista(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.reservationsOf(1))
}

func TestAcceptRules(t *testing.T) {
	p := NewPicking(newMemStore(), logger.NewNop())

	assert.True(t, p.Accept(entity.Lista{IDTipoLista: entity.TipoListaPicking}))
	assert.False(t, p.Accept(entity.Lista{IDTipoLista: entity.TipoListaRefilling}))
	assert.False(t, p.Accept(entity.Lista{IDTipoLista: entity.TipoListaPicking, Terminata: true}))
	assert.False(t, p.Accept(entity.Lista{IDTipoLista: entity.TipoListaPicking, RecordCancellato: true}))
}

func TestStrategyTypes(t *testing.T) {
	s := newMemStore()
	log := logger.NewNop()

	assert.Equal(t, entity.TipoListaPicking, NewPicking(s, log).Type())
	assert.Equal(t, entity.TipoListaRefilling, NewRefilling(s, log).Type())
	assert.Equal(t, entity.TipoListaInventario, NewInventario(s, log).Type())
	assert.Equal(t, "PrenotatoreRefilling", NewRefilling(s, log).Name())
}
