package prenotatore

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ejlog/scheduler/pkg/entity"
)

// RowStrategy 行预留器，按能力判断是否处理某一行
type RowStrategy interface {
	Name() string
	AcceptRiga(riga entity.RigaLista) bool
	PrenotaRiga(ctx context.Context, lista entity.Lista, riga entity.RigaLista, qta decimal.Decimal) (RowOutcome, error)
}

// RigaArticolo 处理引用具体物料的行
type RigaArticolo struct {
	store Store
	now   func() time.Time
}

// NewRigaArticolo 创建物料行预留器
func NewRigaArticolo(store Store) *RigaArticolo {
	return &RigaArticolo{store: store, now: time.Now}
}

// Name 预留器名称
func (r *RigaArticolo) Name() string {
	return "RigaArticolo"
}

// AcceptRiga 行引用了物料
func (r *RigaArticolo) AcceptRiga(riga entity.RigaLista) bool {
	return riga.IDArticolo != nil && *riga.IDArticolo > 0
}

// PrenotaRiga 对一行的缺口执行 FIFO 预留并写库
func (r *RigaArticolo) PrenotaRiga(ctx context.Context, lista entity.Lista, riga entity.RigaLista, qta decimal.Decimal) (RowOutcome, error) {
	candidati, err := r.store.StockCandidates(ctx, *riga.IDArticolo)
	if err != nil {
		return RowOutcome{}, err
	}

	allocazioni, mancante := AllocateFIFO(candidati, qta)

	now := r.now()
	prenotazioni := make([]entity.Prenotazione, 0, len(allocazioni))
	prenotata := decimal.Zero
	for _, a := range allocazioni {
		prenotazioni = append(prenotazioni, entity.Prenotazione{
			IDLista:         lista.ID,
			IDRigaLista:     riga.ID,
			IDUdcProdotto:   a.Udc.ID,
			IDUdc:           a.Udc.IDUdc,
			IDLocazione:     a.Udc.IDLocazione,
			QtaPrenotata:    a.Qta,
			DataInserimento: now,
		})
		prenotata = prenotata.Add(a.Qta)
	}

	if err := r.store.ApplyReservations(ctx, riga.ID, prenotazioni); err != nil {
		return RowOutcome{}, err
	}

	outcome := RowOutcome{
		Prenotazioni: len(prenotazioni),
		Prenotata:    prenotata,
		Mancante:     mancante,
	}
	if outcome.NonEvadibile() {
		outcome.Motivazione = fmt.Sprintf(motivoGiacenzaInsufficiente, mancante.String())
	}
	return outcome, nil
}
