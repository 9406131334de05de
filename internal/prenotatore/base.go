package prenotatore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"ejlog/scheduler/internal/framework"
	"ejlog/scheduler/pkg/entity"
	"ejlog/scheduler/pkg/errorutil"
	"ejlog/scheduler/pkg/logger"
	"ejlog/scheduler/pkg/tracing"
)

// RowOrder 行遍历顺序（原地排序）
type RowOrder func(righe []entity.RigaLista)

// Base 预留器公共实现
type Base struct {
	tipo          int
	name          string
	store         Store
	logger        logger.Logger
	rowStrategies []RowStrategy
	order         RowOrder
}

// NewBase 创建预留器
func NewBase(tipo int, name string, store Store, log logger.Logger, order RowOrder) *Base {
	return &Base{
		tipo:   tipo,
		name:   name,
		store:  store,
		logger: log,
		order:  order,
	}
}

// AddRowStrategy 追加行预留器，按追加顺序匹配
func (b *Base) AddRowStrategy(rs RowStrategy) {
	b.rowStrategies = append(b.rowStrategies, rs)
}

// Type 处理的列表类型码
func (b *Base) Type() int {
	return b.tipo
}

// Name 预留器名称
func (b *Base) Name() string {
	return b.name
}

// Accept 类型匹配且列表未完成、未删除
func (b *Base) Accept(lista entity.Lista) bool {
	return lista.IDTipoLista == b.tipo && !lista.Terminata && !lista.RecordCancellato
}

func (b *Base) rowStrategy(riga entity.RigaLista) RowStrategy {
	for _, rs := range b.rowStrategies {
		if rs.AcceptRiga(riga) {
			return rs
		}
	}
	return nil
}

// listRun 一次 PrenotaLista 调用的状态
type listRun struct {
	b      *Base
	listID int64
	lista  *entity.Lista
	full   *entity.ListaCompleta
	result *Result
	done   bool
}

// PrenotaLista 执行一次完整预留：
// 读取列表头 → 非增量时清除旧预留 → 加载完整列表 → 逐行 FIFO 预留 → 更新列表状态
func (b *Base) PrenotaLista(ctx context.Context, listID int64) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "prenota_lista", map[string]string{
		"list_id":     strconv.FormatInt(listID, 10),
		"prenotatore": b.name,
	})

	run := &listRun{b: b, listID: listID, result: &Result{ListID: listID, Tipo: b.tipo}}
	chain := framework.NewPreProcessor(
		framework.Step{Name: "header", Fn: run.header},
		framework.Step{Name: "purge", Fn: run.purge},
		framework.Step{Name: "load", Fn: run.load},
		framework.Step{Name: "allocate", Fn: run.allocate},
		framework.Step{Name: "status", Fn: run.status},
	)

	err := chain.Run(ctx)
	if err == nil && len(run.result.Errors) > 0 {
		first := run.result.Errors[0]
		err = errorutil.RetriableWithDetails(
			fmt.Sprintf("%d rows failed on list %d", len(run.result.Errors), listID),
			fmt.Sprintf("riga %d: %s", first.RigaID, first.Error),
		)
	}
	span.End(err)

	if err != nil {
		return run.result, err
	}
	return run.result, nil
}

func (r *listRun) header(ctx context.Context) error {
	lista, err := r.b.store.GetList(ctx, r.listID)
	if errors.Is(err, entity.ErrListNotFound) {
		return errorutil.NonRetriableCause("list not found", err)
	}
	if err != nil {
		return err
	}
	if lista.IDTipoLista != r.b.tipo {
		return errorutil.NonRetriable(fmt.Sprintf("list %d has type %d, %s handles %d",
			lista.ID, lista.IDTipoLista, r.b.name, r.b.tipo))
	}

	r.lista = lista
	r.result.NumLista = lista.NumLista
	if !r.b.Accept(*lista) {
		r.result.Skipped = true
		r.result.SkipReason = "list terminated or deleted"
		r.done = true
	}
	return nil
}

func (r *listRun) purge(ctx context.Context) error {
	if r.done || r.lista.PrenotazioneIncrementale {
		return nil
	}
	purged, err := r.b.store.PurgeReservations(ctx, r.listID)
	if err != nil {
		return err
	}
	r.result.PrenotazioniPurged = purged
	if purged > 0 {
		r.b.logger.Infof(ctx, "[%s] Purged %d reservations of non-incremental list %s",
			r.b.name, purged, r.lista.NumLista)
	}
	return nil
}

func (r *listRun) load(ctx context.Context) error {
	if r.done {
		return nil
	}
	full, err := r.b.store.LoadList(ctx, r.listID)
	if err != nil {
		return err
	}
	if r.b.order != nil {
		r.b.order(full.Righe)
	}
	r.full = full
	return nil
}

func (r *listRun) allocate(ctx context.Context) error {
	if r.done {
		return nil
	}

	for _, riga := range r.full.Righe {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.allocateRow(ctx, riga); err != nil {
			r.b.logger.Warnf(ctx, "[%s] Row %d of list %s failed: %v", r.b.name, riga.NumRigaLista, r.lista.NumLista, err)
			r.result.Errors = append(r.result.Errors, RowError{
				RigaID:  riga.ID,
				NumRiga: riga.NumRigaLista,
				Error:   err.Error(),
			})
			r.result.NonEvadibile = true
		}
	}
	return nil
}

func (r *listRun) allocateRow(ctx context.Context, riga entity.RigaLista) error {
	mancante := riga.Mancante()
	if !mancante.IsPositive() {
		if riga.NonEvadibile {
			return r.b.store.ClearRowNotFulfillable(ctx, riga.ID)
		}
		return nil
	}

	rs := r.b.rowStrategy(riga)
	if rs == nil {
		r.markNonEvadibile()
		return r.b.store.MarkRowNotFulfillable(ctx, riga, MotivoNessunPrenotatoreRiga, mancante)
	}

	ctx, span := tracing.StartSpan(ctx, "prenota_riga", map[string]string{
		"riga_id":  strconv.FormatInt(riga.ID, 10),
		"strategy": rs.Name(),
		"mancante": mancante.String(),
	})
	outcome, err := rs.PrenotaRiga(ctx, *r.lista, riga, mancante)
	span.End(err)
	if err != nil {
		return err
	}

	r.result.RigheProcessate++
	r.result.PrenotazioniCreated += outcome.Prenotazioni

	if outcome.NonEvadibile() {
		r.markNonEvadibile()
		r.b.logger.Infof(ctx, "[%s] Row %d of list %s: %s", r.b.name, riga.NumRigaLista, r.lista.NumLista, outcome.Motivazione)
		return r.b.store.MarkRowNotFulfillable(ctx, riga, outcome.Motivazione, outcome.Mancante)
	}
	if riga.NonEvadibile {
		return r.b.store.ClearRowNotFulfillable(ctx, riga.ID)
	}
	return nil
}

func (r *listRun) markNonEvadibile() {
	r.result.RigheNonEvadibili++
	r.result.NonEvadibile = true
}

func (r *listRun) status(ctx context.Context) error {
	if r.done {
		return nil
	}

	stato := entity.StatoPrenotata
	if r.result.NonEvadibile {
		stato = entity.StatoParzialmentePrenotata
	}
	if err := r.b.store.UpdateListStatus(ctx, r.listID, stato, r.result.NonEvadibile); err != nil {
		return err
	}
	r.result.Stato = stato

	r.b.logger.Infof(ctx, "[%s] List %s done: %d reservations, %d rows, %d not fulfillable, status %d",
		r.b.name, r.lista.NumLista, r.result.PrenotazioniCreated, r.result.RigheProcessate,
		r.result.RigheNonEvadibili, stato)
	return nil
}
