// Package prenotatore 列表预留策略
//
// 每种列表类型（拣货、补货、盘点）对应一个预留器，按 FIFO（库位、入库时间）把库存预留给列表行。
// 预留器之间只有类型码和行遍历顺序不同，核心算法共用 Base。
package prenotatore

import (
	"context"

	"github.com/shopspring/decimal"

	"ejlog/scheduler/pkg/entity"
)

// 行不可执行原因
const (
	MotivoNessunPrenotatoreRiga = "nessun prenotatore di riga compatibile"
	motivoGiacenzaInsufficiente = "giacenza insufficiente: mancano %s"
)

// Store 预留过程中的数据访问
type Store interface {
	GetList(ctx context.Context, listID int64) (*entity.Lista, error)
	PurgeReservations(ctx context.Context, listID int64) (int64, error)
	LoadList(ctx context.Context, listID int64) (*entity.ListaCompleta, error)
	StockCandidates(ctx context.Context, itemID int64) ([]entity.UdcProdotto, error)
	ApplyReservations(ctx context.Context, rigaID int64, prenotazioni []entity.Prenotazione) error
	MarkRowNotFulfillable(ctx context.Context, riga entity.RigaLista, messaggio string, mancante decimal.Decimal) error
	ClearRowNotFulfillable(ctx context.Context, rigaID int64) error
	UpdateListStatus(ctx context.Context, listID int64, stato int, nonEvadibile bool) error
}

// Prenotatore 列表预留器
type Prenotatore interface {
	// Type 处理的列表类型码
	Type() int

	// Name 预留器名称
	Name() string

	// Accept 类型匹配之外的附加准入条件
	Accept(lista entity.Lista) bool

	// PrenotaLista 对列表执行一次完整预留
	PrenotaLista(ctx context.Context, listID int64) (*Result, error)
}

// RowError 单行处理错误
type RowError struct {
	RigaID  int64  `json:"riga_id"`
	NumRiga int    `json:"num_riga"`
	Error   string `json:"error"`
}

// Result 列表预留结果
type Result struct {
	ListID              int64      `json:"list_id"`
	NumLista            string     `json:"num_lista"`
	Tipo                int        `json:"tipo"`
	PrenotazioniCreated int        `json:"prenotazioni_created"`
	PrenotazioniPurged  int64      `json:"prenotazioni_purged"`
	RigheProcessate     int        `json:"righe_processate"`
	RigheNonEvadibili   int        `json:"righe_non_evadibili"`
	NonEvadibile        bool       `json:"non_evadibile"`
	Stato               int        `json:"stato"`
	Skipped             bool       `json:"skipped,omitempty"`
	SkipReason          string     `json:"skip_reason,omitempty"`
	Errors              []RowError `json:"errors,omitempty"`
}

// RowOutcome 单行预留结果
type RowOutcome struct {
	Prenotazioni int
	Prenotata    decimal.Decimal
	Mancante     decimal.Decimal
	Motivazione  string
}

// NonEvadibile 行是否仍有缺口
func (o RowOutcome) NonEvadibile() bool {
	return o.Mancante.IsPositive()
}
