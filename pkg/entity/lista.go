package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// 列表类型
const (
	TipoListaPicking    = 1
	TipoListaRefilling  = 2
	TipoListaInventario = 3
)

// 列表可执行性状态（idStatoControlloEvadibilita）
const (
	StatoNonControllata        = 1
	StatoPrenotata             = 2
	StatoParzialmentePrenotata = 3
)

// Lista 工作单（拣货 / 补货 / 盘点）
type Lista struct {
	ID                          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	NumLista                    string     `gorm:"column:numLista;type:varchar(50);not null"`
	IDTipoLista                 int        `gorm:"column:idTipoLista;not null"`
	IDStatoControlloEvadibilita int        `gorm:"column:idStatoControlloEvadibilita;not null;default:1"`
	PrenotazioneIncrementale    bool       `gorm:"column:prenotazioneIncrementale;not null;default:false"`
	ListaNonEvadibile           bool       `gorm:"column:listaNonEvadibile;not null;default:false"`
	Terminata                   bool       `gorm:"column:terminata;not null;default:false"`
	RecordCancellato            bool       `gorm:"column:recordCancellato;not null;default:false"`
	DataCreazione               time.Time  `gorm:"column:dataCreazione;not null"`
	DataLancio                  *time.Time `gorm:"column:dataLancio"`
	DataPrevistaEvasione        *time.Time `gorm:"column:dataPrevistaEvasione"`
	DataModifica                *time.Time `gorm:"column:dataModifica"`
}

// TableName 指定表名
func (Lista) TableName() string {
	return "Liste"
}

// RigaLista 工作单行
type RigaLista struct {
	ID                      int64           `gorm:"column:id;primaryKey;autoIncrement"`
	IDLista                 int64           `gorm:"column:idLista;not null;index"`
	NumRigaLista            int             `gorm:"column:numRigaLista;not null"`
	Sequenza                int             `gorm:"column:sequenza"`
	IDArticolo              *int64          `gorm:"column:idArticolo"`
	QtaRichiesta            decimal.Decimal `gorm:"column:qtaRichiesta;type:decimal(18,3);not null"`
	QtaPrenotata            decimal.Decimal `gorm:"column:qtaPrenotata;type:decimal(18,3);not null"`
	QtaMovimentata          decimal.Decimal `gorm:"column:qtaMovimentata;type:decimal(18,3);not null"`
	NonEvadibile            bool            `gorm:"column:nonEvadibile;not null;default:false"`
	IDLocazioneOrigine      *int64          `gorm:"column:idLocazioneOrigine"`
	IDLocazioneDestinazione *int64          `gorm:"column:idLocazioneDestinazione"`
	Lotto                   string          `gorm:"column:lotto;type:varchar(50)"`
	Matricola               string          `gorm:"column:matricola;type:varchar(50)"`
	RecordCancellato        bool            `gorm:"column:recordCancellato;not null;default:false"`
}

// TableName 指定表名
func (RigaLista) TableName() string {
	return "RigheLista"
}

// Mancante 未预留数量（requested - reserved），不小于 0
func (r RigaLista) Mancante() decimal.Decimal {
	m := r.QtaRichiesta.Sub(r.QtaPrenotata)
	if m.IsNegative() {
		return decimal.Zero
	}
	return m
}

// RigaListaInevadibile 行不可执行原因
type RigaListaInevadibile struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement"`
	IDRigaLista int64           `gorm:"column:idRigaLista;not null;uniqueIndex"`
	IDLista     int64           `gorm:"column:idLista;not null;index"`
	Prenotabile string          `gorm:"column:prenotabile;type:varchar(2);not null"`
	Messaggio   string          `gorm:"column:messaggio;type:varchar(255)"`
	QtaMancante decimal.Decimal `gorm:"column:qtaMancante;type:decimal(18,3)"`
	Data        time.Time       `gorm:"column:data;not null"`
}

// TableName 指定表名
func (RigaListaInevadibile) TableName() string {
	return "RigheListaInevadibili"
}

// UdcProdotto 库存单元（某容器中某物料的数量）
type UdcProdotto struct {
	ID               int64           `gorm:"column:id;primaryKey;autoIncrement"`
	IDUdc            int64           `gorm:"column:idUdc;not null"`
	IDArticolo       int64           `gorm:"column:idArticolo;not null;index"`
	IDLocazione      int64           `gorm:"column:idLocazione;not null"`
	Qta              decimal.Decimal `gorm:"column:qta;type:decimal(18,3);not null"`
	QtaPrenotataOut  decimal.Decimal `gorm:"column:qtaPrenotataOut;type:decimal(18,3);not null"`
	DataIngresso     time.Time       `gorm:"column:dataIngresso;not null"`
	RecordCancellato bool            `gorm:"column:recordCancellato;not null;default:false"`
}

// TableName 指定表名
func (UdcProdotto) TableName() string {
	return "UdcProdotti"
}

// Libera 可预留数量
func (u UdcProdotto) Libera() decimal.Decimal {
	return u.Qta.Sub(u.QtaPrenotataOut)
}

// Prenotazione 预留记录
type Prenotazione struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	IDLista         int64           `gorm:"column:idLista;not null;index"`
	IDRigaLista     int64           `gorm:"column:idRigaLista;not null;index"`
	IDUdcProdotto   int64           `gorm:"column:idUdcProdotto;not null"`
	IDUdc           int64           `gorm:"column:idUdc;not null"`
	IDLocazione     int64           `gorm:"column:idLocazione;not null"`
	QtaPrenotata    decimal.Decimal `gorm:"column:qtaPrenotata;type:decimal(18,3);not null"`
	DataInserimento time.Time       `gorm:"column:dataInserimento;not null"`
}

// TableName 指定表名
func (Prenotazione) TableName() string {
	return "Prenotazioni"
}

// Articolo 物料
type Articolo struct {
	ID          int64  `gorm:"column:id;primaryKey"`
	Codice      string `gorm:"column:codice;type:varchar(50)"`
	Descrizione string `gorm:"column:descrizione;type:varchar(255)"`
}

// TableName 指定表名
func (Articolo) TableName() string {
	return "Articoli"
}

// ListaCompleta 预留处理所需的完整列表视图
type ListaCompleta struct {
	Lista        Lista
	Righe        []RigaLista
	Prenotazioni []Prenotazione
	Articoli     map[int64]Articolo
}
