package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ejlog/scheduler/pkg/entity"
)

// ErrStockChanged 预留写入时库存或行数量已被其他进程修改
var ErrStockChanged = errors.New("stock changed concurrently")

// ListRepository 列表、库存与预留的数据访问
type ListRepository struct {
	db *gorm.DB
}

// NewListRepository 创建 ListRepository 实例
func NewListRepository(db *gorm.DB) *ListRepository {
	return &ListRepository{db: db}
}

// EnsureSchema 创建不可执行原因表（其余业务表由主系统维护）
func (r *ListRepository) EnsureSchema(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&entity.RigaListaInevadibile{}); err != nil {
		return fmt.Errorf("failed to migrate RigheListaInevadibili: %w", err)
	}
	return nil
}

// FetchEligibleLists 查询待预留的列表
// 条件：已下发、未完成、未删除、已到计划日期、尚未完全预留；按创建时间排序
func (r *ListRepository) FetchEligibleLists(ctx context.Context, limit int) ([]entity.Lista, error) {
	var liste []entity.Lista
	result := r.db.WithContext(ctx).
		Where("dataLancio IS NOT NULL").
		Where("terminata = ?", false).
		Where("recordCancellato = ?", false).
		Where("(dataPrevistaEvasione IS NULL OR dataPrevistaEvasione <= NOW())").
		Where("idStatoControlloEvadibilita <> ?", entity.StatoPrenotata).
		Order("dataCreazione ASC, id ASC").
		Limit(limit).
		Find(&liste)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch eligible lists: %w", result.Error)
	}
	return liste, nil
}

// GetList 根据 ID 获取列表
func (r *ListRepository) GetList(ctx context.Context, listID int64) (*entity.Lista, error) {
	var lista entity.Lista
	result := r.db.WithContext(ctx).
		Where("id = ? AND recordCancellato = ?", listID, false).
		First(&lista)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("list %d: %w", listID, entity.ErrListNotFound)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get list %d: %w", listID, result.Error)
	}
	return &lista, nil
}

// LoadList 加载列表、有效行、现有预留及物料信息
func (r *ListRepository) LoadList(ctx context.Context, listID int64) (*entity.ListaCompleta, error) {
	lista, err := r.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}

	db := r.db.WithContext(ctx)
	full := &entity.ListaCompleta{Lista: *lista, Articoli: make(map[int64]entity.Articolo)}

	if err := db.Where("idLista = ? AND recordCancellato = ?", listID, false).
		Order("numRigaLista ASC, id ASC").
		Find(&full.Righe).Error; err != nil {
		return nil, fmt.Errorf("failed to load rows of list %d: %w", listID, err)
	}

	if err := db.Where("idLista = ?", listID).
		Order("id ASC").
		Find(&full.Prenotazioni).Error; err != nil {
		return nil, fmt.Errorf("failed to load reservations of list %d: %w", listID, err)
	}

	itemIDs := make([]int64, 0, len(full.Righe))
	for _, riga := range full.Righe {
		if riga.IDArticolo != nil {
			itemIDs = append(itemIDs, *riga.IDArticolo)
		}
	}
	if len(itemIDs) > 0 {
		var articoli []entity.Articolo
		if err := db.Where("id IN ?", itemIDs).Find(&articoli).Error; err != nil {
			return nil, fmt.Errorf("failed to load items of list %d: %w", listID, err)
		}
		for _, a := range articoli {
			full.Articoli[a.ID] = a
		}
	}

	return full, nil
}

// PurgeReservations 删除列表的全部预留，归还库存并将行预留量清零（单事务）
// 返回删除的预留数
func (r *ListRepository) PurgeReservations(ctx context.Context, listID int64) (int64, error) {
	var purged int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prenotazioni []entity.Prenotazione
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("idLista = ?", listID).
			Find(&prenotazioni).Error; err != nil {
			return fmt.Errorf("select reservations: %w", err)
		}
		if len(prenotazioni) == 0 {
			return tx.Model(&entity.RigaLista{}).
				Where("idLista = ? AND qtaPrenotata <> 0", listID).
				Update("qtaPrenotata", decimal.Zero).Error
		}

		perUdc := make(map[int64]decimal.Decimal)
		order := make([]int64, 0)
		for _, p := range prenotazioni {
			if _, ok := perUdc[p.IDUdcProdotto]; !ok {
				order = append(order, p.IDUdcProdotto)
			}
			perUdc[p.IDUdcProdotto] = perUdc[p.IDUdcProdotto].Add(p.QtaPrenotata)
		}
		for _, udcID := range order {
			if err := tx.Model(&entity.UdcProdotto{}).
				Where("id = ?", udcID).
				Update("qtaPrenotataOut", gorm.Expr("GREATEST(qtaPrenotataOut - ?, 0)", perUdc[udcID])).Error; err != nil {
				return fmt.Errorf("release stock unit %d: %w", udcID, err)
			}
		}

		res := tx.Where("idLista = ?", listID).Delete(&entity.Prenotazione{})
		if res.Error != nil {
			return fmt.Errorf("delete reservations: %w", res.Error)
		}
		purged = res.RowsAffected

		if err := tx.Model(&entity.RigaLista{}).
			Where("idLista = ?", listID).
			Update("qtaPrenotata", decimal.Zero).Error; err != nil {
			return fmt.Errorf("reset reserved quantity: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge reservations of list %d: %w", listID, err)
	}
	return purged, nil
}

// StockCandidates 物料的可用库存单元，按库位、入库时间（FIFO）排序
func (r *ListRepository) StockCandidates(ctx context.Context, itemID int64) ([]entity.UdcProdotto, error) {
	var candidati []entity.UdcProdotto
	result := r.db.WithContext(ctx).
		Where("idArticolo = ?", itemID).
		Where("recordCancellato = ?", false).
		Where("qta - qtaPrenotataOut > 0").
		Order("idLocazione ASC, dataIngresso ASC, id ASC").
		Find(&candidati)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load stock for item %d: %w", itemID, result.Error)
	}
	return candidati, nil
}

// ApplyReservations 在一个事务中写入行的预留
// 任一守卫条件不满足（库存不足或行超额）时整体回滚并返回 ErrStockChanged
func (r *ListRepository) ApplyReservations(ctx context.Context, rigaID int64, prenotazioni []entity.Prenotazione) error {
	if len(prenotazioni) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		totale := decimal.Zero
		for i := range prenotazioni {
			p := &prenotazioni[i]
			res := tx.Model(&entity.UdcProdotto{}).
				Where("id = ? AND qta - qtaPrenotataOut >= ?", p.IDUdcProdotto, p.QtaPrenotata).
				Update("qtaPrenotataOut", gorm.Expr("qtaPrenotataOut + ?", p.QtaPrenotata))
			if res.Error != nil {
				return fmt.Errorf("reserve stock unit %d: %w", p.IDUdcProdotto, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("stock unit %d: %w", p.IDUdcProdotto, ErrStockChanged)
			}
			if err := tx.Create(p).Error; err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			totale = totale.Add(p.QtaPrenotata)
		}

		res := tx.Model(&entity.RigaLista{}).
			Where("id = ? AND qtaPrenotata + ? <= qtaRichiesta", rigaID, totale).
			Update("qtaPrenotata", gorm.Expr("qtaPrenotata + ?", totale))
		if res.Error != nil {
			return fmt.Errorf("update row %d: %w", rigaID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("row %d: %w", rigaID, ErrStockChanged)
		}
		return nil
	})
}

// MarkRowNotFulfillable 标记行不可执行并记录原因
func (r *ListRepository) MarkRowNotFulfillable(ctx context.Context, riga entity.RigaLista, messaggio string, mancante decimal.Decimal) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&entity.RigaLista{}).
			Where("id = ?", riga.ID).
			Update("nonEvadibile", true).Error; err != nil {
			return fmt.Errorf("flag row %d: %w", riga.ID, err)
		}

		motivo := entity.RigaListaInevadibile{
			IDRigaLista: riga.ID,
			IDLista:     riga.IDLista,
			Prenotabile: "NO",
			Messaggio:   messaggio,
			QtaMancante: mancante,
			Data:        time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idRigaLista"}},
			DoUpdates: clause.AssignmentColumns([]string{"messaggio", "qtaMancante", "data"}),
		}).Create(&motivo).Error; err != nil {
			return fmt.Errorf("record reason for row %d: %w", riga.ID, err)
		}
		return nil
	})
}

// ClearRowNotFulfillable 清除行的不可执行标记及原因
func (r *ListRepository) ClearRowNotFulfillable(ctx context.Context, rigaID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&entity.RigaLista{}).
			Where("id = ? AND nonEvadibile = ?", rigaID, true).
			Update("nonEvadibile", false).Error; err != nil {
			return fmt.Errorf("unflag row %d: %w", rigaID, err)
		}
		if err := tx.Where("idRigaLista = ?", rigaID).
			Delete(&entity.RigaListaInevadibile{}).Error; err != nil {
			return fmt.Errorf("delete reason for row %d: %w", rigaID, err)
		}
		return nil
	})
}

// UpdateListStatus 更新列表预留状态（2 = 完全预留，3 = 部分预留）
func (r *ListRepository) UpdateListStatus(ctx context.Context, listID int64, stato int, nonEvadibile bool) error {
	result := r.db.WithContext(ctx).
		Model(&entity.Lista{}).
		Where("id = ?", listID).
		Updates(map[string]interface{}{
			"idStatoControlloEvadibilita": stato,
			"listaNonEvadibile":           nonEvadibile,
			"dataModifica":                gorm.Expr("NOW()"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update list %d: %w", listID, result.Error)
	}
	return nil
}
