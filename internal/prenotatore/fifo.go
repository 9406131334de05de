package prenotatore

import (
	"sort"

	"github.com/shopspring/decimal"

	"ejlog/scheduler/pkg/entity"
)

// Allocazione 从一个库存单元取用的数量
type Allocazione struct {
	Udc entity.UdcProdotto
	Qta decimal.Decimal
}

// AllocateFIFO 按库位升序、入库时间升序（同时间按 ID）依次取用库存，直到满足 richiesta 或库存耗尽
// 返回取用明细和剩余缺口；不修改传入的库存
func AllocateFIFO(candidati []entity.UdcProdotto, richiesta decimal.Decimal) ([]Allocazione, decimal.Decimal) {
	ordered := make([]entity.UdcProdotto, len(candidati))
	copy(ordered, candidati)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.IDLocazione != b.IDLocazione {
			return a.IDLocazione < b.IDLocazione
		}
		if !a.DataIngresso.Equal(b.DataIngresso) {
			return a.DataIngresso.Before(b.DataIngresso)
		}
		return a.ID < b.ID
	})

	rimanente := richiesta
	allocazioni := make([]Allocazione, 0)
	for _, udc := range ordered {
		if !rimanente.IsPositive() {
			break
		}
		libera := udc.Libera()
		if !libera.IsPositive() {
			continue
		}
		qta := decimal.Min(rimanente, libera)
		allocazioni = append(allocazioni, Allocazione{Udc: udc, Qta: qta})
		rimanente = rimanente.Sub(qta)
	}

	if rimanente.IsNegative() {
		rimanente = decimal.Zero
	}
	return allocazioni, rimanente
}
