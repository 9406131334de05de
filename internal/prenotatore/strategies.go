package prenotatore

import (
	"sort"

	"ejlog/scheduler/pkg/entity"
	"ejlog/scheduler/pkg/logger"
)

// NewPicking 拣货列表预留器，按行号遍历
func NewPicking(store Store, log logger.Logger) *Base {
	b := NewBase(entity.TipoListaPicking, "PrenotatorePicking", store, log, byNumRiga)
	b.AddRowStrategy(NewRigaArticolo(store))
	return b
}

// NewRefilling 补货列表预留器，按目标库位遍历
func NewRefilling(store Store, log logger.Logger) *Base {
	b := NewBase(entity.TipoListaRefilling, "PrenotatoreRefilling", store, log, byLocazione(func(r entity.RigaLista) *int64 {
		return r.IDLocazioneDestinazione
	}))
	b.AddRowStrategy(NewRigaArticolo(store))
	return b
}

// NewInventario 盘点列表预留器，按来源库位遍历
func NewInventario(store Store, log logger.Logger) *Base {
	b := NewBase(entity.TipoListaInventario, "PrenotatoreInventario", store, log, byLocazione(func(r entity.RigaLista) *int64 {
		return r.IDLocazioneOrigine
	}))
	b.AddRowStrategy(NewRigaArticolo(store))
	return b
}

func byNumRiga(righe []entity.RigaLista) {
	sort.SliceStable(righe, func(i, j int) bool {
		if righe[i].NumRigaLista != righe[j].NumRigaLista {
			return righe[i].NumRigaLista < righe[j].NumRigaLista
		}
		return righe[i].ID < righe[j].ID
	})
}

// byLocazione 库位升序，未指定库位的行排在最后，同库位按行号
func byLocazione(loc func(entity.RigaLista) *int64) RowOrder {
	return func(righe []entity.RigaLista) {
		sort.SliceStable(righe, func(i, j int) bool {
			a, b := loc(righe[i]), loc(righe[j])
			switch {
			case a == nil && b != nil:
				return false
			case a != nil && b == nil:
				return true
			case a != nil && b != nil && *a != *b:
				return *a < *b
			}
			if righe[i].NumRigaLista != righe[j].NumRigaLista {
				return righe[i].NumRigaLista < righe[j].NumRigaLista
			}
			return righe[i].ID < righe[j].ID
		})
	}
}
