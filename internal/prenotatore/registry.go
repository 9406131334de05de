package prenotatore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ejlog/scheduler/pkg/entity"
	"ejlog/scheduler/pkg/logger"
)

// ErrNoStrategy 列表类型没有注册预留器
var ErrNoStrategy = errors.New("no prenotatore registered for list type")

// Factory 预留器构造函数类型
type Factory func(store Store, log logger.Logger) Prenotatore

// FactoryMap 路由表（列表类型 → 预留器）
var FactoryMap = map[int]Factory{
	entity.TipoListaPicking:    func(s Store, l logger.Logger) Prenotatore { return NewPicking(s, l) },
	entity.TipoListaRefilling:  func(s Store, l logger.Logger) Prenotatore { return NewRefilling(s, l) },
	entity.TipoListaInventario: func(s Store, l logger.Logger) Prenotatore { return NewInventario(s, l) },
}

// Registry 列表类型到预留器的映射
type Registry struct {
	mu          sync.RWMutex
	prenotatori map[int]Prenotatore
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{prenotatori: make(map[int]Prenotatore)}
}

// NewRegistryForTypes 按配置的类型码构建注册表
func NewRegistryForTypes(types []int, store Store, log logger.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, t := range types {
		factory, ok := FactoryMap[t]
		if !ok {
			return nil, fmt.Errorf("unknown list type %d", t)
		}
		r.Register(factory(store, log))
		log.Infof(context.Background(), "[Registry] Registered prenotatore for type %d", t)
	}
	return r, nil
}

// Register 注册预留器，同类型覆盖
func (r *Registry) Register(p Prenotatore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prenotatori[p.Type()] = p
}

// Get 按类型码查找
func (r *Registry) Get(tipo int) (Prenotatore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prenotatori[tipo]
	return p, ok
}

// Find 查找处理该列表的预留器：类型已注册且 Accept 为真
func (r *Registry) Find(lista entity.Lista) (Prenotatore, bool) {
	p, ok := r.Get(lista.IDTipoLista)
	if !ok || !p.Accept(lista) {
		return nil, false
	}
	return p, true
}

// Types 已注册的类型码（升序）
func (r *Registry) Types() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]int, 0, len(r.prenotatori))
	for t := range r.prenotatori {
		types = append(types, t)
	}
	sort.Ints(types)
	return types
}

// RegistryStats 注册表统计
type RegistryStats struct {
	Count       int            `json:"count"`
	Types       []int          `json:"types"`
	Prenotatori map[int]string `json:"prenotatori"`
}

// Stats 注册表统计
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RegistryStats{
		Count:       len(r.prenotatori),
		Types:       make([]int, 0, len(r.prenotatori)),
		Prenotatori: make(map[int]string, len(r.prenotatori)),
	}
	for t, p := range r.prenotatori {
		stats.Types = append(stats.Types, t)
		stats.Prenotatori[t] = p.Name()
	}
	sort.Ints(stats.Types)
	return stats
}
