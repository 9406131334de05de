package prenotatore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"ejlog/scheduler/pkg/entity"
)

var errStockChanged = errors.New("stock changed")

// memStore 内存版数据表，行为和 mysql.ListRepository 一致
type memStore struct {
	mu           sync.Mutex
	liste        map[int64]*entity.Lista
	righe        map[int64]*entity.RigaLista
	udc          map[int64]*entity.UdcProdotto
	prenotazioni []entity.Prenotazione
	inevadibili  map[int64]entity.RigaListaInevadibile
	nextPren     int64

	applyErr  error
	applyErrs map[int64]error // 按行注入错误
	getErr    error
}

func newMemStore() *memStore {
	return &memStore{
		liste:       make(map[int64]*entity.Lista),
		righe:       make(map[int64]*entity.RigaLista),
		udc:         make(map[int64]*entity.UdcProdotto),
		inevadibili: make(map[int64]entity.RigaListaInevadibile),
		applyErrs:   make(map[int64]error),
	}
}

func qty(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func int64p(v int64) *int64 {
	return &v
}

func (s *memStore) addLista(l entity.Lista) {
	s.liste[l.ID] = &l
}

func (s *memStore) addRiga(r entity.RigaLista) {
	s.righe[r.ID] = &r
}

func (s *memStore) addUdc(u entity.UdcProdotto) {
	s.udc[u.ID] = &u
}

func (s *memStore) riga(id int64) entity.RigaLista {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.righe[id]
}

func (s *memStore) stock(id int64) entity.UdcProdotto {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.udc[id]
}

func (s *memStore) lista(id int64) entity.Lista {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.liste[id]
}

func (s *memStore) reservationsOf(listID int64) []entity.Prenotazione {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Prenotazione, 0)
	for _, p := range s.prenotazioni {
		if p.IDLista == listID {
			out = append(out, p)
		}
	}
	return out
}

func (s *memStore) GetList(ctx context.Context, listID int64) (*entity.Lista, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	l, ok := s.liste[listID]
	if !ok {
		return nil, fmt.Errorf("list %d: %w", listID, entity.ErrListNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) PurgeReservations(ctx context.Context, listID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.prenotazioni[:0]
	var purged int64
	for _, p := range s.prenotazioni {
		if p.IDLista != listID {
			kept = append(kept, p)
			continue
		}
		u := s.udc[p.IDUdcProdotto]
		u.QtaPrenotataOut = decimal.Max(u.QtaPrenotataOut.Sub(p.QtaPrenotata), decimal.Zero)
		purged++
	}
	s.prenotazioni = kept
	for _, r := range s.righe {
		if r.IDLista == listID {
			r.QtaPrenotata = decimal.Zero
		}
	}
	return purged, nil
}

func (s *memStore) LoadList(ctx context.Context, listID int64) (*entity.ListaCompleta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.liste[listID]
	if !ok {
		return nil, entity.ErrListNotFound
	}
	full := &entity.ListaCompleta{Lista: *l, Articoli: map[int64]entity.Articolo{}}
	for _, r := range s.righe {
		if r.IDLista == listID && !r.RecordCancellato {
			full.Righe = append(full.Righe, *r)
		}
	}
	sort.Slice(full.Righe, func(i, j int) bool { return full.Righe[i].ID < full.Righe[j].ID })
	for _, p := range s.prenotazioni {
		if p.IDLista == listID {
			full.Prenotazioni = append(full.Prenotazioni, p)
		}
	}
	return full, nil
}

func (s *memStore) StockCandidates(ctx context.Context, itemID int64) ([]entity.UdcProdotto, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.UdcProdotto, 0)
	for _, u := range s.udc {
		if u.IDArticolo == itemID && !u.RecordCancellato && u.Libera().IsPositive() {
			out = append(out, *u)
		}
	}
	// 模拟数据库返回的无序结果，排序由 AllocateFIFO 负责
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) ApplyReservations(ctx context.Context, rigaID int64, prenotazioni []entity.Prenotazione) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyErr != nil {
		return s.applyErr
	}
	if err := s.applyErrs[rigaID]; err != nil {
		return err
	}

	riga := s.righe[rigaID]
	totale := decimal.Zero
	for _, p := range prenotazioni {
		u := s.udc[p.IDUdcProdotto]
		if u.Libera().LessThan(p.QtaPrenotata) {
			return errStockChanged
		}
		totale = totale.Add(p.QtaPrenotata)
	}
	if riga.QtaPrenotata.Add(totale).GreaterThan(riga.QtaRichiesta) {
		return errStockChanged
	}

	for _, p := range prenotazioni {
		u := s.udc[p.IDUdcProdotto]
		u.QtaPrenotataOut = u.QtaPrenotataOut.Add(p.QtaPrenotata)
		s.nextPren++
		p.ID = s.nextPren
		s.prenotazioni = append(s.prenotazioni, p)
	}
	riga.QtaPrenotata = riga.QtaPrenotata.Add(totale)
	return nil
}

func (s *memStore) MarkRowNotFulfillable(ctx context.Context, riga entity.RigaLista, messaggio string, mancante decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.righe[riga.ID].NonEvadibile = true
	s.inevadibili[riga.ID] = entity.RigaListaInevadibile{
		IDRigaLista: riga.ID,
		IDLista:     riga.IDLista,
		Prenotabile: "N",
		Messaggio:   messaggio,
		QtaMancante: mancante,
	}
	return nil
}

func (s *memStore) ClearRowNotFulfillable(ctx context.Context, rigaID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.righe[rigaID].NonEvadibile = false
	delete(s.inevadibili, rigaID)
	return nil
}

func (s *memStore) UpdateListStatus(ctx context.Context, listID int64, stato int, nonEvadibile bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.liste[listID]
	l.IDStatoControlloEvadibilita = stato
	l.ListaNonEvadibile = nonEvadibile
	return nil
}
