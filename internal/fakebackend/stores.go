package fakebackend

import (
	"net/http"
	"strings"
)

func (s *Server) listStores(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]store, 0, len(s.stores))
	for _, st := range s.stores {
		all = append(all, *st)
	}
	writeJSON(w, http.StatusOK, paginate(all, skip, limit))
}

func (s *Server) createStore(w http.ResponseWriter, r *http.Request) {
	var in storeInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		writeFields(w, missingField("body", "name"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := store{IsActive: true}
	applyStoreInput(&st, in)
	writeJSON(w, http.StatusOK, s.addStoreLocked(st))
}

func (s *Server) getStore(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.storeLocked(pathID(r))
	if st == nil {
		writeDetail(w, http.StatusNotFound, "Store not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) updateStore(w http.ResponseWriter, r *http.Request) {
	var in storeInput
	if !decodeBody(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.storeLocked(pathID(r))
	if st == nil {
		writeDetail(w, http.StatusNotFound, "Store not found")
		return
	}
	applyStoreInput(st, in)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) addStoreLocked(st store) *store {
	st.ID = s.idLocked()
	st.CreatedAt = s.now().UTC()
	s.stores = append(s.stores, &st)
	return &st
}

func (s *Server) storeLocked(id int64) *store {
	for _, st := range s.stores {
		if st.ID == id {
			return st
		}
	}
	return nil
}

func applyStoreInput(st *store, in storeInput) {
	if in.Name != nil {
		st.Name = *in.Name
	}
	if in.Address != nil {
		st.Address = *in.Address
	}
	if in.Phone != nil {
		st.Phone = *in.Phone
	}
	if in.Email != nil {
		st.Email = *in.Email
	}
	if in.IsActive != nil {
		st.IsActive = *in.IsActive
	}
}
