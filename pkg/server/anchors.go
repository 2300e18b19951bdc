package server

import (
	"net/http"
	"strconv"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/anchor"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/api"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
)

const maxEventsPage = 500

func (s *Server) handleAnchorList(w http.ResponseWriter, _ *http.Request) {
	list := s.inst.Anchors().List()
	if list == nil {
		list = []anchor.Batch{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"batches": list, "count": len(list)})
}

func (s *Server) handleAnchorLatest(w http.ResponseWriter, _ *http.Request) {
	b, ok := s.inst.Anchors().Latest()
	if !ok {
		api.WriteNotFound(w, "no batch anchored yet")
		return
	}
	api.WriteJSON(w, http.StatusOK, b)
}

func (s *Server) handleAnchorGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	b, err := s.inst.Anchors().Get(id)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	resp := map[string]any{"batch": b}
	if batcher := s.inst.Batcher(); batcher != nil {
		if m, err := batcher.Manifest(id); err == nil {
			resp["manifest"] = m
		}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnchorProof(w http.ResponseWriter, r *http.Request) {
	batcher := s.inst.Batcher()
	if batcher == nil {
		api.WriteFault(w, r, fault.Newf(fault.ErrNotFound, "anchoring is not enabled"))
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	seq, ok := pathUint(w, r, "seq")
	if !ok {
		return
	}
	proof, err := batcher.Prove(r.Context(), id, seq)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, proof)
}

// handleAnchorRun cuts a batch now instead of waiting for the interval.
func (s *Server) handleAnchorRun(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.inst.Roles().Require(from, roles.Auditor, roles.Admin); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	batcher := s.inst.Batcher()
	if batcher == nil {
		api.WriteFault(w, r, fault.Newf(fault.ErrNotFound, "anchoring is not enabled"))
		return
	}
	m, err := batcher.Run(r.Context())
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	api.WriteJSON(w, http.StatusCreated, m)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.QueryFilter{Kind: q.Get("kind"), Subject: q.Get("subject"), MaxResults: maxEventsPage}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			api.WriteFault(w, r, fault.Newf(fault.ErrInvalidArgument, "limit must be a positive integer"))
			return
		}
		f.MaxResults = min(n, maxEventsPage)
	}
	entries := s.inst.Journal().Query(f)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"count":      len(entries),
		"chain_head": s.inst.Journal().ChainHead(),
	})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body audit.ExportRequest
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	ev, err := s.inst.ExportEvidence(r.Context(), from, body)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, ev)
}
