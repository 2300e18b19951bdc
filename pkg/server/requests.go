package server

import (
	"net/http"
	"strconv"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/api"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/budget"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/disbursement"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
)

type amountBody struct {
	Amount finance.Amount `json:"amount"`
}

type budgetView struct {
	Balance   budget.Balance `json:"balance"`
	Available finance.Amount `json:"available"`
	Custody   common.Address `json:"custody"`
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	l := s.inst.Ledger()
	b, err := l.Balance(r.Context())
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	avail, err := b.Available()
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, budgetView{Balance: b, Available: avail, Custody: l.Custody()})
}

func (s *Server) handleBudgetFund(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body amountBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	b, err := s.inst.Ledger().Fund(r.Context(), from, body.Amount)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, b)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body disbursement.CreateParams
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	req, err := s.inst.Requests().Create(r.Context(), from, body)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/requests/"+strconv.FormatUint(req.ID, 10))
	api.WriteJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f disbursement.Filter
	if v := q.Get("status"); v != "" {
		f.Status = disbursement.Status(v)
	}
	if v := q.Get("created_by"); v != "" {
		if !common.IsHexAddress(v) {
			api.WriteFault(w, r, fault.Newf(fault.ErrInvalidArgument, "created_by is not an address"))
			return
		}
		acct := common.HexToAddress(v)
		f.CreatedBy = &acct
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.WriteFault(w, r, fault.Newf(fault.ErrInvalidArgument, "%s must be a non-negative integer", name))
			return
		}
		*dst = n
	}
	list, err := s.inst.Requests().List(r.Context(), f)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"requests": list, "count": len(list)})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	req, err := s.inst.Requests().Get(r.Context(), id)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	st, err := s.inst.Requests().ApprovalStatus(r.Context(), id)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "status": st, "terminal": disbursement.IsTerminal(st)})
}

type approveBody struct {
	Role roles.Role `json:"role"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body approveBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	req, err := s.inst.Requests().Approve(r.Context(), from, id, body.Role)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	req, err := s.inst.Requests().Distribute(r.Context(), from, id)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body cancelBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	req, err := s.inst.Requests().Cancel(r.Context(), from, id, body.Reason)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handleEmergencyClose(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	req, closed, err := s.inst.Requests().EmergencyClose(r.Context(), from, id)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"request": req, "closed": closed})
}
