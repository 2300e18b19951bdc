package server

import (
	"net/http"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/api"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay"
	"github.com/ethereum/go-ethereum/common"
)

func (s *Server) handleGasTankStats(w http.ResponseWriter, _ *http.Request) {
	tank := s.inst.GasTank()
	api.WriteJSON(w, http.StatusOK, map[string]any{"custody": tank.Custody(), "stats": tank.Stats()})
}

func (s *Server) handleGasTankFund(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body amountBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.GasTank().Fund(r.Context(), from, body.Amount); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.inst.GasTank().Stats())
}

type withdrawBody struct {
	To     common.Address `json:"to"`
	Amount finance.Amount `json:"amount"`
}

func (s *Server) handleGasTankWithdraw(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body withdrawBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.GasTank().Withdraw(r.Context(), from, body.To, body.Amount); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.inst.GasTank().Stats())
}

type accountBody struct {
	Account common.Address `json:"account"`
}

func (s *Server) handleGasTankEmergencyAccount(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body accountBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.GasTank().SetEmergencyAccount(r.Context(), from, body.Account); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGasTankEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	amount, err := s.inst.GasTank().EmergencyWithdraw(r.Context(), from)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"withdrawn": amount})
}

func (s *Server) handleGasTankMaxPerCall(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body amountBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.GasTank().SetMaxPerCall(r.Context(), from, body.Amount); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.inst.GasTank().Stats())
}

func (s *Server) handleRelayDomain(w http.ResponseWriter, _ *http.Request) {
	d := s.inst.Forwarder().Domain()
	api.WriteJSON(w, http.StatusOK, map[string]any{"domain": d, "separator": d.Separator()})
}

func (s *Server) handleRelayNonce(w http.ResponseWriter, r *http.Request) {
	acct, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	n, err := s.inst.Forwarder().Nonce(r.Context(), acct)
	if err != nil {
		api.WriteFault(w, r, fault.Internal(err, "read nonce"))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"account": acct, "nonce": n})
}

type executeBody struct {
	Envelope relay.Envelope `json:"envelope"`
	GasPrice finance.Amount `json:"gas_price"`
}

// handleRelayExecute submits an envelope with the authenticated caller as the
// relayer. A rejected envelope is an error response; a forwarded call that
// failed downstream is a 200 with success=false.
func (s *Server) handleRelayExecute(w http.ResponseWriter, r *http.Request) {
	relayer, ok := caller(w, r)
	if !ok {
		return
	}
	var body executeBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	res, err := s.inst.Forwarder().Execute(r.Context(), relayer, body.GasPrice, body.Envelope)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleRelayTargets(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{"targets": s.inst.Forwarder().Targets()})
}

type targetBody struct {
	Address common.Address `json:"address"`
}

func (s *Server) handleRelayAddTarget(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body targetBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.Forwarder().AddTarget(r.Context(), from, body.Address); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelayRemoveTarget(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	if err := s.inst.Forwarder().RemoveTarget(r.Context(), from, addr); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type limitBody struct {
	Calls  int    `json:"calls"`
	Window string `json:"window"`
}

func (b limitBody) limit() (relay.Limit, error) {
	l := relay.Limit{Calls: b.Calls}
	if b.Window == "" {
		return l, nil
	}
	d, err := time.ParseDuration(b.Window)
	if err != nil || d < 0 {
		return l, fault.Newf(fault.ErrInvalidArgument, "window %q is not a duration", b.Window)
	}
	l.Window = d
	return l, nil
}

type limitView struct {
	Calls  int    `json:"calls"`
	Window string `json:"window"`
}

func viewLimit(l relay.Limit) limitView {
	return limitView{Calls: l.Calls, Window: l.Window.String()}
}

func (s *Server) handleRelayLimitFor(w http.ResponseWriter, r *http.Request) {
	acct, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, viewLimit(s.inst.Forwarder().LimitFor(acct)))
}

func (s *Server) handleRelaySetLimit(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body limitBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	l, err := body.limit()
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.Forwarder().SetRateLimit(r.Context(), from, l); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, viewLimit(l))
}

func (s *Server) handleRelaySetAccountLimit(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	acct, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	var body limitBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	l, err := body.limit()
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.Forwarder().SetAccountRateLimit(r.Context(), from, acct, l); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, viewLimit(l))
}
