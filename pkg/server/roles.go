package server

import (
	"net/http"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/api"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
)

type commitBody struct {
	Hash common.Hash `json:"hash"`
}

type revealBody struct {
	Role    roles.Role     `json:"role"`
	Account common.Address `json:"account"`
	Secret  common.Hash    `json:"secret"`
}

type revokeBody struct {
	Role    roles.Role     `json:"role"`
	Account common.Address `json:"account"`
}

func (s *Server) handleRoleCommit(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body commitBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	c, err := s.inst.Roles().Commit(r.Context(), from, body.Hash)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) handleRoleReveal(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body revealBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.Roles().Reveal(r.Context(), from, body.Role, body.Account, body.Secret); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"role": body.Role, "account": body.Account})
}

func (s *Server) handleRoleRevoke(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var body revokeBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := s.inst.Roles().Revoke(r.Context(), from, body.Role, body.Account); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoleHolders(w http.ResponseWriter, r *http.Request) {
	role, err := roles.ParseRole(r.PathValue("role"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"role": role, "holders": s.inst.Roles().Holders(role)})
}

func (s *Server) handleAccountRoles(w http.ResponseWriter, r *http.Request) {
	acct, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	held := s.inst.Roles().RolesOf(acct)
	if held == nil {
		held = []roles.Role{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"account": acct, "roles": held})
}

func (s *Server) handlePendingCommit(w http.ResponseWriter, r *http.Request) {
	acct, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	c, found := s.inst.Roles().PendingCommit(acct)
	if !found {
		api.WriteNotFound(w, "no pending commitment")
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}
