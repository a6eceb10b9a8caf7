package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Service) mountFulfillmentRoutes(api chi.Router) {
	api.Route("/fulfillment", func(r chi.Router) {
		r.Post("/quote", s.handleFulfillmentQuote)
		r.Post("/order", s.handleFulfillmentOrder)
	})
}

func (s *Service) handleFulfillmentQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider  string `json:"provider"`
		Service   string `json:"service"`
		Material  string `json:"material"`
		Quantity  int    `json:"quantity"`
		UserEmail string `json:"user_email"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	quote, err := s.Fulfillment.Quote(r.Context(), req.Provider, req.Service, req.Material, req.Quantity, req.UserEmail)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, quote)
}

func (s *Service) handleFulfillmentOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID      string `json:"job_id"`
		QuoteToken string `json:"quote_token"`
		UserEmail  string `json:"user_email"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	order, err := s.Fulfillment.Order(r.Context(), req.JobID, req.QuoteToken, req.UserEmail)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, order)
}
