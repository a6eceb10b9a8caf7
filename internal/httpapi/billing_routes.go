package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Service) mountBillingRoutes(api chi.Router) {
	api.Route("/billing", func(r chi.Router) {
		r.Post("/calculate-fee", s.handleCalculateFee)
		r.Post("/charge", s.handleChargeFee)
		r.Get("/revenue", s.handleMonthlyRevenue)
	})
}

func (s *Service) handleCalculateFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserEmail string  `json:"user_email"`
		Cost      float64 `json:"cost"`
		Currency  string  `json:"currency"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	calc, err := s.Billing.CalculateFee(r.Context(), req.UserEmail, req.Cost, req.Currency)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, calc)
}

func (s *Service) handleChargeFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID     string  `json:"job_id"`
		UserEmail *string `json:"user_email"`
		Cost      float64 `json:"cost"`
		Currency  string  `json:"currency"`
		Rail      string  `json:"rail"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	email := ""
	if req.UserEmail != nil {
		email = *req.UserEmail
	}
	calc, err := s.Billing.CalculateFee(r.Context(), email, req.Cost, req.Currency)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	result, err := s.Payments.ChargeFee(r.Context(), req.JobID, calc, req.Cost, req.UserEmail, req.Rail)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, result)
}

func (s *Service) handleMonthlyRevenue(w http.ResponseWriter, r *http.Request) {
	revenue, err := s.Billing.MonthlyRevenueFor(r.Context(), time.Now())
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, revenue)
}
