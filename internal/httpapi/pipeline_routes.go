package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnfleet/kiln/domain/pipelines"
)

func (s *Service) mountPipelineRoutes(api chi.Router) {
	api.Route("/pipelines", func(r chi.Router) {
		r.Post("/quick-print", s.handleQuickPrint)
		r.Post("/calibrate", s.handleCalibrate)
		r.Post("/benchmark", s.handleBenchmark)
	})
}

func (s *Service) handleQuickPrint(w http.ResponseWriter, r *http.Request) {
	var req pipelines.QuickPrintParams
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	writePipelineResult(w, s.Pipelines.QuickPrint(r.Context(), req))
}

func (s *Service) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req pipelines.CalibrateParams
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	writePipelineResult(w, s.Pipelines.Calibrate(r.Context(), req))
}

func (s *Service) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	var req pipelines.BenchmarkParams
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	writePipelineResult(w, s.Pipelines.Benchmark(r.Context(), req))
}

// writePipelineResult reports a pipeline's per-step outcome as the
// envelope's data payload regardless of overall success — a failed
// step is not a transport error, so the envelope's own success stays
// true and the pipeline Result's own Success field carries the verdict.
func writePipelineResult(w http.ResponseWriter, result *pipelines.Result) {
	writeOK(w, result)
}
