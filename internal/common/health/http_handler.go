package health

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

type HealthCheckHttpHandler struct {
	checker Checker
	log     *logrus.Entry
}

func NewHealthCheckHttpHandler(checker Checker, log *logrus.Entry) *HealthCheckHttpHandler {
	return &HealthCheckHttpHandler{
		checker: checker,
		log:     log,
	}
}

func (h *HealthCheckHttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.log.Warnf("Health check failed: %v", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err = w.Write([]byte(err.Error())); err != nil {
		h.log.Errorf("Failed to write health check response: %v", err)
	}
}
