package health

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

func SetupHttpMux(mux *http.ServeMux, checker Checker, log *logrus.Entry) {
	mux.Handle("/health", NewHealthCheckHttpHandler(checker, log))
}
