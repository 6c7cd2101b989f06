package common

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/loadgentool/loadgen/internal/common/config"
	"github.com/loadgentool/loadgen/internal/common/health"
	"github.com/loadgentool/loadgen/internal/common/serve"
)

const EnvPrefix = "LOADGEN"

// LoadConfig populates config from, in increasing precedence: config.yaml under defaultPath, each file in
// userSpecifiedConfigs, LOADGEN_ prefixed environment variables and flags previously bound on v.
// A missing default file is not an error; config then keeps whatever defaults it already holds.
func LoadConfig(v *viper.Viper, config interface{}, defaultPath string, userSpecifiedConfigs []string) error {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.WithMessagef(err, "reading config from %s", defaultPath)
		}
	}

	for _, configFile := range userSpecifiedConfigs {
		v.SetConfigFile(configFile)
		if err := v.MergeInConfig(); err != nil {
			return errors.WithMessagef(err, "merging config file %s", configFile)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// BindCommandlineArguments binds each named flag to the config key of the same name.
func BindCommandlineArguments(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil {
			return errors.Errorf("unknown flag %s", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// ServeMetrics exposes gatherer on /metrics and checker on /health. A port of zero disables the server.
// The server stops when ctx is done.
func ServeMetrics(ctx context.Context, log *logrus.Entry, port uint16, gatherer prometheus.Gatherer, checker health.Checker) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if checker != nil {
		health.SetupHttpMux(mux, checker, log)
	}
	ServeHttp(ctx, log, port, mux)
}

// ServeHttp serves mux on port in the background until ctx is done.
func ServeHttp(ctx context.Context, log *logrus.Entry, port uint16, mux http.Handler) {
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		log.Infof("Serving http on port %d", port)
		if err := serve.ListenAndServe(ctx, server); err != nil {
			log.WithError(err).Errorf("Http server on port %d stopped", port)
		}
	}()
}
