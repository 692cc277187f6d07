package registry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quayd/quayd/configuration"
	"github.com/quayd/quayd/registry/handlers"
)

// ServeCmd serves the registry HTTP API.
var ServeCmd = &cobra.Command{
	Use:   "serve [config]",
	Short: "serve the registry api",
	Long:  "Serve the registry api over HTTP, or HTTPS when a TLS certificate and key are configured.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := resolveConfiguration(args)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		configureLogging(config)

		app, err := handlers.NewApp(*config)
		if err != nil {
			return err
		}

		handler := panicHandler(app)
		handler = JSONLoggingHandler(os.Stdout, handler)

		server := &http.Server{
			Addr:              config.HTTP.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		if config.HTTP.TLS.Certificate != "" {
			log.WithField("addr", config.HTTP.Addr).Info("listening with TLS")
			return server.ListenAndServeTLS(config.HTTP.TLS.Certificate, config.HTTP.TLS.Key)
		}
		log.WithField("addr", config.HTTP.Addr).Info("listening")
		return server.ListenAndServe()
	},
}

// configureLogging applies the configured level to the process logger.
func configureLogging(config *configuration.Configuration) {
	level, err := log.ParseLevel(string(config.Loglevel))
	if err != nil {
		log.WithError(err).Warnf("error parsing level %q, using info", config.Loglevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// panicHandler converts a handler panic into a 500 so one bad request cannot
// take the server down.
func panicHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.WithField("panic", err).Error("recovered from handler panic")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// resolveConfiguration loads the configuration file named by the argument or
// by REGISTRY_CONFIGURATION_PATH, falling back to the environment-driven
// default when neither is set.
func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string
	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("REGISTRY_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("REGISTRY_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return configuration.Default(), nil
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", configurationPath, err)
	}
	return config, nil
}
