// Command relayd runs the relay HTTP/WS service that clouds replicate
// their encrypted mutations against.
package main

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"vaultsync/relay"
)

func main() {
	cfg, err := relay.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("load relay config")
	}

	store, err := relay.OpenStore(cfg.DBPath)
	if err != nil {
		logrus.WithError(err).Fatal("open relay store")
	}
	defer store.Close()

	hub := relay.NewHub()
	srv := relay.NewServer(store, hub)
	router := relay.NewRouter(srv)

	logrus.WithField("listen", cfg.Listen).Info("relay listening")
	if err := http.ListenAndServe(cfg.Listen, router); err != nil {
		logrus.WithError(err).Fatal("relay server exited")
	}
}
