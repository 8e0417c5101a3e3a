// Command fpu-exporter connects to a grid and serves its state as
// Prometheus metrics, the same shape as the teacher's cmd/exporter_example1:
// build a collector, register one watched object with it, and hand it to
// promhttp on an HTTP server.
package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ukatc/fpu-driver-sub001/asyncdriver"
	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/gateway"
	"github.com/ukatc/fpu-driver-sub001/metrics"
	"github.com/ukatc/fpu-driver-sub001/protection"
	"github.com/ukatc/fpu-driver-sub001/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	numFPUs := 5
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil {
			log.Fatalf("num_fpus: %v", err)
		}
		numFPUs = n
	}
	addr := "127.0.0.1:4700"
	if len(os.Args) > 2 {
		addr = os.Args[2]
	}
	listen := ":18080"
	if len(os.Args) > 3 {
		listen = os.Args[3]
	}

	cfg := config.Default()
	cfg.NumFPUs = numFPUs
	cfg.GatewayAddresses = []string{addr}
	cfg.Logger = log
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.Open(filepath.Join(os.TempDir(), "fpu-exporter.db"))
	if err != nil {
		log.Fatalf("store.Open: %v", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatalf("gateway.New: %v", err)
	}
	drv := protection.New(asyncdriver.New(gw), cfg, st)

	if err := drv.Connect(context.Background()); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer drv.Disconnect()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("hostname: %v", err)
	}

	collector := metrics.NewGridCollector("fpu", prometheus.Labels{
		"app":      "fpu-exporter",
		"hostname": hostname,
	})
	collector.Add(addr, drv.Grid())
	prometheus.MustRegister(collector)

	http.Handle("/metrics", promhttp.Handler())
	log.Infof("serving grid metrics for %q on %s/metrics", addr, listen)
	log.Fatal(http.ListenAndServe(listen, nil))
}
