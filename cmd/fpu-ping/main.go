// Command fpu-ping connects to a grid, pings every FPU, waits for the
// replies, and prints a one-line-per-FPU state summary. It is the ambient
// smoke-test CLI a driver like this always carries (teacher's cmd/get does
// the same job for one HTTP GET: dial, wait, report).
package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ukatc/fpu-driver-sub001/asyncdriver"
	"github.com/ukatc/fpu-driver-sub001/config"
	"github.com/ukatc/fpu-driver-sub001/fpustate"
	"github.com/ukatc/fpu-driver-sub001/gateway"
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

	cfg := config.Default()
	cfg.NumFPUs = numFPUs
	cfg.GatewayAddresses = []string{addr}
	cfg.Logger = log
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.Open(filepath.Join(os.TempDir(), "fpu-ping.db"))
	if err != nil {
		log.Fatalf("store.Open: %v", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatalf("gateway.New: %v", err)
	}
	drv := protection.New(asyncdriver.New(gw), cfg, st)

	ctx := context.Background()
	if err := drv.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer drv.Disconnect()

	ids := make([]int, numFPUs)
	for i := range ids {
		ids[i] = i
	}
	if err := drv.Ping(ids); err != nil {
		log.Fatalf("ping: %v", err)
	}
	drv.WaitForState(fpustate.MaskAnyChange, cfg.SocketTimeOutSeconds)

	snap := drv.GetGridState()
	for i, f := range snap.FPUs {
		log.Infof("fpu %d: state=%s alpha_steps=%d beta_steps=%d", i, f.State, f.AlphaSteps, f.BetaSteps)
	}
	log.Infof("summary: %s, %d pending, %d timeouts", snap.Summary(), snap.CountPending, snap.CountTimeout)
}
