// Command chargepoint boots one Charging Station client per spec.md §1:
// read config, open the store, construct the facade, connect, and serve
// the operator/debug HTTP surface until signalled to stop.
//
// Grounded on the teacher's main.go for the boot/signal-handling shape,
// with github.com/spf13/viper replacing flag-only configuration and
// gopkg.in/natefinch/lumberjack.v2 added for rotating log output, both
// libraries the broader example pack already depends on.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"chargepoint/internal/config"
	"chargepoint/internal/facade"
	"chargepoint/internal/httpapi"
	"chargepoint/internal/simulate"
	"chargepoint/internal/store"
)

const appVersion = "1.0.0"

func main() {
	var configPath string
	var logPath string
	var showVersion bool
	var withSimulatedHardware bool

	flag.StringVar(&configPath, "config", "config.json", "configuration document path")
	flag.StringVar(&logPath, "log", "", "log file path (default: stderr only)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&withSimulatedHardware, "simulate", false, "drive a fake hardware session generator alongside the facade")
	flag.Parse()

	if showVersion {
		fmt.Println("chargepoint", appVersion)
		return
	}

	if logPath != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	appLog := log.WithField("cp", cfg.Internal.ChargePointID)

	dbPath := cfg.Internal.DBPath
	if dbPath == "" {
		dbPath = "db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		appLog.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	cp, err := facade.New(facade.Config{
		ChargePointID:                cfg.Internal.ChargePointID,
		HeartbeatIntervalS:           cfg.HeartbeatIntervalS,
		AlignedDataIntervalS:         cfg.AlignedDataIntervalS,
		SampledDataIntervalS:         cfg.SampledDataIntervalS,
		Profiles:                     cfg.ConnectivityProfiles(),
		ConnectivityOptions:          cfg.ConnectivityOptions(),
		QueueOptions:                 cfg.QueueOptions(),
		NumConnectorsPerEVSE:         cfg.EVSEConnectorCounts(),
		ChargingProfileMaxStackLevel: cfg.ChargingProfileMaxStackLevel,
	}, st)
	if err != nil {
		appLog.WithError(err).Fatal("failed to construct charge point")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cp.Start(ctx); err != nil {
		appLog.WithError(err).Fatal("failed to start charge point")
	}

	var drivers map[int]*simulate.Driver
	if withSimulatedHardware {
		drivers = make(map[int]*simulate.Driver)
		for evseID, n := range cfg.EVSEConnectorCounts() {
			if n <= 0 {
				n = 1
			}
			drivers[evseID] = simulate.New(cp.TxMachine, evseID, 1, appLog.WithField("evse_id", evseID))
		}
	}

	httpSrv := httpapi.New(cp, drivers, appLog.WithField("component", "httpapi"))
	addr := net.JoinHostPort("", strconv.Itoa(cfg.ControlPort))
	go func() {
		if err := httpSrv.Serve(ctx, addr); err != nil {
			appLog.WithError(err).Warn("control server stopped")
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	appLog.Info("shutting down")
	cancel()
	cp.Stop(5 * time.Second)
}
