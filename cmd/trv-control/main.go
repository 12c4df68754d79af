// Command trv-control drives a thermostatic radiator valve motor from
// temperature and setpoint inputs received over MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/Denzo77/trv-control/internal/config"
	"github.com/Denzo77/trv-control/internal/control"
	"github.com/Denzo77/trv-control/internal/hbridge"
	"github.com/Denzo77/trv-control/internal/motor"
	"github.com/Denzo77/trv-control/internal/mqtt"
	"github.com/Denzo77/trv-control/internal/status"
	"github.com/Denzo77/trv-control/internal/valve"
	"github.com/Denzo77/trv-control/internal/web"
)

// simTravelTicks is the fake valve's end-to-end travel in -simulate runs.
const simTravelTicks = 400

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "YAML config file")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	tick := flag.Duration("tick", 0, "control tick interval (overrides config)")
	poll := flag.Duration("poll", 0, "motor poll interval (overrides config)")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "heartbeat interval (0 to disable)")
	simulate := flag.Bool("simulate", false, "run against a simulated valve and room")
	printConfig := flag.Bool("print-config", false, "print the resolved config and exit")

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if *broker != "" {
		cfg.Broker = *broker
	}
	if *httpAddr == "off" {
		cfg.HTTPAddr = ""
	} else if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *tick > 0 {
		cfg.TickSeconds = int(tick.Seconds())
	}
	if *poll > 0 {
		cfg.PollSeconds = int(poll.Seconds())
	}
	if err := cfg.Check(); err != nil {
		log.Fatalf("fatal: %v", err)
	}

	if *printConfig {
		out, _ := yaml.Marshal(cfg)
		fmt.Print(string(out))
		return
	}

	if err := run(cfg, *heartbeat, *simulate); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// loadConfig reads the config file, tolerating a missing file only at the
// default path.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == config.DefaultConfigPath {
			return config.Default(), nil
		}
		return config.Config{}, err
	}
	return cfg, nil
}

func run(cfg config.Config, heartbeat time.Duration, simulate bool) error {
	subTick := time.Duration(cfg.SubCycleTickMs) * time.Millisecond
	pollPeriod := time.Duration(cfg.PollSeconds) * time.Second
	pollTicks := int(pollPeriod / subTick)

	// The sub-cycle clock measures elapsed time within the current motor
	// poll so long travels can yield before the next poll is due.
	var cycleStart time.Time
	subCycleTime := func() int {
		if cycleStart.IsZero() {
			return 0
		}
		return int(time.Since(cycleStart) / subTick)
	}
	markPollStart := func() { cycleStart = time.Now() }

	// Initialize motor hardware
	var hw motor.Hardware
	var room *simulatedRoom
	if simulate {
		hw = motor.NewFakeHardware(simTravelTicks)
		room = newSimulatedRoom()
		log.Printf("running in simulation mode")
	} else {
		bridge, err := hbridge.New(cfg.Pins.Open, cfg.Pins.Close, cfg.Pins.Sense, subTick)
		if err != nil {
			return fmt.Errorf("init h-bridge: %w", err)
		}
		defer bridge.Close()
		hw = bridge
	}

	// Initialize MQTT
	publisher, err := mqtt.NewRealPublisher(cfg.Broker, cfg.ClientID)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	commands := mqtt.NewCommands(nil)
	if err := publisher.SubscribeCommands(commands); err != nil {
		log.Printf("command subscribe error: %v", err)
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		TickSeconds: cfg.TickSeconds,
		PollSeconds: cfg.PollSeconds,
		Broker:      cfg.Broker,
		HTTPAddr:    cfg.HTTPAddr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	d := &daemon{
		cfg:        cfg,
		ctrl:       control.New(cfg.Control.ControlParams()),
		commands:   commands,
		publisher:  publisher,
		mqttStatus: publisher,
		tracker:    tracker,
		room:       room,
		heartbeat:  heartbeat,
	}
	d.driver = motor.New(hw, motor.Params{
		SubCycleTime:       subCycleTime,
		SctAbsLimit:        motor.ComputeSctAbsLimit(pollTicks),
		MinMotorDRTicks:    motor.ComputeMinMotorDRTicks(cfg.SubCycleTickMs),
		DecalcinationTicks: cfg.Motor.DecalcinationPolls,
		Warn: func(msg string) {
			log.Printf("motor: %s", msg)
			if strings.Contains(msg, "tracking") {
				d.counts.TrackingErrors++
			}
		},
	})
	// The daemon only runs on installed hardware; treat the valve as
	// fitted so calibration can start once the pin is withdrawn.
	d.driver.SignalValveFitted()
	d.valvePC = d.driver.Get()
	d.markPollStart = markPollStart

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTPAddr)
	}

	log.Printf("started: tick=%ds poll=%ds broker=%s heartbeat=%v", cfg.TickSeconds, cfg.PollSeconds, cfg.Broker, heartbeat)

	controlTicker := time.NewTicker(time.Duration(cfg.TickSeconds) * time.Second)
	defer controlTicker.Stop()
	pollTicker := time.NewTicker(pollPeriod)
	defer pollTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(d, time.Now, controlTicker.C, pollTicker.C, sigCh)
}

// daemon bundles the long-lived pieces so runLoop can be exercised in
// tests with fakes and hand-driven channels.
type daemon struct {
	cfg        config.Config
	ctrl       *control.State
	driver     *motor.Driver
	commands   *mqtt.Commands
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	room       *simulatedRoom

	markPollStart func()
	heartbeat     time.Duration

	valvePC       int
	counts        status.EventCounts
	lastHeartbeat time.Time
}

func runLoop(d *daemon, now func() time.Time, controlTick, pollTick <-chan time.Time, sig <-chan os.Signal) error {
	d.lastHeartbeat = now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if d.tracker != nil {
				if d.mqttStatus != nil {
					d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
				}
				snap := d.tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := d.publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-pollTick:
			if d.markPollStart != nil {
				d.markPollStart()
			}
			d.driver.Poll()

		case t := <-controlTick:
			d.controlStep(t)

			if d.heartbeat > 0 && t.Sub(d.lastHeartbeat) >= d.heartbeat {
				d.lastHeartbeat = t
				d.publishHeartbeat(t)
			}
		}
	}
}

// controlStep runs one pass of the temperature control algorithm and
// publishes any resulting events.
func (d *daemon) controlStep(t time.Time) {
	tempC16, haveTemp := d.commands.TemperatureC16()
	if d.room != nil {
		tempC16, haveTemp = d.room.Step(d.valvePC), true
	}
	if !haveTemp {
		// Without a fresh reading the algorithm cannot run. Park the
		// valve moderately open so the room cannot freeze.
		log.Printf("no fresh temperature, parking valve at %d%%", valve.SaferOpenPC)
		d.driver.Set(valve.SaferOpenPC)
		d.valvePC = d.driver.Get()
		d.updateTracker()
		return
	}

	in := control.NewInputs(tempC16)
	if target, ok := d.commands.TargetC(); ok {
		in.TargetTempC = target
	} else {
		in.TargetTempC = d.cfg.TargetTempC
	}
	in.MinPCReallyOpen = d.driver.MinPercentOpen()
	if d.cfg.Control.MaxPCOpen > 0 {
		in.MaxPCOpen = d.cfg.Control.MaxPCOpen
	}
	in.HasEcoBias = d.cfg.Control.EcoBias
	in.WidenDeadband = d.cfg.Control.WidenDeadband
	in.InBakeMode = d.commands.BakeActive()
	in.SetReferenceTemperatures(tempC16)

	event := d.ctrl.Tick(&d.valvePC, in, d.driver)

	switch event {
	case control.EventOpenFast:
		d.counts.OpenFast++
	case control.EventDraught:
		d.counts.Draught++
	}
	moved := d.ctrl.ValveMoved()
	if moved {
		d.counts.Moves++
	}

	if event != control.EventNone || moved {
		typ := event.String()
		if event == control.EventNone {
			typ = "MOVED"
		}
		log.Printf("event: %s (valve=%d%% target=%d%%)", typ, d.valvePC, d.driver.TargetPC())
		ve := mqtt.ValveEvent{
			Timestamp:      t,
			Type:           typ,
			TargetPC:       d.driver.TargetPC(),
			ValvePC:        d.valvePC,
			CallingForHeat: valve.IsCallingForHeat(d.valvePC),
			DriverState:    d.driver.State().String(),
		}
		if err := d.publisher.Publish(ve); err != nil {
			log.Printf("publish error: %v", err)
			// Don't crash on publish failure
		}
	}

	d.updateTracker()
}

func (d *daemon) updateTracker() {
	if d.tracker == nil {
		return
	}
	tempC16, haveTemp := d.commands.TemperatureC16()
	if d.room != nil {
		tempC16, haveTemp = d.room.TemperatureC16(), true
	}
	target, ok := d.commands.TargetC()
	if !ok {
		target = d.cfg.TargetTempC
	}
	d.tracker.Update(status.Update{
		TargetTempC:          target,
		TemperatureC16:       tempC16,
		HaveTemperature:      haveTemp,
		TargetPC:             d.driver.TargetPC(),
		ValvePC:              d.valvePC,
		CallingForHeat:       valve.IsCallingForHeat(d.valvePC),
		DriverState:          d.driver.State().String(),
		Filtering:            d.ctrl.IsFiltering(),
		BakeActive:           d.commands.BakeActive(),
		CumulativeMovementPC: d.ctrl.CumulativeMovementPC(),
		Counts:               d.counts,
	})
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

func (d *daemon) publishHeartbeat(t time.Time) {
	log.Printf("heartbeat: valve=%d%% target=%d%% moves=%d", d.valvePC, d.driver.TargetPC(), d.counts.Moves)

	hbEvent := mqtt.SystemEvent{
		Timestamp: t,
		Event:     "HEARTBEAT",
	}
	if d.tracker != nil {
		// Refresh network info for heartbeat
		if net := readNetworkInfo(); net != nil {
			d.tracker.SetNetwork(net)
		}
		d.updateTracker()
		snap := d.tracker.Snapshot()
		hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
	}
	if err := d.publisher.PublishSystem(hbEvent); err != nil {
		log.Printf("heartbeat publish error: %v", err)
	}
}

// simulatedRoom is a crude first-order room model for -simulate runs.
// Heat input scales with valve opening, losses with the difference to
// outside.
type simulatedRoom struct {
	tempC16    int
	outsideC16 int
}

func newSimulatedRoom() *simulatedRoom {
	return &simulatedRoom{
		tempC16:    16 * 16,
		outsideC16: 8 * 16,
	}
}

// Step advances the model by one control tick and returns the new
// temperature in 1/16C.
func (r *simulatedRoom) Step(valvePC int) int {
	heat := valvePC * 8 / 100
	loss := (r.tempC16 - r.outsideC16) / 64
	r.tempC16 += heat - loss
	return r.tempC16
}

func (r *simulatedRoom) TemperatureC16() int { return r.tempC16 }

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
