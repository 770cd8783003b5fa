package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"cloudpico-node/internal/ble"
	"cloudpico-node/internal/config"
	"cloudpico-node/internal/gatt"
	"cloudpico-node/internal/httpapi"
	"cloudpico-node/internal/mqtt"
	"cloudpico-node/internal/sampler"
	"cloudpico-node/internal/session"
	"cloudpico-node/internal/uplink"
)

// ErrRuntimeFault means the radio runtime stopped while the node was still
// meant to be running. It is the only error that ends Run early.
var ErrRuntimeFault = errors.New("radio runtime fault")

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("initializing node",
		"ble_adapter", cfg.BLEAdapter,
		"device_name", cfg.DeviceName,
		"sample_interval", cfg.SampleInterval,
		"sensor_driver", cfg.SensorDriver,
		"mqtt_broker", cfg.MQTTBroker,
		"diag_http_addr", cfg.DiagHTTPAddr,
	)

	hw, err := openSensors(cfg)
	if err != nil {
		return fmt.Errorf("sensors: %w", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			slog.Error("sensor close", "error", err)
		}
	}()

	stack := ble.NewPeripheral(ble.Options{
		Adapter:  cfg.BLEAdapter,
		Interval: cfg.AdvertisingInterval,
		Logger:   slog.Default(),
	})

	var up *uplink.Publisher
	if cfg.UplinkEnabled() {
		client, err := mqtt.NewClient(cfg, slog.Default())
		if err != nil {
			return err
		}
		up = uplink.NewPublisher(client, uplink.DefaultCapacity, slog.Default())
	}

	return run(ctx, cfg, stack, hw, up)
}

// run wires the node around an already constructed stack and hardware.
func run(ctx context.Context, cfg config.Config, stack session.Stack, hw *sensors, up *uplink.Publisher) error {
	sess := session.NewSession(gatt.NewRegistry(), stack, slog.Default())

	sampOpts := sampler.Options{
		Interval:  cfg.SampleInterval,
		BootDelay: cfg.SensorBootDelay,
		Secondary: hw.secondary,
		Gauge:     hw.gauge,
		Indicator: hw.indicator,
		Logger:    slog.Default(),
	}
	srvOpts := session.ServerOptions{
		Advertisement: session.Advertisement{
			ShortName: cfg.DeviceShortName,
			FullName:  cfg.DeviceName,
			Services:  gatt.Services(),
		},
		Logger: slog.Default(),
	}
	if up != nil {
		sampOpts.Observer = up
		srvOpts.Observer = up
	}
	samp := sampler.New(hw.primary, sess, sampOpts)
	srv := session.NewServer(stack, sess, samp, srvOpts)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := stack.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("returned before shutdown")
		}
		slog.Error("radio runtime stopped", "error", err)
		return fmt.Errorf("%w: %w", ErrRuntimeFault, err)
	})

	g.Go(func() error {
		if err := srv.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	if up != nil {
		g.Go(func() error {
			if err := up.Run(gctx); err != nil {
				slog.Warn("uplink stopped; node continues without it", "error", err)
			}
			return nil
		})
	}

	if cfg.DiagHTTPAddr != "" {
		diag := httpapi.NewServer(cfg.DiagHTTPAddr, httpapi.NewMux(httpapi.Deps{
			Server:  srv,
			Session: sess,
			Stats:   samp,
			Logger:  slog.Default(),
		}))
		g.Go(func() error {
			slog.Info("http listening", "addr", cfg.DiagHTTPAddr)
			if err := diag.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("diagnostics server failed; node continues without it", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			slog.Info("http shutting down")
			if err := diag.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http shutdown", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("node stopped")
	return ctx.Err()
}
