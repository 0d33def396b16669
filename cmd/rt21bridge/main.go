package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/rt21bridge/internal/config"
	"github.com/banshee-data/rt21bridge/internal/devicelink"
	"github.com/banshee-data/rt21bridge/internal/monitoring"
	"github.com/banshee-data/rt21bridge/internal/server"
	"github.com/banshee-data/rt21bridge/internal/session"
	"github.com/banshee-data/rt21bridge/internal/version"
)

var (
	configFile     = flag.String("config", "", "Path to JSON config file (optional)")
	deviceHost     = flag.String("device-host", config.DefaultDeviceHost, "RT21 controller host")
	devicePort     = flag.Int("device-port", config.DefaultDevicePort, "RT21 controller TCP port")
	listenHost     = flag.String("listen-host", config.DefaultListenHost, "Client listener host (empty for all interfaces)")
	listenPort     = flag.Int("listen-port", config.DefaultListenPort, "Client listener port")
	transport      = flag.String("transport", config.TransportTCP, "Device transport: tcp or serial")
	serialPath     = flag.String("serial", "", "Serial device path, implies -transport=serial")
	baudRate       = flag.Int("baud", 9600, "Serial baud rate")
	connectTimeout = flag.Duration("connect-timeout", devicelink.DefaultConnectTimeout, "Device connect timeout")
	readTimeout    = flag.Duration("read-timeout", devicelink.DefaultReadTimeout, "Device reply timeout")
	awaitAck       = flag.Bool("await-ack", true, "Wait for the controller to acknowledge move and stop commands")
	adminListen    = flag.String("admin-listen", "", "Admin debug HTTP address, e.g. 127.0.0.1:8080 (disabled when empty)")
	printConfig    = flag.Bool("print-config", false, "Print the effective configuration as JSON and exit")
	showVersion    = flag.Bool("version", false, "Print version information and exit")
)

// applyFlags copies every explicitly set flag over the file configuration.
func applyFlags(cfg *config.Config, set map[string]bool) {
	if set["device-host"] {
		cfg.DeviceHost = deviceHost
	}
	if set["device-port"] {
		cfg.DevicePort = devicePort
	}
	if set["listen-host"] {
		cfg.ListenHost = listenHost
	}
	if set["listen-port"] {
		cfg.ListenPort = listenPort
	}
	if set["transport"] {
		cfg.Transport = transport
	}
	if set["serial"] {
		cfg.SerialPath = serialPath
		if !set["transport"] {
			t := config.TransportSerial
			cfg.Transport = &t
		}
	}
	if set["baud"] {
		if cfg.Serial == nil {
			cfg.Serial = &devicelink.PortOptions{}
		}
		cfg.Serial.BaudRate = *baudRate
	}
	if set["connect-timeout"] {
		s := connectTimeout.String()
		cfg.ConnectTimeout = &s
	}
	if set["read-timeout"] {
		s := readTimeout.String()
		cfg.ReadTimeout = &s
	}
	if set["await-ack"] {
		cfg.AwaitAck = awaitAck
	}
	if set["admin-listen"] {
		cfg.AdminListen = adminListen
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Empty()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyFlags(cfg, set)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// probe checks the controller once at startup. Failure is reported but not
// fatal: the link reconnects on the first client command.
func probe(ctx context.Context, link *devicelink.Link, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, cfg.GetConnectTimeout()+cfg.GetReadTimeout())
	defer cancel()

	reply, err := link.Probe(ctx, cfg.GetReadTimeout())
	if err != nil {
		monitoring.Event("ERROR", "RT21", "startup probe of %s failed, will retry on first command: %v", link.Address(), err)
		return
	}
	monitoring.Event("CONNECTION", "RT21", "controller at %s reachable, azimuth %03d", link.Address(), reply.Azimuth)
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if *printConfig {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			log.Fatalf("failed to encode configuration: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	link := devicelink.New(cfg.LinkConfig())
	defer link.Close()

	probe(ctx, link, cfg)

	handler := session.NewHandler(link, cfg.GetReadTimeout())
	srv, err := server.New(server.Config{
		Address: cfg.ListenAddress(),
		Handler: handler,
	})
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
	log.Printf("%s listening on %s, controller %s (%s)", version.String(), srv.Addr(), link.Address(), cfg.GetTransport())

	var wg sync.WaitGroup

	// Admin HTTP server goroutine
	if addr := cfg.GetAdminListen(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := http.NewServeMux()
			link.AttachAdminRoutes(mux, handler.Exec)

			adminServer := &http.Server{
				Addr:    addr,
				Handler: mux,
			}

			go func() {
				if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("admin server failed: %v", err)
				}
			}()

			<-ctx.Done()
			log.Println("shutting down admin server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			if err := adminServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("admin server shutdown error: %v", err)
				if err := adminServer.Close(); err != nil {
					log.Printf("admin server force close error: %v", err)
				}
			}
			log.Printf("admin server routine stopped")
		}()
	}

	listenerFailed := false
	select {
	case <-ctx.Done():
	case err := <-srv.Err():
		log.Printf("listener failed: %v", err)
		listenerFailed = true
		stop()
	}

	if err := srv.Stop(); err != nil {
		log.Printf("server stop error: %v", err)
	}

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")

	if listenerFailed {
		link.Close()
		os.Exit(1)
	}
}
