// Command shimserver runs the bypass shim as a standalone echo/sink server:
// it listens on one TCP address, accepts connections through the bypass
// socket path, and echoes back whatever it reads. It exists to give the
// loadtest binary and manual smoke testing something to point at without
// wiring the shim into a caller's own process.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	kbshim "github.com/vireo-systems/kbshim"
	"github.com/vireo-systems/kbshim/internal/backend/simulated"
	"github.com/vireo-systems/kbshim/internal/introspect"
	"github.com/vireo-systems/kbshim/internal/metrics"
	"github.com/vireo-systems/kbshim/internal/telemetry"
)

func main() {
	listenAddr := "127.0.0.1:9000"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}
	metricsAddr := "127.0.0.1:9001"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	maxEvents := 64
	if v := os.Getenv("MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxEvents = n
		}
	}

	var bus *telemetry.Bus
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg := telemetry.DefaultConfig()
		cfg.URL = url
		b, err := telemetry.New(cfg)
		if err != nil {
			log.Printf("telemetry disabled: %v", err)
		} else {
			bus = b
			defer bus.Close()
		}
	}

	if err := kbshim.Init(simulated.New(), nil, bus); err != nil {
		log.Fatalf("init: %v", err)
	}
	s := kbshim.Default()

	var introStore *introspect.Store
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		instance, _ := os.Hostname()
		if instance == "" {
			instance = "shimserver-1"
		}
		store, err := introspect.NewStore(addr, instance)
		if err != nil {
			log.Printf("introspection disabled: %v", err)
		} else {
			introStore = store
			defer introStore.Close()
		}
	}

	log.Printf("shimserver starting")
	log.Printf("  listen_addr:  %s", listenAddr)
	log.Printf("  metrics_addr: %s", metricsAddr)
	log.Printf("  max_events:   %d", maxEvents)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if introStore != nil {
		go introStore.RunPeriodic(ctx, 10*time.Second, func() introspect.Snapshot {
			sockets, epolls := s.Stats()
			return introspect.Snapshot{
				OpenSockets:   sockets,
				OpenEpollSets: epolls,
				TakenAt:       time.Now().Unix(),
			}
		})
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", listenAddr)
	if err != nil {
		log.Fatalf("resolve %s: %v", listenAddr, err)
	}

	listenFD, err := s.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Fatalf("socket: %v", err)
	}
	if err := s.Bind(listenFD, tcpAddr); err != nil {
		log.Fatalf("bind: %v", err)
	}
	if err := s.Listen(listenFD, 1024); err != nil {
		log.Fatalf("listen: %v", err)
	}

	epfd, err := s.EpollCreate()
	if err != nil {
		log.Fatalf("epoll_create: %v", err)
	}
	if err := s.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, uint32(unix.EPOLLIN), 1); err != nil {
		log.Fatalf("epoll_ctl(listen): %v", err)
	}

	log.Printf("shimserver: accepting on %s", listenAddr)
	runLoop(ctx, s, epfd, listenFD, maxEvents)
	log.Printf("shimserver: shutting down")
}

func runLoop(ctx context.Context, s *kbshim.Shim, epfd, listenFD kbshim.Descriptor, maxEvents int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := s.EpollWait(ctx, epfd, maxEvents, 200*time.Millisecond)
		if err != nil {
			log.Printf("epoll_wait: %v", err)
			return
		}
		for _, ev := range events {
			if ev.UserData == 1 {
				acceptAll(s, epfd, listenFD)
				continue
			}
			serviceReadable(s, kbshim.Descriptor(ev.UserData))
		}
	}
}

func acceptAll(s *kbshim.Shim, epfd, listenFD kbshim.Descriptor) {
	for {
		fd, _, err := s.Accept(listenFD)
		if err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			log.Printf("accept: %v", err)
			return
		}
		if err := s.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, uint32(unix.EPOLLIN), uint64(fd)); err != nil {
			log.Printf("epoll_ctl(accepted=%d): %v", fd, err)
		}
	}
}

func serviceReadable(s *kbshim.Shim, fd kbshim.Descriptor) {
	buf := make([]byte, 64*1024)
	n, err := s.Read(fd, buf)
	if err != nil {
		if err != unix.EWOULDBLOCK {
			_ = s.Close(context.Background(), fd)
		}
		return
	}
	if _, err := s.Write(fd, buf[:n]); err != nil {
		log.Printf("write handle %d: %v", fd, err)
	}
}
