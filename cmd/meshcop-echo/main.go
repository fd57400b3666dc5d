// meshcop-echo is a PSK-secured echo utility over the MeshCoP transport.
//
// In server mode it binds the secure UDP port, echoes every received
// payload back to the peer, and optionally advertises itself as a border
// agent over DNS-SD. In client mode it connects to a server, sends each
// stdin line over the secure session and prints the echoed reply.
//
// Usage:
//
//	meshcop-echo -psk J01NME                          # server
//	meshcop-echo -psk J01NME -connect [::1]:5684      # client
//
// Options:
//
//	-psk        pre-shared key (at most 32 bytes)
//	-passphrase commissioning passphrase; stretched into a PSK when -psk
//	            is not given
//	-port       UDP port in server mode (default: 5684)
//	-connect    server address; presence selects client mode
//	-advertise  advertise _meshcop._udp in server mode
//	-name       network name for the advertisement (default: "meshcop-echo")
//	-debug      verbose logging
package main

import (
	"bufio"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/logging"

	"github.com/threadmesh/go-thread/pkg/crypto"
	"github.com/threadmesh/go-thread/pkg/discovery"
	"github.com/threadmesh/go-thread/pkg/mac"
	"github.com/threadmesh/go-thread/pkg/meshcop"
	"github.com/threadmesh/go-thread/pkg/meshcop/handshake"
	"github.com/threadmesh/go-thread/pkg/message"
	"github.com/threadmesh/go-thread/pkg/transport"
)

func main() {
	var (
		psk        = flag.String("psk", "", "pre-shared key")
		passphrase = flag.String("passphrase", "", "commissioning passphrase, used when -psk is not given")
		port       = flag.Uint("port", uint(transport.DefaultPort), "UDP port in server mode")
		connect    = flag.String("connect", "", "server address; presence selects client mode")
		advertise  = flag.Bool("advertise", false, "advertise _meshcop._udp in server mode")
		name       = flag.String("name", "meshcop-echo", "network name for the advertisement")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	key := []byte(*psk)
	if len(key) == 0 && *passphrase != "" {
		salt := append([]byte("Thread"), *name...)
		key = crypto.PBKDF2SHA256([]byte(*passphrase), salt, crypto.PBKDF2IterationsMin, 16)
	}
	if len(key) == 0 {
		log.Fatal("one of -psk or -passphrase is required")
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	if *debug {
		loggerFactory.DefaultLogLevel = logging.LogLevelDebug
	}

	dtls, err := meshcop.NewDtls(meshcop.SecureTransportConfig{
		Engine:        handshake.NewEngine(),
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		log.Fatalf("transport setup failed: %v", err)
	}
	if err := dtls.Transport().SetPsk(key); err != nil {
		log.Fatalf("bad psk: %v", err)
	}

	if *connect != "" {
		runClient(dtls, *connect)
		return
	}
	runServer(dtls, uint16(*port), *advertise, *name, loggerFactory)
}

func runServer(dtls *meshcop.Dtls, port uint16, advertise bool, name string, loggerFactory logging.LoggerFactory) {
	pool := message.NewPool(message.PoolConfig{})

	err := dtls.Open(
		func(data []byte) {
			fmt.Printf("<- %d bytes: %q\n", len(data), data)
			msg, err := pool.NewFromBytes(data)
			if err != nil {
				log.Printf("echo alloc failed: %v", err)
				return
			}
			if err := dtls.Send(msg); err != nil {
				msg.Free()
				log.Printf("echo send failed: %v", err)
			}
		},
		func(event meshcop.ConnectEvent) {
			fmt.Printf("-- session %s\n", event)
		},
	)
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	if err := dtls.Bind(port); err != nil {
		log.Fatalf("bind failed: %v", err)
	}
	defer dtls.Close()

	fmt.Printf("listening on udp port %d\n", dtls.Transport().GetUdpPort())

	if advertise {
		adv := startAdvertiser(dtls, name, loggerFactory)
		defer adv.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
}

func startAdvertiser(dtls *meshcop.Dtls, name string, loggerFactory logging.LoggerFactory) *discovery.Advertiser {
	adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Port:          int(dtls.Transport().GetUdpPort()),
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		log.Fatalf("advertiser setup failed: %v", err)
	}

	txt := discovery.BorderAgentTXT{
		ThreadVersion: "1.4.0",
		NetworkName:   name,
		VendorName:    "ThreadMesh",
		ModelName:     "EchoAgent",
		ExtAddr:       randomExtAddr(),
		State: discovery.StateBitmap{
			ConnectionMode: discovery.ConnectionModePskc,
			ThreadIfStatus: discovery.ThreadIfStatusActive,
			Availability:   discovery.AvailabilityHigh,
		},
	}
	rand.Read(txt.AgentID[:])

	if err := adv.Start(txt); err != nil {
		log.Fatalf("advertise failed: %v", err)
	}
	fmt.Printf("advertising %q as %q\n", discovery.ServiceMeshcop, adv.InstanceName())
	return adv
}

func runClient(dtls *meshcop.Dtls, server string) {
	peer, err := netip.ParseAddrPort(server)
	if err != nil {
		log.Fatalf("bad server address %q: %v", server, err)
	}

	pool := message.NewPool(message.PoolConfig{})
	connected := make(chan meshcop.ConnectEvent, 1)

	err = dtls.Open(
		func(data []byte) {
			fmt.Printf("<- %q\n", data)
		},
		func(event meshcop.ConnectEvent) {
			select {
			case connected <- event:
			default:
			}
			if event.IsDisconnect() {
				fmt.Printf("-- session %s\n", event)
				os.Exit(0)
			}
		},
	)
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	if err := dtls.Bind(0); err != nil {
		log.Fatalf("bind failed: %v", err)
	}
	defer dtls.Close()

	if err := dtls.Connect(peer); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	if event := <-connected; event != meshcop.EventConnected {
		log.Fatalf("handshake failed: %s", event)
	}
	fmt.Printf("connected to %s, type lines to echo\n", peer)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := pool.NewFromBytes(line)
		if err != nil {
			log.Printf("alloc failed: %v", err)
			continue
		}
		if err := dtls.Send(msg); err != nil {
			msg.Free()
			log.Printf("send failed: %v", err)
		}
	}
	dtls.Disconnect()
}

func randomExtAddr() mac.ExtAddr {
	var a mac.ExtAddr
	rand.Read(a[:])
	return a
}
