package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	raven "github.com/getsentry/raven-go"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ndlib/archivegate/config"
	"github.com/ndlib/archivegate/server"
)

var (
	configFile  = flag.String("config", "/etc/archivegate/archivegate.toml", "configuration file")
	portNumber  = flag.String("port", "", "port to listen on, overriding the configuration")
	showVersion = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("archivegate", server.Version)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalln(err)
	}
	if cfg.Log.File != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
		})
	}
	if cfg.Log.SentryDSN != "" {
		raven.SetDSN(cfg.Log.SentryDSN)
		raven.SetRelease(server.Version)
	}

	var validator server.TokenDecoder
	if cfg.Server.Tokens != "" {
		validator, err = server.NewListDecoderFile(cfg.Server.Tokens)
		if err != nil {
			log.Fatalln("Reading tokens:", err)
		}
	}

	g, err := config.Build(cfg)
	if err != nil {
		log.Fatalln(err)
	}
	g.Start()

	s := &server.Server{
		PortNumber:  cfg.Server.Port,
		Manager:     g.Manager,
		Setter:      g.Setter,
		Evictor:     g.Evictor,
		Quota:       g.Memory,
		Validator:   validator,
		StopTimeout: cfg.Server.StopTimeout.Duration,
	}
	if *portNumber != "" {
		s.PortNumber = *portNumber
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = time.Minute
	}

	go signalHandler(s)
	if err := s.Run(); err != nil {
		log.Println(err)
	}
	if err := g.Close(); err != nil {
		log.Println("Close:", err)
	}
	log.Println("Exiting")
}

// signalHandler stops the server on the first SIGINT or SIGTERM. Open
// requests are given the stop timeout to finish.
func signalHandler(s *server.Server) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	log.Println("Received signal", <-sig)
	signal.Stop(sig)
	s.Stop()
}
