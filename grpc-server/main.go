package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/nci/eotsv/processor"
	"github.com/nci/eotsv/raster/gdal"
	"github.com/nci/eotsv/timeseries"
	"github.com/nci/eotsv/utils"
	"github.com/nci/eotsv/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
)

func main() {
	port := flag.Int("p", 6000, "gRPC server listening port.")
	poolSize := flag.Int("n", 0, "Maximum number of requests handled concurrently, defaults to tasks.workers.")
	configFile := flag.String("conf", "", "eotsv config file")
	pprofAddr := flag.String("pprof", "", "address serving /debug/pprof, disabled when empty")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	config, err := utils.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	level := config.Logging.Level
	if *debug {
		level = "debug"
	}
	log, atom, err := utils.NewLeveledLogger(level, config.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if *configFile != "" && !*debug {
		current := new(atomic.Pointer[utils.Config])
		current.Store(config)
		stop := utils.WatchConfig(*configFile, current, log, func(c *utils.Config) {
			if lvl, err := zapcore.ParseLevel(c.Logging.Level); err == nil {
				atom.SetLevel(lvl)
			}
		})
		defer stop()
	}

	if *poolSize <= 0 {
		*poolSize = config.Tasks.Workers
	}

	gdal.InitGdal(config.GDALEnv())
	sampler := &processor.LocalSampler{
		Opener:    gdal.Opener{},
		Transform: gdal.TransformContext{},
		Dates:     timeseries.NewDateReader(),
	}
	pool := worker.CreateSamplerPool(*poolSize, sampler, log)

	s := grpc.NewServer()
	worker.RegisterSamplerServer(s, &worker.Server{Pool: pool})

	lis, err := reuseport.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatal("failed to listen", zap.Int("port", *port), zap.Error(err))
	}

	if *pprofAddr != "" {
		go func() {
			log.Info("pprof listening", zap.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Error("pprof server stopped", zap.Error(err))
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signals
		log.Info("shutting down", zap.String("signal", sig.String()))
		s.GracefulStop()
	}()

	log.Info("sampler service listening", zap.Int("port", *port), zap.Int("pool", *poolSize))
	if err := s.Serve(lis); err != nil {
		log.Error("failed to serve", zap.Error(err))
	}
	pool.Close()
}
