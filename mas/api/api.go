package main

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/nci/eotsv/mas"
	"github.com/nci/eotsv/utils"
	"go.uber.org/zap"
)

var (
	dbName     = flag.String("database", "mas", "database name")
	dbUser     = flag.String("user", "api", "database user name")
	dbLimit    = flag.Int("limit", 64, "database concurrent requests")
	httpPort   = flag.Int("port", 8080, "http port")
	mcURI      = flag.String("memcache", "", "memcache uri host:port")
	mcTTL      = flag.Duration("ttl", time.Hour, "memcache entry lifetime")
	configFile = flag.String("conf", "", "eotsv config file; overrides database flags with mas.dsn")
)

func main() {
	flag.Parse()

	dsn := fmt.Sprintf("user=%s host=/var/run/postgresql dbname=%s sslmode=disable", *dbUser, *dbName)
	level, format := "info", "json"
	if *configFile != "" {
		config, err := utils.LoadConfig(*configFile)
		if err != nil {
			panic(err)
		}
		if config.MAS.DSN != "" {
			dsn = config.MAS.DSN
		}
		if *mcURI == "" {
			*mcURI = config.MAS.Memcache
		}
		level, format = config.Logging.Level, config.Logging.Format
	}

	log, err := utils.NewLogger(level, format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	store, err := mas.OpenPostgres(dsn, *dbLimit)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	var cache mas.Cache
	if *mcURI != "" {
		// lazy connection; errors returned in .Get
		cache = mas.NewMemcacheCache(*mcURI, *mcTTL)
	}

	log.Info("metadata api", zap.String("database", *dbName), zap.Int("port", *httpPort), zap.String("memcache", *mcURI))
	http.Handle("/", mas.Handler(mas.NewSourceIndex(store, cache, log)))
	log.Fatal("server stopped", zap.Error(http.ListenAndServe(fmt.Sprintf(":%d", *httpPort), nil)))
}
