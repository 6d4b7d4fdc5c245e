package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	extr "github.com/nci/eotsv/crawl/extractor"
	"github.com/nci/eotsv/geo"
	"github.com/nci/eotsv/raster"
	"github.com/nci/eotsv/raster/gdal"
	"github.com/nci/eotsv/timeseries"
	"github.com/nci/eotsv/utils"
	"go.uber.org/zap"
)

type options struct {
	conc          int
	pattern       string
	followSymlink bool
	format        string
	relative      bool
}

// crawl writes every raster below root in the requested format. opener is
// only used by the identify format.
func crawl(ctx context.Context, root string, opts options, opener raster.Opener, transform geo.TransformContext, out io.Writer, log *zap.Logger) error {
	expr, err := extr.ParsePattern(opts.pattern)
	if err != nil {
		return err
	}

	var factory *timeseries.SourceFactory
	if opener != nil {
		factory = &timeseries.SourceFactory{Opener: opener, Transform: transform}
	}
	baseDir := ""
	if opts.relative {
		baseDir = root
	}
	w, err := extr.NewWriter(opts.format, out, factory, baseDir)
	if err != nil {
		return err
	}

	var writeErr error
	crawler := extr.NewPosixCrawler(extr.CrawlerOptions{
		Conc:          opts.conc,
		Pattern:       expr,
		FollowSymlink: opts.followSymlink,
		Log:           log,
	})
	crawlErr := crawler.Crawl(ctx, root, func(info *extr.PosixInfo) {
		if writeErr == nil {
			writeErr = w.Write(info)
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return crawlErr
}

func main() {
	conc := flag.Int("conc", 16, "number of concurrent directory readers")
	pattern := flag.String("pattern", extr.DefaultPattern, "govaluate filter over the variables path and type ('d' or 'f')")
	follow := flag.Bool("follow", false, "follow symbolic links")
	format := flag.String("fmt", extr.FormatPath, "output format: path, json, tsv, series or identify")
	relative := flag.Bool("relative", false, "write series entries relative to the crawl root")
	configFile := flag.String("conf", "", "eotsv config file")
	flag.Parse()

	config, err := utils.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := utils.NewLogger(config.Logging.Level, config.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if flag.NArg() != 1 {
		log.Fatal("Please provide a directory to crawl or '-' for reading it from stdin")
	}
	root := flag.Arg(0)
	if root == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
		root = scanner.Text()
	}

	var opener raster.Opener
	var transform geo.TransformContext
	if *format == extr.FormatIdentify {
		gdal.InitGdal(config.GDALEnv())
		opener = gdal.Opener{}
		transform = gdal.TransformContext{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := bufio.NewWriter(os.Stdout)
	err = crawl(ctx, root, options{
		conc:          *conc,
		pattern:       *pattern,
		followSymlink: *follow,
		format:        *format,
		relative:      *relative,
	}, opener, transform, out, log)
	out.Flush()
	if err != nil {
		log.Error("crawl finished with errors", zap.String("root", root), zap.Error(err))
		os.Exit(1)
	}
}
