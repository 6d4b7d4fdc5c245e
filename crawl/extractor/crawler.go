package extractor

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	goeval "github.com/edisonguo/govaluate"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultPattern descends into every directory and keeps files with a
// raster extension GDAL commonly reads.
const DefaultPattern = `type == 'd' || path =~ '(?i)[.](tif|tiff|nc|img|vrt|jp2|hdf|h5|bsq|envi)$'`

const DefaultMaxPosixErrors = 1000

func GetPosixInfo(filePath string, fStat os.FileInfo) *PosixInfo {
	stat, ok := fStat.Sys().(*syscall.Stat_t)
	if !ok {
		return &PosixInfo{
			FilePath: filePath,
			Size:     fStat.Size(),
			MTime:    fStat.ModTime().UTC(),
			ID:       fmt.Sprintf("%x", md5.Sum([]byte(filePath))),
		}
	}
	fileSignature := fmt.Sprintf("%s%d%d%d%d", filePath, stat.Ino, stat.Size, stat.Mtim.Sec, stat.Mtim.Nsec)
	return &PosixInfo{
		FilePath: filePath,
		INode:    stat.Ino,
		Size:     stat.Size,
		MTime:    time.Unix(int64(stat.Mtim.Sec), int64(stat.Mtim.Nsec)).UTC(),
		CTime:    time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec)).UTC(),
		ID:       fmt.Sprintf("%x", md5.Sum([]byte(fileSignature))),
	}
}

// ParsePattern compiles a filter expression over the variables path and
// type ('d' or 'f'). An empty pattern yields nil, which accepts everything.
func ParsePattern(pattern string) (*goeval.EvaluableExpression, error) {
	if len(strings.TrimSpace(pattern)) == 0 {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "pattern expression")
	}

	validVariables := map[string]struct{}{"path": {}, "type": {}}
	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if _, found := validVariables[varName]; !found {
				return nil, fmt.Errorf("variable %v is not supported, valid variables are path and type", varName)
			}
		}
	}
	return expr, nil
}

type CrawlerOptions struct {
	Conc          int
	Pattern       *goeval.EvaluableExpression
	FollowSymlink bool
	Log           *zap.Logger
}

// PosixCrawler walks a directory tree with up to Conc concurrent directory
// readers. Matching regular files are handed to a single consumer.
type PosixCrawler struct {
	outputs       chan *PosixInfo
	errs          chan error
	wg            sync.WaitGroup
	concLimit     chan struct{}
	pattern       *goeval.EvaluableExpression
	followSymlink bool
	log           *zap.Logger
}

func NewPosixCrawler(opts CrawlerOptions) *PosixCrawler {
	if opts.Conc < 1 {
		opts.Conc = 1
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &PosixCrawler{
		outputs:       make(chan *PosixInfo, 4096),
		errs:          make(chan error, DefaultMaxPosixErrors),
		concLimit:     make(chan struct{}, opts.Conc),
		pattern:       opts.Pattern,
		followSymlink: opts.FollowSymlink,
		log:           opts.Log,
	}
}

// Crawl walks root and calls emit for every matching file. emit runs on
// one goroutine. Per-entry failures are collected and returned together
// once the walk completes.
func (pc *PosixCrawler) Crawl(ctx context.Context, root string, emit func(*PosixInfo)) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return errors.Wrap(err, "crawl root")
	}
	if _, err := os.Stat(absRoot); err != nil {
		return errors.Wrap(err, "crawl root")
	}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		for info := range pc.outputs {
			emit(info)
		}
	}()

	pc.wg.Add(1)
	pc.concLimit <- struct{}{}
	pc.crawlDir(ctx, absRoot, false)
	pc.wg.Wait()

	close(pc.outputs)
	<-outputDone

	close(pc.errs)
	var msgs []string
	for err := range pc.errs {
		msgs = append(msgs, err.Error())
	}
	if len(msgs) >= DefaultMaxPosixErrors {
		msgs = append(msgs, " ... too many errors")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(msgs) > 0 {
		return errors.New(strings.Join(msgs, "\n"))
	}
	return nil
}

func (pc *PosixCrawler) fail(err error) {
	pc.log.Debug("crawl error", zap.Error(err))
	select {
	case pc.errs <- err:
	default:
	}
}

func (pc *PosixCrawler) crawlDir(ctx context.Context, currPath string, serialised bool) {
	defer pc.wg.Done()
	if !serialised {
		defer func() { <-pc.concLimit }()
	}
	if ctx.Err() != nil {
		return
	}

	entries, err := os.ReadDir(currPath)
	if err != nil {
		pc.fail(err)
		return
	}

	for _, entry := range entries {
		filePath := filepath.Join(currPath, entry.Name())
		mode := entry.Type()

		var fStat os.FileInfo
		if mode&os.ModeSymlink != 0 {
			if !pc.followSymlink {
				continue
			}
			if fStat, err = os.Stat(filePath); err != nil {
				pc.fail(err)
				continue
			}
			mode = fStat.Mode().Type()
		}

		isDir := mode.IsDir()
		if !isDir && !mode.IsRegular() {
			continue
		}

		if pc.pattern != nil {
			ok, err := pc.match(filePath, isDir)
			if err != nil {
				pc.fail(err)
				continue
			}
			if !ok {
				continue
			}
		}

		if isDir {
			pc.wg.Add(1)
			select {
			case pc.concLimit <- struct{}{}:
				go pc.crawlDir(ctx, filePath, false)
			default:
				pc.crawlDir(ctx, filePath, true)
			}
			continue
		}

		if fStat == nil {
			if fStat, err = entry.Info(); err != nil {
				pc.fail(err)
				continue
			}
		}
		pc.outputs <- GetPosixInfo(filePath, fStat)
	}
}

func (pc *PosixCrawler) match(filePath string, isDir bool) (bool, error) {
	fileType := "f"
	if isDir {
		fileType = "d"
	}

	result, err := pc.pattern.Evaluate(map[string]interface{}{"type": fileType, "path": filePath})
	if err != nil {
		return false, fmt.Errorf("pattern expression: %v", err)
	}
	val, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("pattern expression: result '%v' is not boolean", result)
	}
	return val, nil
}
