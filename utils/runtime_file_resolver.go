package utils

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RuntimeFileResolver finds templates and definition files by relative
// name in a colon separated search path, then the working directory, then
// the directory of the executable.
type RuntimeFileResolver struct {
	DataDirs   []string
	mu         sync.Mutex
	fileLookup map[string]string
}

func NewRuntimeFileResolver(searchPath string, log *zap.Logger) *RuntimeFileResolver {
	if log == nil {
		log = zap.NewNop()
	}
	resolver := &RuntimeFileResolver{
		fileLookup: make(map[string]string),
	}

	for _, dataDir := range strings.Split(searchPath, ":") {
		dataDir = strings.TrimSpace(dataDir)
		if len(dataDir) == 0 {
			continue
		}
		resolver.DataDirs = append(resolver.DataDirs, dataDir)
	}

	if cwd, err := os.Getwd(); err == nil {
		resolver.DataDirs = append(resolver.DataDirs, cwd)
	} else {
		log.Warn("failed to get working directory", zap.Error(err))
	}

	resolver.DataDirs = append(resolver.DataDirs, filepath.Dir(os.Args[0]))
	return resolver
}

func (r *RuntimeFileResolver) Resolve(filePath string) (string, error) {
	if filepath.IsAbs(filePath) {
		return filePath, checkFile(filePath)
	}

	for _, dataDir := range r.DataDirs {
		p := filepath.Clean(filepath.Join(dataDir, filePath))
		if checkFile(p) == nil {
			return p, nil
		}
	}
	return filePath, errors.Errorf("failed to resolve %v in %v", filePath, r.DataDirs)
}

// Lookup is Resolve with memoised successes.
func (r *RuntimeFileResolver) Lookup(filePath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, found := r.fileLookup[filePath]; found {
		return p, nil
	}

	p, err := r.Resolve(filePath)
	if err != nil {
		return "", err
	}
	r.fileLookup[filePath] = p
	return p, nil
}

func checkFile(filePath string) error {
	st, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return errors.Errorf("%s is a directory", filePath)
	}
	return nil
}
