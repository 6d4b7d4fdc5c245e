package extractor

import "time"

type PosixInfo struct {
	FilePath string    `json:"file_path"`
	INode    uint64    `json:"inode"`
	Size     int64     `json:"size"`
	MTime    time.Time `json:"mtime"`
	CTime    time.Time `json:"ctime"`
	ID       string    `json:"id"`
}

// SourceInfo is the time series identity of a crawled raster. Error is
// set instead of the identity when the raster could not be described.
type SourceInfo struct {
	FilePath string     `json:"file_path"`
	Provider string     `json:"provider,omitempty"`
	DateTime *time.Time `json:"datetime,omitempty"`
	SID      string     `json:"sid,omitempty"`
	Dims     []int      `json:"dims,omitempty"`
	Error    string     `json:"error,omitempty"`
}
