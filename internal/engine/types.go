package engine

import (
	"path/filepath"
	"strings"
)

// FileType classifies a generation source by what pipeline it needs.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeImage
	FileTypeVideo
	FileTypeArchive
	FileTypeFolder
	// FileTypeOther is a file with an extension outside the known media
	// sets. It runs the file pipeline and, unlike folders, failures are
	// blacklisted so the same unsupported file is not retried forever.
	FileTypeOther
)

func (t FileType) String() string {
	switch t {
	case FileTypeImage:
		return "image"
	case FileTypeVideo:
		return "video"
	case FileTypeArchive:
		return "archive"
	case FileTypeFolder:
		return "folder"
	case FileTypeOther:
		return "other"
	default:
		return "unknown"
	}
}

// Lane is the scheduling priority class of a request.
type Lane int

const (
	LaneVisible Lane = iota
	LanePreload
	LaneBackground
)

func (l Lane) String() string {
	switch l {
	case LaneVisible:
		return "visible"
	case LanePreload:
		return "preload"
	case LaneBackground:
		return "background"
	default:
		return "invalid"
	}
}

// Task is one unit of generation work flowing through the queue.
type Task struct {
	// Path is the full path key, possibly with an archive-inner component
	// ("book.cbz::page01.jpg").
	Path string
	// Directory is the browsing directory this request came from, used to
	// discard tasks after a directory switch.
	Directory string
	FileType  FileType
	Lane      Lane
	// CenterDistance orders tasks within a lane: distance from the
	// viewport center, closest first.
	CenterDistance int
	// OriginalIndex breaks center-distance ties in request order.
	OriginalIndex int
	// DedupKey and DedupRequestID tie the task to its deduplicator
	// reservation so only the owning task can release it.
	DedupKey       string
	DedupRequestID uint64
	// RequestEpoch is the queue epoch at enqueue time. A stale epoch means
	// the user navigated away and the task is discarded unprocessed.
	RequestEpoch uint64
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".webm": true,
	".m4v":  true,
	".flv":  true,
	".wmv":  true,
	".mpg":  true,
	".mpeg": true,
	".ts":   true,
	".3gp":  true,
}

var stillExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
	".avif": true,
	".heic": true,
	".heif": true,
}

var archiveExtensions = map[string]bool{
	".zip": true,
	".cbz": true,
	".rar": true,
	".cbr": true,
	".7z":  true,
}

// DetectFileType classifies a path key. Keys with an archive-inner
// component are always archive work regardless of the inner extension.
func DetectFileType(path string) FileType {
	if strings.Contains(path, "::") {
		return FileTypeArchive
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case stillExtensions[ext]:
		return FileTypeImage
	case videoExtensions[ext]:
		return FileTypeVideo
	case archiveExtensions[ext]:
		return FileTypeArchive
	default:
		return FileTypeUnknown
	}
}

// IsLikelyFolder guesses whether a bare path names a directory: a trailing
// separator or no extension at all. A dotted unknown extension is a file,
// not a folder. Used to pick the category order when answering lookups
// without touching the filesystem.
func IsLikelyFolder(path string) bool {
	if strings.Contains(path, "::") {
		return false
	}
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return true
	}
	return strings.ToLower(filepath.Ext(path)) == ""
}

// classifyPath resolves a request path to the pipeline that serves it.
func classifyPath(path string) FileType {
	if t := DetectFileType(path); t != FileTypeUnknown {
		return t
	}
	if IsLikelyFolder(path) {
		return FileTypeFolder
	}
	return FileTypeOther
}
