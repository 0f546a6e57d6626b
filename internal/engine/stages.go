package engine

import (
	"sync/atomic"

	"media-thumbnailer/internal/metrics"
)

// Stage names the pipeline phases gated by tokens.
type Stage int

const (
	StageDecode Stage = iota
	StageScale
	StageEncode
)

func (s Stage) String() string {
	switch s {
	case StageDecode:
		return "decode"
	case StageScale:
		return "scale"
	case StageEncode:
		return "encode"
	default:
		return "invalid"
	}
}

// stageTokens caps concurrency of the expensive pipeline phases
// independently of the pool size, so a burst of videos cannot monopolize
// memory that scaling images also needs. Acquisition is lock-free.
type stageTokens struct {
	limits [3]int32
	used   [3]atomic.Int32
}

func newStageTokens(cfg Config) *stageTokens {
	return &stageTokens{
		limits: [3]int32{
			int32(cfg.DecodeTokens),
			int32(cfg.ScaleTokens),
			int32(cfg.EncodeTokens),
		},
	}
}

// TryAcquire claims one token for stage, returning false when the stage is
// saturated.
func (s *stageTokens) TryAcquire(stage Stage) bool {
	for {
		cur := s.used[stage].Load()
		if cur >= s.limits[stage] {
			metrics.StageWaits.WithLabelValues(stage.String()).Inc()
			return false
		}
		if s.used[stage].CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns one token. Releasing below zero indicates a paired-call
// bug and is clamped.
func (s *stageTokens) Release(stage Stage) {
	if s.used[stage].Add(-1) < 0 {
		s.used[stage].Store(0)
	}
}

// InUse returns the current holder count for stage.
func (s *stageTokens) InUse(stage Stage) int {
	return int(s.used[stage].Load())
}

// stagesForType lists the token stages a file type holds while generating.
// Images decode cheaply in-process so they skip the decode gate; archives,
// videos and folder scans hold it. Folder previews usually reuse stored
// bytes and skip scaling and encoding.
func stagesForType(t FileType) []Stage {
	switch t {
	case FileTypeImage:
		return []Stage{StageScale, StageEncode}
	case FileTypeArchive, FileTypeVideo:
		return []Stage{StageDecode, StageScale, StageEncode}
	case FileTypeFolder:
		return []Stage{StageDecode}
	case FileTypeOther:
		// Unknown extensions go through the file pipeline, which may fall
		// back to an external decode.
		return []Stage{StageDecode, StageScale, StageEncode}
	default:
		return nil
	}
}
