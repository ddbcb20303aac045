// Package session holds the metadata of the video currently being converted
// and the conversion mode selected by the user.
package session

import (
	"sync"

	"ytjobs/internal/models"
)

// Reader is the read-only view consumed by job tracking.
type Reader interface {
	CurrentJobID() string
	CurrentMode() models.Mode
}

type Store struct {
	mu         sync.RWMutex
	mp3Info    *models.VideoInfo
	videoInfo  *models.VideoInfo
	currentURL string
	mode       models.Mode
}

func NewStore() *Store {
	return &Store{mode: models.ModeMP3}
}

// SetMP3Data records the conversion result of an mp3 request.
func (s *Store) SetMP3Data(info *models.VideoInfo, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mp3Info = cloneInfo(info)
	s.currentURL = url
}

// SetVideoData records the conversion result of a video request.
func (s *Store) SetVideoData(info *models.VideoInfo, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoInfo = cloneInfo(info)
	s.currentURL = url
}

// Set stores info under the slot matching its mode.
func (s *Store) Set(info *models.VideoInfo, url string) {
	if info != nil && info.Mode == models.ModeVideo {
		s.SetVideoData(info, url)
		return
	}
	s.SetMP3Data(info, url)
}

func (s *Store) ClearMP3Data() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mp3Info = nil
}

func (s *Store) ClearVideoData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoInfo = nil
}

func (s *Store) SetCurrentMode(mode models.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

func (s *Store) CurrentMode() models.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Store) CurrentVideoURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentURL
}

func (s *Store) MP3Info() *models.VideoInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneInfo(s.mp3Info)
}

func (s *Store) VideoInfo() *models.VideoInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneInfo(s.videoInfo)
}

// CurrentInfo returns the info stored for the current mode.
func (s *Store) CurrentInfo() *models.VideoInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mode == models.ModeVideo {
		return cloneInfo(s.videoInfo)
	}
	return cloneInfo(s.mp3Info)
}

// CurrentJobID returns the job id of the current mode's conversion, falling
// back to its file id when the backend did not send a separate job id.
func (s *Store) CurrentJobID() string {
	info := s.CurrentInfo()
	if info == nil {
		return ""
	}
	if info.JobID != "" {
		return info.JobID
	}
	return info.FileID
}

func cloneInfo(info *models.VideoInfo) *models.VideoInfo {
	if info == nil {
		return nil
	}
	c := *info
	return &c
}
