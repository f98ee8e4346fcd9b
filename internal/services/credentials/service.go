// Package credentials loads the OAuth client credentials from a JSON file
// and reloads them when the file changes.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"

	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
)

// Event represents a credentials service event.
type Event struct {
	Type  EventType
	Error error
}

// EventType defines the type of credentials event.
type EventType int

const (
	EventLoaded EventType = iota
	EventChanged
	EventError
)

const debounceInterval = 100 * time.Millisecond

// clientFile is the file written by Save.
type clientFile struct {
	Credentials models.Credentials `json:"credentials"`
	Version     int                `json:"version,omitempty"`
}

// consoleClient is the layout of a client secret downloaded from the
// Google Cloud console.
type consoleClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
}

// Service holds the current client credentials.
type Service struct {
	mu            sync.RWMutex
	fromFile      models.Credentials
	fallback      models.Credentials
	filePath      string
	watcher       *fsnotify.Watcher
	onChange      func()
	eventChan     chan Event
	stopChan      chan struct{}
	debounceTimer *time.Timer
}

// New loads filePath and starts watching it. Fields the file leaves empty
// are taken from fallback, usually the environment. A missing file is
// not an error.
func New(filePath string, fallback models.Credentials) (*Service, error) {
	s := &Service{
		filePath:  filePath,
		fallback:  fallback,
		eventChan: make(chan Event, 16),
		stopChan:  make(chan struct{}),
	}

	if filePath == "" {
		s.sendEvent(Event{Type: EventLoaded})
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := s.reload(); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	if err := s.startWatcher(); err != nil {
		return nil, fmt.Errorf("failed to start file watcher: %w", err)
	}

	s.sendEvent(Event{Type: EventLoaded})
	return s, nil
}

// Events returns the event channel for subscribing to credential changes.
func (s *Service) Events() <-chan Event {
	return s.eventChan
}

// SetOnChange registers a callback run after every successful reload.
func (s *Service) SetOnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Credentials returns the merged credentials.
func (s *Service) Credentials() models.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.fromFile
	if c.ClientID == "" {
		c.ClientID = s.fallback.ClientID
	}
	if c.ClientSecret == "" {
		c.ClientSecret = s.fallback.ClientSecret
	}
	if c.RedirectURI == "" {
		c.RedirectURI = s.fallback.RedirectURI
	}
	return c
}

// Path returns the watched file path.
func (s *Service) Path() string {
	return s.filePath
}

// Save writes creds to the file. The watcher picks the change up like
// any other edit.
func (s *Service) Save(creds models.Credentials) error {
	if s.filePath == "" {
		return fmt.Errorf("no credentials file configured")
	}

	data, err := json.MarshalIndent(clientFile{Credentials: creds, Version: 1}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		if removeErr := os.Remove(tmpFile); removeErr != nil {
			logger.Error("failed to remove temp file", "error", removeErr)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.mu.Lock()
	s.fromFile = creds
	s.mu.Unlock()
	return nil
}

// Parse reads either the layout written by Save or a client secret file
// from the Google Cloud console ("installed" or "web" application).
func Parse(data []byte) (models.Credentials, error) {
	var console struct {
		Installed *consoleClient `json:"installed"`
		Web       *consoleClient `json:"web"`
	}
	if err := json.Unmarshal(data, &console); err != nil {
		return models.Credentials{}, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	client := console.Installed
	if client == nil {
		client = console.Web
	}
	if client != nil {
		creds := models.Credentials{ClientID: client.ClientID, ClientSecret: client.ClientSecret}
		if len(client.RedirectURIs) > 0 {
			creds.RedirectURI = client.RedirectURIs[0]
		}
		return creds, nil
	}

	var file clientFile
	if err := json.Unmarshal(data, &file); err == nil && file.Credentials != (models.Credentials{}) {
		return file.Credentials, nil
	}

	var flat models.Credentials
	if err := json.Unmarshal(data, &flat); err != nil {
		return models.Credentials{}, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return flat, nil
}

// reload replaces the file credentials. A missing file clears them.
func (s *Service) reload() error {
	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.fromFile = models.Credentials{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	creds, err := Parse(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.fromFile = creds
	s.mu.Unlock()
	return nil
}

// startWatcher starts the file system watcher.
func (s *Service) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the directory so atomic replacements are seen
	if err := watcher.Add(filepath.Dir(s.filePath)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("failed to close watcher", "error", closeErr)
		}
		return err
	}

	go s.watchLoop()
	return nil
}

// watchLoop handles file system events with debouncing.
func (s *Service) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(s.filePath) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.mu.Lock()
				if s.debounceTimer != nil {
					s.debounceTimer.Stop()
				}
				s.debounceTimer = time.AfterFunc(debounceInterval, s.handleFileChange)
				s.mu.Unlock()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.sendEvent(Event{Type: EventError, Error: err})

		case <-s.stopChan:
			return
		}
	}
}

// handleFileChange reloads the credentials after an external change.
func (s *Service) handleFileChange() {
	if err := s.reload(); err != nil {
		logger.Warn("credentials file unreadable; keeping previous values", "path", s.filePath, "error", err)
		s.sendEvent(Event{Type: EventError, Error: err})
		return
	}

	logger.Info("credentials reloaded", "path", s.filePath)
	s.sendEvent(Event{Type: EventChanged})

	s.mu.RLock()
	onChange := s.onChange
	s.mu.RUnlock()

	if onChange != nil {
		onChange()
	}
}

// sendEvent sends an event to the event channel non-blocking.
func (s *Service) sendEvent(event Event) {
	select {
	case s.eventChan <- event:
	default:
		// Channel full, drop oldest event
		select {
		case <-s.eventChan:
		default:
		}
		select {
		case s.eventChan <- event:
		default:
		}
	}
}

// Close stops the file watcher and cleans up resources.
func (s *Service) Close() error {
	close(s.stopChan)

	s.mu.Lock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.mu.Unlock()

	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
