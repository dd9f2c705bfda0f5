package device

import (
	"context"
	"sync"

	"esplink/internal/bus"
)

// StateStore keeps the latest device-reported snapshots in memory so UI
// collaborators can query them without replaying the event stream. It is fed
// by the bus; the protocol core does not know it exists.
type StateStore struct {
	mu          sync.RWMutex
	entries     []FileSystemEntry
	config      *Config
	timeInfo    *TimeInfo
	boardSerial string
	changes     chan struct{}
}

func NewStateStore() *StateStore {
	return &StateStore{
		changes: make(chan struct{}, 1),
	}
}

// Start subscribes to the report topics and applies updates until ctx ends.
func (s *StateStore) Start(ctx context.Context, b bus.MessageBus) {
	fileSub := b.Subscribe(TopicFileList)
	configSub := b.Subscribe(TopicConfig)
	timeSub := b.Subscribe(TopicTime)
	serialSub := b.Subscribe(TopicSerial)
	stateSub := b.Subscribe(TopicConnState)

	go func() {
		// Closed subscription channels mean the bus itself shut down; only
		// the ctx path may still talk to it.
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(fileSub, TopicFileList)
				b.Unsubscribe(configSub, TopicConfig)
				b.Unsubscribe(timeSub, TopicTime)
				b.Unsubscribe(serialSub, TopicSerial)
				b.Unsubscribe(stateSub, TopicConnState)

				return
			case msg, ok := <-fileSub:
				if !ok {
					return
				}
				if list, ok := msg.(FileList); ok {
					s.setEntries(list.Entries)
				}
			case msg, ok := <-configSub:
				if !ok {
					return
				}
				if cfg, ok := msg.(Config); ok {
					s.setConfig(cfg)
				}
			case msg, ok := <-timeSub:
				if !ok {
					return
				}
				if info, ok := msg.(TimeInfo); ok {
					s.setTimeInfo(info)
				}
			case msg, ok := <-serialSub:
				if !ok {
					return
				}
				if serial, ok := msg.(SerialNumber); ok {
					s.setBoardSerial(serial.Value)
				}
			case msg, ok := <-stateSub:
				if !ok {
					return
				}
				if change, ok := msg.(StateChange); ok && change.State == StateDisconnected {
					// Snapshots describe a live session only.
					s.Reset()
				}
			}
		}
	}()
}

// Files returns the latest file listing, or nil before the first report.
func (s *StateStore) Files() []FileSystemEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entries == nil {
		return nil
	}
	out := make([]FileSystemEntry, len(s.entries))
	copy(out, s.entries)

	return out
}

func (s *StateStore) Config() (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return Config{}, false
	}

	return *s.config, true
}

func (s *StateStore) TimeInfo() (TimeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.timeInfo == nil {
		return TimeInfo{}, false
	}

	return *s.timeInfo, true
}

func (s *StateStore) BoardSerial() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.boardSerial
}

// Changes signals coalesced snapshot updates for refresh-style consumers.
func (s *StateStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *StateStore) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.config = nil
	s.timeInfo = nil
	s.boardSerial = ""
	s.mu.Unlock()
	s.notify()
}

func (s *StateStore) setEntries(entries []FileSystemEntry) {
	s.mu.Lock()
	s.entries = make([]FileSystemEntry, len(entries))
	copy(s.entries, entries)
	s.mu.Unlock()
	s.notify()
}

func (s *StateStore) setConfig(cfg Config) {
	s.mu.Lock()
	s.config = &cfg
	s.mu.Unlock()
	s.notify()
}

func (s *StateStore) setTimeInfo(info TimeInfo) {
	s.mu.Lock()
	s.timeInfo = &info
	s.mu.Unlock()
	s.notify()
}

func (s *StateStore) setBoardSerial(serial string) {
	s.mu.Lock()
	s.boardSerial = serial
	s.mu.Unlock()
	s.notify()
}

func (s *StateStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
