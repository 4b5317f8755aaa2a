package transport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/log"
)

// Both sides must resolve the same region directory, so the base directory
// override is honored by server and client alike.
const memory_temp_dir_env = "MEMORY_TEMP_DIR"

const (
	memory_status_running = "running"
	memory_status_stopped = "stopped"

	// Fallback sweep period when change notification misses an event.
	memory_sweep_interval = 50 * time.Millisecond
)

// controlInfo is the JSON body of the region's control file.
type controlInfo struct {
	ServerPID   int    `json:"server_pid"`
	BindAddress string `json:"bind_address"`
	TempDir     string `json:"temp_dir"`
	Status      string `json:"status"`
}

func memoryBaseDir() string {
	if dir := os.Getenv(memory_temp_dir_env); dir != "" {
		os.MkdirAll(dir, 0o755)
		return dir
	}
	return os.TempDir()
}

func memoryRegionDir(region string) string {
	return filepath.Join(memoryBaseDir(), region)
}

func memoryControlFile(region string) string {
	return filepath.Join(memoryRegionDir(region), "cc_memory_server_"+region+".ctrl")
}

func memoryRequestFile(region, request_id string) string {
	return filepath.Join(memoryRegionDir(region), "cc_event_req_"+region+"_"+request_id+".mem")
}

func memoryResponseFile(region, request_id string) string {
	return filepath.Join(memoryRegionDir(region), "cc_event_resp_"+region+"_"+request_id+".mem")
}

/*
MemoryServer serves one memory:// region: a temp directory holding a JSON
control file plus memory-mapped request and response files. Request
discovery prefers filesystem change notification and falls back to a
periodic directory sweep; both paths tolerate a request file vanishing
between discovery and read, which just means it was handled already.
*/
type MemoryServer struct {
	addr   string
	region string
	dir    string
	queue  *event.Queue

	watcher *fsnotify.Watcher

	down      chan struct{}
	down_once sync.Once
	destroyed sync.Once
}

func NewMemoryServer(addr string) (*MemoryServer, error) {
	region := strings.TrimPrefix(addr, scheme_memory)
	if region == "" {
		return nil, errs.New(errs.ERROR_AT_CRM_SERVER, "memory address %q names no region", addr)
	}
	s := &MemoryServer{
		addr:   addr,
		region: region,
		dir:    memoryRegionDir(region),
		down:   make(chan struct{}),
	}

	// A previous run may have left files behind.
	s.cleanupDir()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, errs.New(errs.ERROR_AT_CRM_SERVER, "creating region dir %s: %s", s.dir, err.Error())
	}
	if err := s.writeControlFile(memory_status_running); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryServer) BindQueue(q *event.Queue) {
	s.queue = q
}

func (s *MemoryServer) writeControlFile(status string) error {
	info := controlInfo{
		ServerPID:   os.Getpid(),
		BindAddress: s.addr,
		TempDir:     s.dir,
		Status:      status,
	}
	raw, err := json.MarshalIndent(&info, "", "    ")
	if err != nil {
		return errs.New(errs.ERROR_AT_CRM_SERVER, "encoding control info: %s", err.Error())
	}
	if err := os.WriteFile(memoryControlFile(s.region), raw, 0o644); err != nil {
		return errs.New(errs.ERROR_AT_CRM_SERVER, "writing control file: %s", err.Error())
	}
	return nil
}

func (s *MemoryServer) cleanupDir() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(s.dir, entry.Name()))
		}
	}
	if err := os.Remove(s.dir); err != nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Could not remove region dir", s.dir, ":", err.Error())
	}
}

func (s *MemoryServer) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(s.dir); werr != nil {
			watcher.Close()
			watcher = nil
			log.CRM_log(log.LOGLEVEL_WARNINGS, "Cannot watch region dir, polling only:", werr.Error())
		}
	} else {
		watcher = nil
		log.CRM_log(log.LOGLEVEL_WARNINGS, "fsnotify unavailable, polling only:", err.Error())
	}
	s.watcher = watcher

	go s.serve()
	log.CRM_log(log.LOGLEVEL_INFO, "Memory transport serving region", s.region, "in", s.dir)
	return nil
}

func (s *MemoryServer) serve() {
	ticker := time.NewTicker(memory_sweep_interval)
	defer ticker.Stop()

	var notify chan fsnotify.Event
	var watch_errors chan error
	if s.watcher != nil {
		notify = s.watcher.Events
		watch_errors = s.watcher.Errors
	}

	for {
		select {
		case <-s.down:
			s.queue.Put(event.Event{Tag: event.SHUTDOWN_FROM_SERVER})
			return
		case ev, ok := <-notify:
			if !ok {
				notify = nil
				watch_errors = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if s.sweepRequests() {
				return
			}
		case werr := <-watch_errors:
			if werr != nil {
				log.CRM_log(log.LOGLEVEL_WARNINGS, "Watcher error:", werr.Error())
			}
		case <-ticker.C:
			if s.sweepRequests() {
				return
			}
		}
	}
}

/*
sweepRequests drains all currently visible request files into the queue.
Returns true when a client-initiated shutdown was received and the serve
loop should exit.
*/
func (s *MemoryServer) sweepRequests() bool {
	prefix := "cc_event_req_" + s.region + "_"

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Cannot list region dir:", err.Error())
		return false
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".mem") {
			continue
		}
		request_id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".mem")
		path := filepath.Join(s.dir, name)

		raw, err := readFileMmap(path)
		if err != nil {
			// Already consumed or retracted.
			log.CRM_log(log.LOGLEVEL_DEBUG, "Request file gone before read:", path)
			continue
		}
		os.Remove(path)

		ev, everr := event.Deserialize(raw)
		if everr != nil {
			log.CRM_log(log.LOGLEVEL_WARNINGS, "Discarding malformed request", request_id, ":", everr.Error())
			continue
		}
		ev.RequestID = request_id
		s.queue.Put(ev)

		if ev.Tag == event.SHUTDOWN_FROM_CLIENT {
			return true
		}
	}
	return false
}

// Reply publishes the response file the client is polling for.
func (s *MemoryServer) Reply(e event.Event) error {
	if e.RequestID == "" {
		return errs.New(errs.ERROR_AT_CRM_SERVER, "reply event missing request id")
	}
	return writeFileMmap(memoryResponseFile(s.region, e.RequestID), e.Serialize())
}

func (s *MemoryServer) Shutdown() {
	s.down_once.Do(func() {
		// Flip the control file first so polling clients stop waiting.
		if err := s.writeControlFile(memory_status_stopped); err != nil {
			log.CRM_log(log.LOGLEVEL_WARNINGS, "Could not mark region stopped:", err.Error())
		}
		close(s.down)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

func (s *MemoryServer) Destroy() error {
	s.Shutdown()
	s.destroyed.Do(s.cleanupDir)
	return nil
}

// CancelAllCalls removes the region directory; blocked clients observe the
// missing control file and report the server as unavailable.
func (s *MemoryServer) CancelAllCalls() {
	s.destroyed.Do(s.cleanupDir)
}
