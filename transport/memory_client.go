package transport

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/log"
)

/*
MemoryClient talks to a MemoryServer region by dropping request files into
its directory and polling for the matching response file. The poll backs
off exponentially from 1ms to 100ms; disappearance of the control file is
reported as "server unavailable" rather than waiting forever.
*/
type MemoryClient struct {
	addr    string
	region  string
	timeout time.Duration
}

func NewMemoryClient(addr string, timeout time.Duration) *MemoryClient {
	region := addr[len(scheme_memory):]
	return &MemoryClient{addr: addr, region: region, timeout: timeout}
}

// connect reads the region's control file and reports whether the server
// advertises itself as running.
func (c *MemoryClient) connect() bool {
	raw, err := os.ReadFile(memoryControlFile(c.region))
	if err != nil {
		return false
	}
	var info controlInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return false
	}
	return info.Status == memory_status_running
}

func (c *MemoryClient) Call(method string, data []byte) ([]byte, error) {
	if !c.connect() {
		return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT,
			"failed to connect to memory server at %s", c.addr)
	}

	request_id := uuid.NewString()
	ev := event.NewCall(method, data, request_id)
	if err := writeFileMmap(memoryRequestFile(c.region, request_id), ev.Serialize()); err != nil {
		return nil, err
	}

	raw, err := c.waitForResponse(request_id, c.timeout)
	if err != nil {
		return nil, err
	}
	return parseReply(raw)
}

func (c *MemoryClient) Relay(eventBytes []byte) ([]byte, error) {
	if !c.connect() {
		return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT,
			"failed to connect to memory server at %s", c.addr)
	}

	request_id := uuid.NewString()
	if err := writeFileMmap(memoryRequestFile(c.region, request_id), eventBytes); err != nil {
		return nil, err
	}
	return c.waitForResponse(request_id, c.timeout)
}

func (c *MemoryClient) Terminate() {}

/*
waitForResponse polls for the response file named by request_id. A timeout
of zero means wait indefinitely; the wait still ends early when the control
file vanishes, which signals that the server died or was destroyed.
*/
func (c *MemoryClient) waitForResponse(request_id string, timeout time.Duration) ([]byte, error) {
	path := memoryResponseFile(c.region, request_id)
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	interval := time.Millisecond
	const max_interval = 100 * time.Millisecond

	for {
		// Response before liveness: a server may publish its last reply and
		// tear the region down immediately after.
		if _, err := os.Stat(path); err == nil {
			raw, rerr := readFileMmap(path)
			if rerr != nil {
				return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT,
					"failed to read response file: %s", rerr.Error())
			}
			os.Remove(path)
			return raw, nil
		}

		if _, err := os.Stat(memoryControlFile(c.region)); err != nil {
			return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT,
				"memory server at %s is not running or has been closed unexpectedly", c.addr)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT,
				"response timeout for request %s", request_id)
		}

		time.Sleep(interval)
		interval = interval * 3 / 2
		if interval > max_interval {
			interval = max_interval
		}
	}
}

func pingMemory(addr string) bool {
	return NewMemoryClient(addr, 0).connect()
}

func shutdownMemory(addr string, timeout time.Duration) bool {
	c := NewMemoryClient(addr, timeout)
	if !c.connect() {
		// Not running counts as already shut down.
		return true
	}

	request_id := uuid.NewString()
	ev := event.Event{Tag: event.SHUTDOWN_FROM_CLIENT, RequestID: request_id}
	if err := writeFileMmap(memoryRequestFile(c.region, request_id), ev.Serialize()); err != nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Could not deliver shutdown request:", err.Error())
		return false
	}

	raw, err := c.waitForResponse(request_id, timeout)
	if err != nil {
		// The server may tear the region down right after acknowledging,
		// taking the acknowledgment file with it. A region that is gone or
		// marked stopped did shut down.
		log.CRM_log(log.LOGLEVEL_DEBUG, "No shutdown acknowledgment:", err.Error())
		return !c.connect()
	}
	reply, everr := event.Deserialize(raw)
	return everr == nil && reply.Tag == event.SHUTDOWN_ACK
}
