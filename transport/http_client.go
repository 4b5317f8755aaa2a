package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/log"
)

/*
HTTPClient POSTs serialized events to the bound URL and reads the serialized
reply event from the response body. Safe for concurrent use; net/http
multiplexes connections underneath.
*/
type HTTPClient struct {
	url  string
	http *http.Client
}

func NewHTTPClient(addr string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{url: addr, http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Call(method string, data []byte) ([]byte, error) {
	raw, err := c.Relay(event.NewCall(method, data, "").Serialize())
	if err != nil {
		return nil, err
	}
	return parseReply(raw)
}

func (c *HTTPClient) Relay(eventBytes []byte) ([]byte, error) {
	resp, err := c.http.Post(c.url, "application/octet-stream", bytes.NewReader(eventBytes))
	if err != nil {
		return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT, "http request failed: %s", err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT, "reading http response: %s", err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.ERROR_AT_CRM_SERVER, "http status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *HTTPClient) Terminate() {
	c.http.CloseIdleConnections()
}

func httpControlExchange(addr string, request []byte, timeout time.Duration) (event.Tag, bool) {
	hc := &http.Client{Timeout: timeout}
	resp, err := hc.Post(addr, "application/octet-stream", bytes.NewReader(request))
	if err != nil {
		log.CRM_log(log.LOGLEVEL_DEBUG, "http control exchange failed:", err.Error())
		return "", false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return "", false
	}
	ev, everr := event.Deserialize(body)
	if everr != nil {
		return "", false
	}
	return ev.Tag, true
}

func pingHTTP(addr string, timeout time.Duration) bool {
	tag, ok := httpControlExchange(addr, event.PingBytes, timeout)
	return ok && tag == event.PONG
}

func shutdownHTTP(addr string, timeout time.Duration) bool {
	tag, ok := httpControlExchange(addr, event.ShutdownFromClientBytes, timeout)
	return ok && tag == event.SHUTDOWN_ACK
}
