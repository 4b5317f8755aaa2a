/*
Use either as

	$ echo -srv -addr tcp://localhost:9000

or

	$ echo -cl -addr tcp://localhost:9000

Any supported address scheme works; tcp, ipc, http and memory cross process
boundaries, thread does not.
*/
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/crm-rpc/crmrpc"
	"github.com/crm-rpc/crmrpc/icrm"
	"github.com/crm-rpc/crmrpc/log"
	"github.com/crm-rpc/crmrpc/transferable"
)

func decl() icrm.Decl {
	return icrm.Decl{
		{Name: "Echo", Params: transferable.Shape{{Name: "text", Type: "string"}}, Returns: []string{"string"}},
		{Name: "Error", Params: transferable.Shape{{Name: "text", Type: "string"}}, Returns: []string{"string"}},
	}
}

func registry() *transferable.Registry {
	reg := transferable.NewRegistry()
	reg.Register(transferable.New("string",
		transferable.Shape{{Name: "text", Type: "string"}},
		func(args ...interface{}) ([]byte, error) {
			return json.Marshal(args[0].(string))
		},
		func(data []byte) ([]interface{}, error) {
			var s string
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			return []interface{}{s}, nil
		}))
	return reg
}

func server(addr string) {
	d := icrm.NewDispatcher(decl(), registry())
	d.Register("Echo", func(args []interface{}) ([]interface{}, error) {
		text := args[0].(string)
		fmt.Println("Called Echo:", text, len(text))
		return []interface{}{text}, nil
	})
	d.Register("Error", func(args []interface{}) ([]interface{}, error) {
		return nil, errors.New("Some error occurred in handler, abort")
	})

	srv := crmrpc.NewServer(addr, d)
	if err := srv.Start(); err != nil {
		fmt.Println(err.Error())
		return
	}
	srv.WaitForTermination(0)
}

func client(addr string) {
	cl, err := crmrpc.NewClient(addr)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	defer cl.Terminate()

	proxy := icrm.NewProxy(decl(), registry(), cl)

	results, err := proxy.Call("Echo", "helloworld")
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	fmt.Println("Received response:", results[0].(string))

	if _, err = proxy.Call("Error", "helloworld"); err != nil {
		fmt.Println(err.Error())
	}

	if crmrpc.Shutdown(addr, 2*time.Second) {
		fmt.Println("Server shut down")
	}
}

func main() {

	var srv, cl bool
	var addr string
	flag.BoolVar(&srv, "srv", false, "Specify if you want us to run as server")
	flag.BoolVar(&cl, "cl", false, "Specify if you want us to run as client")
	flag.StringVar(&addr, "addr", "tcp://localhost:9000", "Server address, scheme selects the transport")

	flag.Parse()
	log.SetLoglevel(log.LOGLEVEL_DEBUG)

	if (srv && cl) || (!srv && !cl) {
		fmt.Println("Wrong combination: Use either -srv or -cl")
		return
	}

	if srv {
		server(addr)
	}
	if cl {
		client(addr)
	}

}
